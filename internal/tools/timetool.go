package tools

import (
	"context"
	"encoding/json"
	"time"
)

// TimeTool reports the current date and time, optionally in a
// requested timezone. Defaults to the user's timezone from the
// invocation, then UTC.
type TimeTool struct {
	name        string
	description string
	defaultTZ   string
	now         func() time.Time
}

// NewTimeTool creates a time tool bound to the invocation timezone.
func NewTimeTool(name, description string, inv Invocation, now func() time.Time) *TimeTool {
	if now == nil {
		now = time.Now
	}
	if description == "" {
		description = "Get the current date and time. Optionally pass an IANA timezone name."
	}
	return &TimeTool{name: name, description: description, defaultTZ: inv.Timezone, now: now}
}

func (t *TimeTool) Name() string        { return t.name }
func (t *TimeTool) Description() string { return t.description }

func (t *TimeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {
				"type": "string",
				"description": "IANA timezone name, e.g. Europe/Lisbon. Defaults to the user's timezone."
			}
		}
	}`)
}

// Execute formats the current time.
func (t *TimeTool) Execute(_ context.Context, params json.RawMessage) (*ToolResult, error) {
	var input struct {
		Timezone string `json:"timezone"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return errorResult(t.name, CodeInvalidInput, "parse input: %v", err), nil
		}
	}

	tz := input.Timezone
	if tz == "" {
		tz = t.defaultTZ
	}
	loc := time.UTC
	if tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return errorResult(t.name, CodeInvalidInput, "unknown timezone %q", tz), nil
		}
		loc = parsed
	}

	now := t.now().In(loc)
	return &ToolResult{
		Content: now.Format("Monday, 2 January 2006 15:04:05 MST"),
	}, nil
}
