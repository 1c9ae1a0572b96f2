package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CalendarEvent is the calendar surface the core exchanges with the
// external calendar integration.
type CalendarEvent struct {
	ID          string    `json:"id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Location    string    `json:"location,omitempty"`
}

// CalendarService abstracts the external calendar integration. The
// OAuth flow and provider API live outside the core.
type CalendarService interface {
	CreateEvent(ctx context.Context, userID int64, event CalendarEvent) (*CalendarEvent, error)
	ListEvents(ctx context.Context, userID int64, from, to time.Time, limit int) ([]CalendarEvent, error)
}

// CalendarCreateTool creates an event on the user's calendar.
type CalendarCreateTool struct {
	name        string
	description string
	inv         Invocation
	service     CalendarService
}

// NewCalendarCreateTool builds the event creation tool. Building fails
// when no calendar integration is configured.
func NewCalendarCreateTool(name, description string, inv Invocation, service CalendarService) (*CalendarCreateTool, error) {
	if service == nil {
		return nil, errors.New("calendar service is not configured")
	}
	if description == "" {
		description = "Create an event on the user's calendar."
	}
	return &CalendarCreateTool{name: name, description: description, inv: inv, service: service}, nil
}

func (t *CalendarCreateTool) Name() string        { return t.name }
func (t *CalendarCreateTool) Description() string { return t.description }

func (t *CalendarCreateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"title": {
				"type": "string",
				"description": "Event title"
			},
			"start": {
				"type": "string",
				"description": "Event start, RFC3339"
			},
			"end": {
				"type": "string",
				"description": "Event end, RFC3339. Defaults to one hour after start."
			},
			"description": {
				"type": "string",
				"description": "Optional event details"
			},
			"location": {
				"type": "string",
				"description": "Optional event location"
			}
		},
		"required": ["title", "start"]
	}`)
}

// Execute creates the event.
func (t *CalendarCreateTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if t.inv.UserID == 0 {
		return errorResult(t.name, CodeUserIDRequired, "no user bound to this invocation"), nil
	}
	var input struct {
		Title       string `json:"title"`
		Start       string `json:"start"`
		End         string `json:"end"`
		Description string `json:"description"`
		Location    string `json:"location"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(t.name, CodeInvalidInput, "parse input: %v", err), nil
	}
	if input.Title == "" || input.Start == "" {
		return errorResult(t.name, CodeInvalidInput, "title and start are required"), nil
	}
	start, err := time.Parse(time.RFC3339, input.Start)
	if err != nil {
		return errorResult(t.name, CodeInvalidInput, "start must be RFC3339: %v", err), nil
	}
	end := start.Add(time.Hour)
	if input.End != "" {
		end, err = time.Parse(time.RFC3339, input.End)
		if err != nil {
			return errorResult(t.name, CodeInvalidInput, "end must be RFC3339: %v", err), nil
		}
		if !end.After(start) {
			return errorResult(t.name, CodeInvalidInput, "end must be after start"), nil
		}
	}

	event, err := t.service.CreateEvent(ctx, t.inv.UserID, CalendarEvent{
		Title:       input.Title,
		Description: input.Description,
		Start:       start,
		End:         end,
		Location:    input.Location,
	})
	if err != nil {
		return errorResult(t.name, CodeAPIError, "create event: %v", err), nil
	}
	return &ToolResult{
		Content: fmt.Sprintf("Event created: %s (%s - %s)", event.Title,
			event.Start.Format(time.RFC3339), event.End.Format(time.RFC3339)),
	}, nil
}

// CalendarListTool lists upcoming events on the user's calendar.
type CalendarListTool struct {
	name        string
	description string
	inv         Invocation
	service     CalendarService
	now         func() time.Time
}

// NewCalendarListTool builds the event listing tool.
func NewCalendarListTool(name, description string, inv Invocation, service CalendarService, now func() time.Time) (*CalendarListTool, error) {
	if service == nil {
		return nil, errors.New("calendar service is not configured")
	}
	if now == nil {
		now = time.Now
	}
	if description == "" {
		description = "List upcoming events on the user's calendar."
	}
	return &CalendarListTool{name: name, description: description, inv: inv, service: service, now: now}, nil
}

func (t *CalendarListTool) Name() string        { return t.name }
func (t *CalendarListTool) Description() string { return t.description }

func (t *CalendarListTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"days": {
				"type": "integer",
				"minimum": 1,
				"maximum": 90,
				"description": "How many days ahead to look (default: 7)"
			},
			"limit": {
				"type": "integer",
				"minimum": 1,
				"maximum": 50,
				"description": "Maximum events to return (default: 10)"
			}
		}
	}`)
}

// Execute lists events.
func (t *CalendarListTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if t.inv.UserID == 0 {
		return errorResult(t.name, CodeUserIDRequired, "no user bound to this invocation"), nil
	}
	var input struct {
		Days  int `json:"days"`
		Limit int `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return errorResult(t.name, CodeInvalidInput, "parse input: %v", err), nil
		}
	}
	if input.Days <= 0 {
		input.Days = 7
	}
	if input.Limit <= 0 {
		input.Limit = 10
	}

	from := t.now()
	to := from.AddDate(0, 0, input.Days)
	events, err := t.service.ListEvents(ctx, t.inv.UserID, from, to, input.Limit)
	if err != nil {
		return errorResult(t.name, CodeAPIError, "list events: %v", err), nil
	}
	if len(events) == 0 {
		return &ToolResult{Content: fmt.Sprintf("No events in the next %d days.", input.Days)}, nil
	}

	var lines []string
	for _, e := range events {
		line := fmt.Sprintf("- %s: %s", e.Start.Format("Mon 2 Jan 15:04"), e.Title)
		if e.Location != "" {
			line += " @ " + e.Location
		}
		lines = append(lines, line)
	}
	return &ToolResult{Content: strings.Join(lines, "\n")}, nil
}
