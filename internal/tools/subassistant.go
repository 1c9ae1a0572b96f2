package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// DelegateRunner runs a single user turn against another assistant's
// conversation graph. The delegate gets a fresh state: it never sees
// or mutates the parent conversation.
type DelegateRunner interface {
	RunDelegate(ctx context.Context, assistantID int64, inv Invocation, message string) (string, error)
}

// SubAssistantTool hands a task to a specialist assistant and returns
// its reply.
type SubAssistantTool struct {
	name        string
	description string
	inv         Invocation
	delegateID  int64
	runner      DelegateRunner
}

// NewSubAssistantTool builds a delegation tool. Building fails when the
// definition names no delegate or no runner is available.
func NewSubAssistantTool(name, description string, inv Invocation, delegateID int64, runner DelegateRunner) (*SubAssistantTool, error) {
	if runner == nil {
		return nil, errors.New("delegate runner is not configured")
	}
	if delegateID == 0 {
		return nil, errors.New("delegate assistant id is required")
	}
	if description == "" {
		description = "Delegate a task to a specialist assistant and return its answer."
	}
	return &SubAssistantTool{
		name:        name,
		description: description,
		inv:         inv,
		delegateID:  delegateID,
		runner:      runner,
	}, nil
}

func (t *SubAssistantTool) Name() string        { return t.name }
func (t *SubAssistantTool) Description() string { return t.description }

func (t *SubAssistantTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"message": {
				"type": "string",
				"description": "The task or question to hand to the specialist assistant"
			}
		},
		"required": ["message"]
	}`)
}

// Execute runs one delegated turn.
func (t *SubAssistantTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if t.inv.UserID == 0 {
		return errorResult(t.name, CodeUserIDRequired, "no user bound to this invocation"), nil
	}
	var input struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(t.name, CodeInvalidInput, "parse input: %v", err), nil
	}
	if strings.TrimSpace(input.Message) == "" {
		return errorResult(t.name, CodeInvalidInput, "message is required"), nil
	}

	reply, err := t.runner.RunDelegate(ctx, t.delegateID, t.inv, input.Message)
	if err != nil {
		return errorResult(t.name, CodeAPIError, "delegate failed: %v", err), nil
	}
	return &ToolResult{Content: reply}, nil
}
