// Package tools materializes invocable tool instances from declarative
// definitions and binds them to the user and assistant of the current
// turn. Tools report failures through error results rather than Go
// errors so the model can see what went wrong and recover.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
)

// ErrorCode classifies a tool failure for the model and for logging.
type ErrorCode string

const (
	CodeUserIDRequired     ErrorCode = "USER_ID_REQUIRED"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeConfigurationError ErrorCode = "CONFIGURATION_ERROR"
	CodeNetworkError       ErrorCode = "NETWORK_ERROR"
	CodeAPIError           ErrorCode = "API_ERROR"
	CodeUnexpectedError    ErrorCode = "UNEXPECTED_ERROR"
)

// ToolError is a structured tool failure.
type ToolError struct {
	Tool    string
	Code    ErrorCode
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Code, e.Message)
}

// Tool is an invocable capability bound to the current turn.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() string

	// Description tells the LLM when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Domain failures come back as an error
	// result; a Go error means the tool itself broke.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the output of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// errorResult wraps a ToolError into an LLM-visible result.
func errorResult(tool string, code ErrorCode, format string, args ...any) *ToolResult {
	err := &ToolError{Tool: tool, Code: code, Message: fmt.Sprintf(format, args...)}
	return &ToolResult{Content: err.Error(), IsError: true}
}

// validNameRe constrains tool names to what providers accept as
// function names.
var validNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidName reports whether name is usable for function calling.
func ValidName(name string) bool {
	return name != "" && validNameRe.MatchString(name)
}

// Invocation is the per-turn context tools are bound to.
type Invocation struct {
	UserID        int64
	AssistantID   int64
	CorrelationID string
	// Timezone is the user's preferred IANA timezone, may be empty.
	Timezone string
}
