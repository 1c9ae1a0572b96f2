package models

import (
	"encoding/json"
	"time"
)

// ToolKind identifies the behavior backing a tool definition. The set is
// closed: the factory refuses kinds it does not know.
type ToolKind string

const (
	ToolKindTime           ToolKind = "time"
	ToolKindCalendarCreate ToolKind = "calendar-create"
	ToolKindCalendarList   ToolKind = "calendar-list"
	ToolKindReminderCreate ToolKind = "reminder-create"
	ToolKindReminderList   ToolKind = "reminder-list"
	ToolKindReminderDelete ToolKind = "reminder-delete"
	ToolKindMemorySave     ToolKind = "memory-save"
	ToolKindMemorySearch   ToolKind = "memory-search"
	ToolKindWebSearch      ToolKind = "web-search"
	ToolKindSubAssistant   ToolKind = "sub-assistant"
)

// Valid reports whether k is a known tool kind.
func (k ToolKind) Valid() bool {
	switch k {
	case ToolKindTime, ToolKindCalendarCreate, ToolKindCalendarList,
		ToolKindReminderCreate, ToolKindReminderList, ToolKindReminderDelete,
		ToolKindMemorySave, ToolKindMemorySearch, ToolKindWebSearch,
		ToolKindSubAssistant:
		return true
	}
	return false
}

// ToolDefinition is the declarative descriptor a tool instance is built
// from. InputSchema is stored as JSON Schema text and validated at the
// execution boundary, not at load time.
type ToolDefinition struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Kind        ToolKind        `json:"kind"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// DelegateAssistantID is set only for sub-assistant tools and names
	// the assistant that handles delegated turns.
	DelegateAssistantID *int64 `json:"delegate_assistant_id,omitempty"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolCall is an LLM request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}
