package models

import "time"

// Role indicates the author of a persisted conversation turn.
type Role string

const (
	RoleHuman        Role = "human"
	RoleAssistant    Role = "assistant"
	RoleToolRequest  Role = "tool_request"
	RoleToolResponse Role = "tool_response"
)

// MessageStatus tracks the processing lifecycle of a persisted message.
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessed  MessageStatus = "processed"
	MessageStatusSummarized MessageStatus = "summarized"
	MessageStatusError      MessageStatus = "error"
)

// Message is a persisted conversation turn. IDs are assigned monotonically
// by the state store; history loads rely on that ordering.
//
// Invariant: a tool_response message always follows an assistant message
// whose ToolCalls contain the matching ToolCallID within the same
// (user, assistant) stream.
type Message struct {
	ID          int64         `json:"id"`
	UserID      int64         `json:"user_id"`
	AssistantID int64         `json:"assistant_id"`
	Role        Role          `json:"role"`
	Content     string        `json:"content"`
	ToolCalls   []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID  string        `json:"tool_call_id,omitempty"`
	Status      MessageStatus `json:"status"`
	SummaryID   *int64        `json:"summary_id,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// MessageCreate is the POST body for persisting a new message.
type MessageCreate struct {
	UserID      int64         `json:"user_id"`
	AssistantID int64         `json:"assistant_id"`
	Role        Role          `json:"role"`
	Content     string        `json:"content"`
	ToolCalls   []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID  string        `json:"tool_call_id,omitempty"`
	Status      MessageStatus `json:"status"`
}

// MessageUpdate is the PATCH body for message mutations. Nil fields are
// left untouched by the state store.
type MessageUpdate struct {
	Status    *MessageStatus `json:"status,omitempty"`
	SummaryID *int64         `json:"summary_id,omitempty"`
}

// Summary is a compressed representation of a conversation prefix.
//
// Invariant: summaries for a given (user, assistant) pair are strictly
// ordered by LastMessageID; each new summary covers more history than
// the one before it.
type Summary struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	AssistantID   int64     `json:"assistant_id"`
	Text          string    `json:"summary_text"`
	LastMessageID int64     `json:"last_message_id_covered"`
	CreatedAt     time.Time `json:"created_at"`
}
