package models

import "time"

// MemoryType classifies a persisted memory.
type MemoryType string

const (
	MemoryTypeUserFact            MemoryType = "user_fact"
	MemoryTypePreference          MemoryType = "preference"
	MemoryTypeEvent               MemoryType = "event"
	MemoryTypeConversationInsight MemoryType = "conversation_insight"
)

// Valid reports whether t is a known memory type.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryTypeUserFact, MemoryTypePreference, MemoryTypeEvent,
		MemoryTypeConversationInsight:
		return true
	}
	return false
}

// Memory is an embedding-indexed fact about a user, retrieved by
// similarity at turn time. The embedding is provider-generated and
// opaque to the core.
type Memory struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	AssistantID *int64     `json:"assistant_id,omitempty"` // nil = shared across assistants
	Text        string     `json:"text"`
	Type        MemoryType `json:"memory_type"`
	Importance  int        `json:"importance"` // 1..10
	Embedding   []float32  `json:"embedding,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// MemorySearchRequest is the POST body for similarity search.
// Either Query or Embedding must be set.
type MemorySearchRequest struct {
	Query     string    `json:"query,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	UserID    int64     `json:"user_id"`
	Limit     int       `json:"limit,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
}

// MemorySearchResult pairs a memory with its similarity score.
type MemorySearchResult struct {
	Memory     Memory  `json:"memory"`
	Similarity float64 `json:"similarity"`
}
