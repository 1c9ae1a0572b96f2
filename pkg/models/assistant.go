package models

import "time"

// Assistant is a configured conversational agent. A secretary is the
// user-facing assistant; sub-assistants are reachable only through
// delegation tools.
type Assistant struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	IsSecretary  bool      `json:"is_secretary"`
	Model        string    `json:"model"`
	Instructions string    `json:"instructions"`
	ToolIDs      []int64   `json:"tool_ids,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// GlobalSettings holds platform-wide tunables served by the state store.
// Zero values fall back to the defaults below.
type GlobalSettings struct {
	HistoryLimit             int     `json:"history_limit"`
	ContextWindowSize        int     `json:"context_window_size"`
	SummarizeRatio           float64 `json:"summarize_ratio"`
	MessagesBeforeSummary    int     `json:"messages_before_summary"`
	MemoryRetrieveLimit      int     `json:"memory_retrieve_limit"`
	MemoryRetrieveThreshold  float64 `json:"memory_retrieve_threshold"`
	MemoryExtractionEnabled  bool    `json:"memory_extraction_enabled"`
	MemoryExtractionInterval int     `json:"memory_extraction_interval_hours"`
	MemoryExtractionMinMsgs  int     `json:"memory_extraction_min_messages"`
	MemoryDedupThreshold     float64 `json:"memory_dedup_threshold"`
	MemoryUpdateThreshold    float64 `json:"memory_update_threshold"`
	MemoryPerUserCap         int     `json:"memory_per_user_cap"`
}

// Defaults used when the corresponding setting is unset.
const (
	DefaultHistoryLimit            = 50
	DefaultContextWindowSize       = 8192
	DefaultSummarizeRatio          = 0.7
	DefaultMessagesBeforeSummary   = 30
	DefaultMemoryRetrieveLimit     = 5
	DefaultMemoryRetrieveThreshold = 0.6
	DefaultMemoryDedupThreshold    = 0.92
	DefaultMemoryUpdateThreshold   = 0.85
	DefaultMemoryPerUserCap        = 1000
)

// WithDefaults returns a copy with zero-valued fields replaced by defaults.
func (s GlobalSettings) WithDefaults() GlobalSettings {
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = DefaultHistoryLimit
	}
	if s.ContextWindowSize <= 0 {
		s.ContextWindowSize = DefaultContextWindowSize
	}
	if s.SummarizeRatio <= 0 || s.SummarizeRatio > 1 {
		s.SummarizeRatio = DefaultSummarizeRatio
	}
	if s.MessagesBeforeSummary <= 0 {
		s.MessagesBeforeSummary = DefaultMessagesBeforeSummary
	}
	if s.MemoryRetrieveLimit <= 0 {
		s.MemoryRetrieveLimit = DefaultMemoryRetrieveLimit
	}
	if s.MemoryRetrieveThreshold <= 0 {
		s.MemoryRetrieveThreshold = DefaultMemoryRetrieveThreshold
	}
	if s.MemoryDedupThreshold <= 0 {
		s.MemoryDedupThreshold = DefaultMemoryDedupThreshold
	}
	if s.MemoryUpdateThreshold <= 0 {
		s.MemoryUpdateThreshold = DefaultMemoryUpdateThreshold
	}
	if s.MemoryPerUserCap <= 0 {
		s.MemoryPerUserCap = DefaultMemoryPerUserCap
	}
	return s
}
