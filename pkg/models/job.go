package models

import "time"

// JobStatus tracks scheduled work through its lifecycle.
type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobExecution is an append-only observability record of one scheduled
// job run. The state store garbage-collects old rows by age.
type JobExecution struct {
	ID          int64      `json:"id"`
	JobID       string     `json:"job_id"`
	JobType     string     `json:"job_type"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Status      JobStatus  `json:"status"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// BatchJob tracks one memory-extraction batch submitted to an LLM
// provider's batch API. Unfinished rows are resumed on restart by
// polling the provider.
type BatchJob struct {
	ID              int64      `json:"id"`
	ProviderBatchID string     `json:"provider_batch_id"`
	Status          JobStatus  `json:"status"`
	Conversations   int        `json:"conversations"`
	FactsExtracted  int        `json:"facts_extracted"`
	FactsPersisted  int        `json:"facts_persisted"`
	Error           string     `json:"error,omitempty"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// QueueLog is a best-effort observability record of a stream message
// read from or written to the broker.
type QueueLog struct {
	Stream        string    `json:"stream"`
	MessageID     string    `json:"message_id"`
	Direction     string    `json:"direction"` // push | pop
	CorrelationID string    `json:"correlation_id,omitempty"`
	UserID        *int64    `json:"user_id,omitempty"`
	LoggedAt      time.Time `json:"logged_at"`
}
