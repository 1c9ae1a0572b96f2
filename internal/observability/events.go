package observability

// EventType identifies a significant state transition in the core.
// The set is closed; log consumers alert on unknown values.
type EventType string

const (
	EventRequestIn     EventType = "request_in"
	EventRequestOut    EventType = "request_out"
	EventJobStart      EventType = "job_start"
	EventJobEnd        EventType = "job_end"
	EventJobError      EventType = "job_error"
	EventQueuePush     EventType = "queue_push"
	EventQueuePop      EventType = "queue_pop"
	EventQueueDeadLet  EventType = "queue_dead_letter"
	EventToolCall      EventType = "tool_call"
	EventToolResult    EventType = "tool_result"
	EventLLMCall       EventType = "llm_call"
	EventLLMResponse   EventType = "llm_response"
	EventMemorySearch  EventType = "memory_search"
	EventMemorySaved   EventType = "memory_saved"
	EventMemorySkipped EventType = "memory_skipped"
	EventMessageSaved  EventType = "message_saved"
	EventMessageFinal  EventType = "message_finalized"
	EventSummaryMade   EventType = "summary_created"
	EventError         EventType = "error"
)

// Key is the slog attribute key used for event types, so every emission
// shares one queryable field name.
const Key = "event_type"
