package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/marloweai/marlowe/pkg/models"
)

// Users

// GetUser returns the user or nil when it does not exist.
func (c *Client) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	ok, err := c.get(ctx, fmt.Sprintf("/api/users/%d", id), &user)
	if err != nil || !ok {
		return nil, err
	}
	return &user, nil
}

// UpdateUser patches mutable user fields.
func (c *Client) UpdateUser(ctx context.Context, id int64, patch map[string]any) (*models.User, error) {
	var user models.User
	if err := c.mutate(ctx, http.MethodPatch, fmt.Sprintf("/api/users/%d", id), patch, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserSecretary returns the user's active secretary assignment, or
// nil when none is assigned.
func (c *Client) GetUserSecretary(ctx context.Context, userID int64) (*models.Assistant, error) {
	var assistant models.Assistant
	ok, err := c.get(ctx, fmt.Sprintf("/api/users/%d/secretary", userID), &assistant)
	if err != nil || !ok {
		return nil, err
	}
	return &assistant, nil
}

// SetUserSecretary assigns a secretary to a user.
func (c *Client) SetUserSecretary(ctx context.Context, userID, secretaryID int64) error {
	body := map[string]int64{"secretary_id": secretaryID}
	return c.mutate(ctx, http.MethodPost, fmt.Sprintf("/api/users/%d/secretary", userID), body, nil)
}

// GetUserFacts returns all facts recorded for a user.
func (c *Client) GetUserFacts(ctx context.Context, userID int64) ([]models.UserFact, error) {
	var facts []models.UserFact
	if _, err := c.get(ctx, fmt.Sprintf("/api/users/%d/facts", userID), &facts); err != nil {
		return nil, err
	}
	return facts, nil
}

// CreateUserFact appends a fact for a user.
func (c *Client) CreateUserFact(ctx context.Context, userID int64, text string) (*models.UserFact, error) {
	var fact models.UserFact
	body := map[string]string{"text": text}
	if err := c.mutate(ctx, http.MethodPost, fmt.Sprintf("/api/users/%d/facts", userID), body, &fact); err != nil {
		return nil, err
	}
	return &fact, nil
}

// DeleteFact removes a user fact.
func (c *Client) DeleteFact(ctx context.Context, factID int64) error {
	return c.mutate(ctx, http.MethodDelete, fmt.Sprintf("/api/facts/%d", factID), nil, nil)
}

// Assistants

// GetAssistant returns the assistant or nil when it does not exist.
func (c *Client) GetAssistant(ctx context.Context, id int64) (*models.Assistant, error) {
	var assistant models.Assistant
	ok, err := c.get(ctx, fmt.Sprintf("/api/assistants/%d", id), &assistant)
	if err != nil || !ok {
		return nil, err
	}
	return &assistant, nil
}

// ListAssistants returns all assistants.
func (c *Client) ListAssistants(ctx context.Context) ([]models.Assistant, error) {
	var assistants []models.Assistant
	if _, err := c.get(ctx, "/api/assistants/", &assistants); err != nil {
		return nil, err
	}
	return assistants, nil
}

// GetAssistantTools returns the tool definitions bound to an assistant.
func (c *Client) GetAssistantTools(ctx context.Context, assistantID int64) ([]models.ToolDefinition, error) {
	var tools []models.ToolDefinition
	if _, err := c.get(ctx, fmt.Sprintf("/api/assistants/%d/tools", assistantID), &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// Messages

// MessageQuery filters ListMessages. Zero fields are omitted.
type MessageQuery struct {
	UserID      int64
	AssistantID int64
	Status      models.MessageStatus
	IDGreater   int64
	Limit       int
	// Descending orders by id descending, so Limit takes the newest
	// rows instead of the oldest.
	Descending bool
}

// ListMessages returns messages matching q, ordered by id.
func (c *Client) ListMessages(ctx context.Context, q MessageQuery) ([]models.Message, error) {
	values := url.Values{}
	queryInt(values, "user_id", q.UserID)
	queryInt(values, "assistant_id", q.AssistantID)
	if q.Status != "" {
		values.Set("status", string(q.Status))
	}
	queryInt(values, "id_gt", q.IDGreater)
	values.Set("sort_by", "id")
	order := "asc"
	if q.Descending {
		order = "desc"
	}
	values.Set("sort_order", order)
	queryInt(values, "limit", int64(q.Limit))

	var messages []models.Message
	if _, err := c.get(ctx, "/api/messages?"+values.Encode(), &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// CreateMessage persists a new conversation turn.
func (c *Client) CreateMessage(ctx context.Context, create models.MessageCreate) (*models.Message, error) {
	var msg models.Message
	if err := c.mutate(ctx, http.MethodPost, "/api/messages", create, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateMessage patches a persisted message.
func (c *Client) UpdateMessage(ctx context.Context, id int64, update models.MessageUpdate) error {
	return c.mutate(ctx, http.MethodPatch, fmt.Sprintf("/api/messages/%d", id), update, nil)
}

// Summaries

// LatestSummary returns the newest summary for a (user, assistant)
// pair, or nil when the thread has never been summarized.
func (c *Client) LatestSummary(ctx context.Context, userID, assistantID int64) (*models.Summary, error) {
	var summary models.Summary
	path := fmt.Sprintf("/api/user-summaries/latest?user_id=%d&assistant_id=%d", userID, assistantID)
	ok, err := c.get(ctx, path, &summary)
	if err != nil || !ok {
		return nil, err
	}
	return &summary, nil
}

// CreateSummary appends a new summary; the state store keeps history
// rather than upserting.
func (c *Client) CreateSummary(ctx context.Context, summary models.Summary) (*models.Summary, error) {
	var created models.Summary
	if err := c.mutate(ctx, http.MethodPost, "/api/user-summaries", summary, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Memories

// SearchMemory runs a similarity search over a user's memories.
func (c *Client) SearchMemory(ctx context.Context, req models.MemorySearchRequest) ([]models.MemorySearchResult, error) {
	var results []models.MemorySearchResult
	if err := c.mutate(ctx, http.MethodPost, "/api/memory/search", req, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// CreateMemory persists a memory with its embedding.
func (c *Client) CreateMemory(ctx context.Context, memory models.Memory) (*models.Memory, error) {
	var created models.Memory
	if err := c.mutate(ctx, http.MethodPost, "/api/memory/", memory, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateMemory patches an existing memory.
func (c *Client) UpdateMemory(ctx context.Context, id int64, patch map[string]any) error {
	return c.mutate(ctx, http.MethodPatch, fmt.Sprintf("/api/memory/%d", id), patch, nil)
}

// DeleteMemory removes a memory.
func (c *Client) DeleteMemory(ctx context.Context, id int64) error {
	return c.mutate(ctx, http.MethodDelete, fmt.Sprintf("/api/memory/%d", id), nil, nil)
}

// ListMemories returns a user's memories ordered by importance then age.
func (c *Client) ListMemories(ctx context.Context, userID int64) ([]models.Memory, error) {
	var memories []models.Memory
	if _, err := c.get(ctx, fmt.Sprintf("/api/memory/?user_id=%d", userID), &memories); err != nil {
		return nil, err
	}
	return memories, nil
}

// Reminders

// ListScheduledReminders returns all reminders the scheduler should
// have on its wheel (status active).
func (c *Client) ListScheduledReminders(ctx context.Context) ([]models.Reminder, error) {
	var reminders []models.Reminder
	if _, err := c.get(ctx, "/api/reminders/scheduled", &reminders); err != nil {
		return nil, err
	}
	return reminders, nil
}

// ListUserReminders returns a user's reminders.
func (c *Client) ListUserReminders(ctx context.Context, userID int64) ([]models.Reminder, error) {
	var reminders []models.Reminder
	if _, err := c.get(ctx, fmt.Sprintf("/api/reminders/?user_id=%d", userID), &reminders); err != nil {
		return nil, err
	}
	return reminders, nil
}

// CreateReminder persists a new reminder.
func (c *Client) CreateReminder(ctx context.Context, create models.ReminderCreate) (*models.Reminder, error) {
	var reminder models.Reminder
	if err := c.mutate(ctx, http.MethodPost, "/api/reminders/", create, &reminder); err != nil {
		return nil, err
	}
	return &reminder, nil
}

// UpdateReminder patches a reminder.
func (c *Client) UpdateReminder(ctx context.Context, id int64, update models.ReminderUpdate) error {
	return c.mutate(ctx, http.MethodPatch, fmt.Sprintf("/api/reminders/%d", id), update, nil)
}

// DeleteReminder cancels and removes a reminder.
func (c *Client) DeleteReminder(ctx context.Context, id int64) error {
	return c.mutate(ctx, http.MethodDelete, fmt.Sprintf("/api/reminders/%d", id), nil, nil)
}

// Settings

// GetGlobalSettings returns platform-wide settings with defaults
// applied to unset fields.
func (c *Client) GetGlobalSettings(ctx context.Context) (models.GlobalSettings, error) {
	var settings models.GlobalSettings
	if _, err := c.get(ctx, "/api/global-settings", &settings); err != nil {
		return models.GlobalSettings{}, err
	}
	return settings.WithDefaults(), nil
}

// Memory extraction bookkeeping

// ExtractionCandidate is a conversation with enough fresh messages to
// be worth extracting memories from. WatermarkID is the last message
// already covered by a previous extraction run.
type ExtractionCandidate struct {
	UserID        int64 `json:"user_id"`
	AssistantID   int64 `json:"assistant_id"`
	MessageCount  int   `json:"message_count"`
	WatermarkID   int64 `json:"watermark_id"`
	LastMessageID int64 `json:"last_message_id"`
}

// ListExtractionCandidates returns conversations with at least
// minMessages persisted since their extraction watermark.
func (c *Client) ListExtractionCandidates(ctx context.Context, minMessages int) ([]ExtractionCandidate, error) {
	var candidates []ExtractionCandidate
	path := fmt.Sprintf("/api/memory/extraction-candidates?min_messages=%d", minMessages)
	if _, err := c.get(ctx, path, &candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

// SetExtractionWatermark advances a conversation's extraction
// watermark to lastMessageID.
func (c *Client) SetExtractionWatermark(ctx context.Context, userID, assistantID, lastMessageID int64) error {
	body := map[string]int64{
		"user_id":         userID,
		"assistant_id":    assistantID,
		"last_message_id": lastMessageID,
	}
	return c.mutate(ctx, http.MethodPut, "/api/memory/extraction-watermarks", body, nil)
}

// CreateBatchJob registers a submitted extraction batch.
func (c *Client) CreateBatchJob(ctx context.Context, job models.BatchJob) (*models.BatchJob, error) {
	var created models.BatchJob
	if err := c.mutate(ctx, http.MethodPost, "/api/batch-jobs", job, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateBatchJob patches a batch job row.
func (c *Client) UpdateBatchJob(ctx context.Context, id int64, patch map[string]any) error {
	return c.mutate(ctx, http.MethodPatch, fmt.Sprintf("/api/batch-jobs/%d", id), patch, nil)
}

// ListUnfinishedBatchJobs returns batch jobs that have not reached a
// terminal status, for resumption after a restart.
func (c *Client) ListUnfinishedBatchJobs(ctx context.Context) ([]models.BatchJob, error) {
	var jobs []models.BatchJob
	if _, err := c.get(ctx, "/api/batch-jobs/unfinished", &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Observability records

// CreateJobExecution registers a scheduled job run.
func (c *Client) CreateJobExecution(ctx context.Context, exec models.JobExecution) (*models.JobExecution, error) {
	var created models.JobExecution
	if err := c.mutate(ctx, http.MethodPost, "/api/job-executions", exec, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// StartJobExecution marks a job execution as running.
func (c *Client) StartJobExecution(ctx context.Context, id int64) error {
	return c.mutate(ctx, http.MethodPatch, fmt.Sprintf("/api/job-executions/%d/start", id), nil, nil)
}

// CompleteJobExecution marks a job execution as completed.
func (c *Client) CompleteJobExecution(ctx context.Context, id int64, result string) error {
	body := map[string]string{"result": result}
	return c.mutate(ctx, http.MethodPatch, fmt.Sprintf("/api/job-executions/%d/complete", id), body, nil)
}

// FailJobExecution marks a job execution as failed.
func (c *Client) FailJobExecution(ctx context.Context, id int64, errMsg string) error {
	body := map[string]string{"error": errMsg}
	return c.mutate(ctx, http.MethodPatch, fmt.Sprintf("/api/job-executions/%d/fail", id), body, nil)
}

// LogQueueMessage records a stream read/emit. Best-effort: failures are
// logged and swallowed so observability never blocks processing.
func (c *Client) LogQueueMessage(ctx context.Context, entry models.QueueLog) {
	if err := c.mutate(ctx, http.MethodPost, "/api/queue-stats/log", entry, nil); err != nil {
		c.logger.DebugContext(ctx, "queue log emission failed", "error", err)
	}
}

// Checkpoints

// SaveCheckpoint upserts a serialized graph state for a thread.
func (c *Client) SaveCheckpoint(ctx context.Context, threadID string, state json.RawMessage) error {
	body := map[string]any{"thread_id": threadID, "state": state}
	return c.mutate(ctx, http.MethodPut, "/api/checkpoints/"+url.PathEscape(threadID), body, nil)
}

// LoadCheckpoint returns the serialized graph state for a thread, or
// nil when none exists.
func (c *Client) LoadCheckpoint(ctx context.Context, threadID string) (json.RawMessage, error) {
	var row struct {
		State json.RawMessage `json:"state"`
	}
	found, err := c.get(ctx, "/api/checkpoints/"+url.PathEscape(threadID), &row)
	if err != nil || !found {
		return nil, err
	}
	return row.State, nil
}
