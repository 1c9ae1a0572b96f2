package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/marloweai/marlowe/pkg/models"
)

var testInv = Invocation{UserID: 7, AssistantID: 3, CorrelationID: "corr-1", Timezone: "UTC"}

func testClock() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

// fakeReminderStore implements ReminderStore in memory.
type fakeReminderStore struct {
	mu        sync.Mutex
	nextID    int64
	reminders map[int64]*models.Reminder
	failWith  error
}

func newFakeReminderStore() *fakeReminderStore {
	return &fakeReminderStore{nextID: 1, reminders: make(map[int64]*models.Reminder)}
}

func (s *fakeReminderStore) CreateReminder(_ context.Context, create models.ReminderCreate) (*models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	r := &models.Reminder{
		ID:                 s.nextID,
		UserID:             create.UserID,
		AssistantID:        create.AssistantID,
		CreatedByAssistant: create.CreatedByAssistant,
		Type:               create.Type,
		TriggerAt:          create.TriggerAt,
		CronExpression:     create.CronExpression,
		Timezone:           create.Timezone,
		Payload:            create.Payload,
		Status:             models.ReminderActive,
	}
	s.reminders[r.ID] = r
	s.nextID++
	return r, nil
}

func (s *fakeReminderStore) ListUserReminders(_ context.Context, userID int64) ([]models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	var out []models.Reminder
	for _, r := range s.reminders {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeReminderStore) UpdateReminder(_ context.Context, id int64, update models.ReminderUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return errors.New("not found")
	}
	if update.Status != nil {
		r.Status = *update.Status
	}
	return nil
}

// fakeMemoryStore implements MemoryStore in memory.
type fakeMemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	memories []models.Memory
	results  []models.MemorySearchResult
	lastReq  models.MemorySearchRequest
}

func newFakeMemoryStore() *fakeMemoryStore { return &fakeMemoryStore{nextID: 1} }

func (s *fakeMemoryStore) CreateMemory(_ context.Context, memory models.Memory) (*models.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	memory.ID = s.nextID
	s.nextID++
	s.memories = append(s.memories, memory)
	return &memory, nil
}

func (s *fakeMemoryStore) SearchMemory(_ context.Context, req models.MemorySearchRequest) ([]models.MemorySearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReq = req
	return s.results, nil
}

// fakeSearcher returns canned search hits.
type fakeSearcher struct {
	results []SearchResult
	err     error
}

func (s *fakeSearcher) Search(_ context.Context, _ string, _ int) ([]SearchResult, error) {
	return s.results, s.err
}

// fakeDelegateRunner echoes the delegated message.
type fakeDelegateRunner struct {
	lastAssistant int64
	lastMessage   string
	reply         string
	err           error
}

func (r *fakeDelegateRunner) RunDelegate(_ context.Context, assistantID int64, _ Invocation, message string) (string, error) {
	r.lastAssistant = assistantID
	r.lastMessage = message
	if r.err != nil {
		return "", r.err
	}
	return r.reply, nil
}

// staticTool is a minimal Tool for registry tests.
type staticTool struct {
	name    string
	schema  string
	execute func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

func (t *staticTool) Name() string        { return t.name }
func (t *staticTool) Description() string { return "static test tool" }

func (t *staticTool) Schema() json.RawMessage {
	if t.schema == "" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(t.schema)
}

func (t *staticTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if t.execute != nil {
		return t.execute(ctx, params)
	}
	return &ToolResult{Content: "ok"}, nil
}
