package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marloweai/marlowe/internal/cache"
	"github.com/marloweai/marlowe/internal/providers"
	"github.com/marloweai/marlowe/internal/retry"
	"github.com/marloweai/marlowe/internal/statestore"
	"github.com/marloweai/marlowe/internal/tools"
	"github.com/marloweai/marlowe/pkg/models"
)

// fakeStateStore is an in-memory state-store API for engine tests.
type fakeStateStore struct {
	mu       sync.Mutex
	nextID   int64
	settings map[string]any

	assistant models.Assistant
	toolDefs  []models.ToolDefinition
	history   []models.Message
	facts     []models.UserFact
	memories  []models.MemorySearchResult

	created     []models.Message
	summaries   []models.Summary
	updates     map[int64]models.MessageUpdate
	checkpoints map[string]json.RawMessage

	srv *httptest.Server
}

func newFakeStateStore(t *testing.T) *fakeStateStore {
	t.Helper()
	f := &fakeStateStore{
		nextID:   100,
		settings: map[string]any{},
		assistant: models.Assistant{
			ID:           3,
			Name:         "marlowe",
			Model:        "claude-sonnet-4-20250514",
			Instructions: "You are a helpful secretary.",
			Active:       true,
		},
		updates:     make(map[int64]models.MessageUpdate),
		checkpoints: make(map[string]json.RawMessage),
	}

	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/assistants/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, f.assistant)
	})
	mux.HandleFunc("GET /api/assistants/{id}/tools", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, append([]models.ToolDefinition{}, f.toolDefs...))
	})
	mux.HandleFunc("GET /api/global-settings", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, f.settings)
	})
	mux.HandleFunc("GET /api/user-summaries/latest", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.summaries) == 0 {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, f.summaries[len(f.summaries)-1])
	})
	mux.HandleFunc("GET /api/messages", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f.mu.Lock()
		defer f.mu.Unlock()
		msgs := append([]models.Message{}, f.history...)
		if v := q.Get("id_gt"); v != "" {
			floor, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			kept := msgs[:0]
			for _, m := range msgs {
				if m.ID > floor {
					kept = append(kept, m)
				}
			}
			msgs = kept
		}
		if q.Get("sort_order") == "desc" {
			// history is seeded ascending by id.
			for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
				msgs[i], msgs[j] = msgs[j], msgs[i]
			}
		}
		if v := q.Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if limit > 0 && len(msgs) > limit {
				msgs = msgs[:limit]
			}
		}
		writeJSON(w, msgs)
	})
	mux.HandleFunc("GET /api/users/{id}/facts", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, append([]models.UserFact{}, f.facts...))
	})
	mux.HandleFunc("POST /api/memory/search", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, append([]models.MemorySearchResult{}, f.memories...))
	})
	mux.HandleFunc("POST /api/messages", func(w http.ResponseWriter, r *http.Request) {
		var create models.MessageCreate
		if err := json.NewDecoder(r.Body).Decode(&create); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.nextID++
		msg := models.Message{
			ID:          f.nextID,
			UserID:      create.UserID,
			AssistantID: create.AssistantID,
			Role:        create.Role,
			Content:     create.Content,
			ToolCalls:   create.ToolCalls,
			ToolCallID:  create.ToolCallID,
			Status:      create.Status,
		}
		f.created = append(f.created, msg)
		writeJSON(w, msg)
	})
	mux.HandleFunc("PATCH /api/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		var update models.MessageUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.updates[id] = update
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/user-summaries", func(w http.ResponseWriter, r *http.Request) {
		var summary models.Summary
		if err := json.NewDecoder(r.Body).Decode(&summary); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.nextID++
		summary.ID = f.nextID
		f.summaries = append(f.summaries, summary)
		writeJSON(w, summary)
	})
	mux.HandleFunc("PUT /api/checkpoints/{thread}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ThreadID string          `json:"thread_id"`
			State    json.RawMessage `json:"state"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.checkpoints[body.ThreadID] = body.State
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/checkpoints/{thread}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		state, ok := f.checkpoints[r.PathValue("thread")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{"state": state})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeStateStore) createdByRole(role models.Role) []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.created {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

func newTestEngine(t *testing.T, f *fakeStateStore, provider providers.ChatProvider) (*Engine, *statestore.Client) {
	t.Helper()
	api := statestore.New(f.srv.URL, 5*time.Second,
		statestore.WithLogger(testLogger()),
		statestore.WithRetry(retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond}),
	)
	store := cache.NewStore(api, cache.New(time.Minute))
	factory := tools.NewFactory(api, tools.WithFactoryLogger(testLogger()))
	engine := NewEngine(store, provider, factory,
		WithLogger(testLogger()),
		WithCheckpointer(NewStoreCheckpointer(api)),
	)
	return engine, api
}

func TestEngine_TextOnlyTurn(t *testing.T) {
	f := newFakeStateStore(t)
	f.facts = []models.UserFact{{ID: 1, UserID: 7, Text: "prefers short answers"}}
	provider := providers.NewScriptedProvider(providers.ScriptStep{
		Response: &providers.ChatResponse{Text: "Hello there.", StopReason: "end_turn"},
	})
	engine, _ := newTestEngine(t, f, provider)

	state := NewState(7, 3, "corr-1", "hi", 42)
	final, err := engine.Run(context.Background(), state)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != "Hello there." {
		t.Fatalf("final = %q", final)
	}

	req := provider.Requests[0]
	if req.System != "You are a helpful secretary." {
		t.Fatalf("system prompt = %q", req.System)
	}
	foundFacts := false
	for _, m := range req.Messages {
		if m.Role == providers.ChatRoleSystem && strings.Contains(m.Content, "prefers short answers") {
			foundFacts = true
		}
	}
	if !foundFacts {
		t.Fatal("user facts not rendered into the request")
	}

	replies := f.createdByRole(models.RoleAssistant)
	if len(replies) != 1 || replies[0].Content != "Hello there." {
		t.Fatalf("persisted assistant turns = %+v", replies)
	}
	if replies[0].Status != models.MessageStatusProcessed {
		t.Fatalf("assistant status = %s", replies[0].Status)
	}

	update, ok := f.updates[42]
	if !ok || update.Status == nil || *update.Status != models.MessageStatusProcessed {
		t.Fatalf("incoming message not finalized: %+v", update)
	}

	// drive checkpoints after every node; the last one is terminal.
	cp, err := NewStoreCheckpointer(statestore.New(f.srv.URL, time.Second)).Load(context.Background(), state.ThreadID())
	if err != nil {
		t.Fatalf("Load checkpoint: %v", err)
	}
	if cp == nil || cp.Node != nodeEnd {
		t.Fatalf("checkpoint node = %+v, want end", cp)
	}
}

func TestEngine_ToolRound(t *testing.T) {
	f := newFakeStateStore(t)
	f.toolDefs = []models.ToolDefinition{{
		ID:          1,
		Name:        "current_time",
		Kind:        models.ToolKindTime,
		Description: "Get the current date and time",
		Active:      true,
	}}
	provider := providers.NewScriptedProvider(
		providers.ScriptStep{Response: &providers.ChatResponse{
			StopReason: "tool_use",
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "current_time", Input: json.RawMessage(`{}`)},
			},
		}},
		providers.ScriptStep{Response: &providers.ChatResponse{
			Text: "It is just past noon.", StopReason: "end_turn",
		}},
	)
	engine, _ := newTestEngine(t, f, provider)

	final, err := engine.Run(context.Background(), NewState(7, 3, "corr-2", "what time is it?", 42))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != "It is just past noon." {
		t.Fatalf("final = %q", final)
	}
	if provider.Calls() != 2 {
		t.Fatalf("provider calls = %d, want 2", provider.Calls())
	}

	// First call carries the tool binding, second carries the result.
	if len(provider.Requests[0].Tools) != 1 || provider.Requests[0].Tools[0].Name != "current_time" {
		t.Fatalf("tools in first request = %+v", provider.Requests[0].Tools)
	}
	sawResult := false
	for _, m := range provider.Requests[1].Messages {
		if m.Role == providers.ChatRoleTool && m.ToolCallID == "call_1" {
			sawResult = true
		}
	}
	if !sawResult {
		t.Fatal("tool result missing from the follow-up request")
	}

	responses := f.createdByRole(models.RoleToolResponse)
	if len(responses) != 1 || responses[0].ToolCallID != "call_1" {
		t.Fatalf("persisted tool responses = %+v", responses)
	}
}

func TestEngine_SummarizesLongHistory(t *testing.T) {
	f := newFakeStateStore(t)
	f.settings["messages_before_summary"] = 1
	f.history = []models.Message{
		{ID: 11, UserID: 7, AssistantID: 3, Role: models.RoleHuman, Content: "first", Status: models.MessageStatusProcessed},
		{ID: 12, UserID: 7, AssistantID: 3, Role: models.RoleAssistant, Content: "reply one", Status: models.MessageStatusProcessed},
		{ID: 13, UserID: 7, AssistantID: 3, Role: models.RoleHuman, Content: "second", Status: models.MessageStatusProcessed},
		{ID: 14, UserID: 7, AssistantID: 3, Role: models.RoleAssistant, Content: "reply two", Status: models.MessageStatusProcessed},
	}
	provider := providers.NewScriptedProvider(
		providers.ScriptStep{Response: &providers.ChatResponse{Text: "They talked about things."}},
		providers.ScriptStep{Response: &providers.ChatResponse{Text: "Got it.", StopReason: "end_turn"}},
	)
	engine, _ := newTestEngine(t, f, provider)

	final, err := engine.Run(context.Background(), NewState(7, 3, "corr-3", "and now?", 42))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != "Got it." {
		t.Fatalf("final = %q", final)
	}

	if !strings.Contains(provider.Requests[0].System, "Summarize") {
		t.Fatalf("first call should be the summarizer, system = %q", provider.Requests[0].System)
	}

	f.mu.Lock()
	summaries := append([]models.Summary{}, f.summaries...)
	updates := make(map[int64]models.MessageUpdate, len(f.updates))
	for k, v := range f.updates {
		updates[k] = v
	}
	f.mu.Unlock()

	if len(summaries) != 1 {
		t.Fatalf("summaries = %+v, want 1", summaries)
	}
	if summaries[0].Text != "They talked about things." {
		t.Fatalf("summary text = %q", summaries[0].Text)
	}
	if summaries[0].LastMessageID < 11 {
		t.Fatalf("summary covers nothing: last id %d", summaries[0].LastMessageID)
	}

	linked := 0
	for id, u := range updates {
		if id == 42 {
			continue
		}
		if u.Status != nil && *u.Status == models.MessageStatusSummarized {
			if u.SummaryID == nil || *u.SummaryID != summaries[0].ID {
				t.Fatalf("summarized row %d not linked to summary: %+v", id, u)
			}
			linked++
		}
	}
	if linked == 0 {
		t.Fatal("no rows marked summarized")
	}

	// The summary must travel on the follow-up model call.
	sawSummary := false
	for _, m := range provider.Requests[1].Messages {
		if m.Role == providers.ChatRoleSystem && strings.Contains(m.Content, "They talked about things.") {
			sawSummary = true
		}
	}
	if !sawSummary {
		t.Fatal("summary missing from the assistant request")
	}
}

func TestEngine_RunDelegate(t *testing.T) {
	f := newFakeStateStore(t)
	provider := providers.NewScriptedProvider(providers.ScriptStep{
		Response: &providers.ChatResponse{Text: "Delegated answer.", StopReason: "end_turn"},
	})
	engine, _ := newTestEngine(t, f, provider)

	inv := tools.Invocation{UserID: 7, AssistantID: 3, CorrelationID: "corr-4"}
	got, err := engine.RunDelegate(context.Background(), 9, inv, "look this up")
	if err != nil {
		t.Fatalf("RunDelegate: %v", err)
	}
	if got != "Delegated answer." {
		t.Fatalf("got %q", got)
	}

	humans := f.createdByRole(models.RoleHuman)
	if len(humans) != 1 || humans[0].AssistantID != 9 {
		t.Fatalf("delegated turn not persisted for the delegate: %+v", humans)
	}
	if humans[0].Status != models.MessageStatusPending {
		t.Fatalf("delegated turn status = %s, want pending", humans[0].Status)
	}
}

func TestEngine_NoSummaryLoadsNewestWindow(t *testing.T) {
	f := newFakeStateStore(t)
	f.settings["history_limit"] = 2
	f.history = []models.Message{
		{ID: 11, UserID: 7, AssistantID: 3, Role: models.RoleHuman, Content: "first", Status: models.MessageStatusProcessed},
		{ID: 12, UserID: 7, AssistantID: 3, Role: models.RoleAssistant, Content: "reply one", Status: models.MessageStatusProcessed},
		{ID: 13, UserID: 7, AssistantID: 3, Role: models.RoleHuman, Content: "second", Status: models.MessageStatusProcessed},
		{ID: 14, UserID: 7, AssistantID: 3, Role: models.RoleAssistant, Content: "reply two", Status: models.MessageStatusProcessed},
	}
	provider := providers.NewScriptedProvider(providers.ScriptStep{
		Response: &providers.ChatResponse{Text: "Noted.", StopReason: "end_turn"},
	})
	engine, _ := newTestEngine(t, f, provider)

	if _, err := engine.Run(context.Background(), NewState(7, 3, "corr-7", "and now?", 42)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The limited window must hold the newest rows, oldest first.
	var contents []string
	for _, m := range provider.Requests[0].Messages {
		if m.Role == providers.ChatRoleUser || m.Role == providers.ChatRoleAssistant {
			contents = append(contents, m.Content)
		}
	}
	for _, c := range contents {
		if c == "first" || c == "reply one" {
			t.Fatalf("oldest rows loaded instead of the newest window: %v", contents)
		}
	}
	want := []string{"second", "reply two", "and now?"}
	if len(contents) != len(want) {
		t.Fatalf("window = %v, want %v", contents, want)
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Fatalf("window = %v, want %v", contents, want)
		}
	}
}

func TestEngine_ResumesInterruptedTurn(t *testing.T) {
	f := newFakeStateStore(t)
	provider := providers.NewScriptedProvider()
	engine, api := newTestEngine(t, f, provider)

	// A turn that stopped right before finalize: the reply exists, the
	// incoming message was never flipped.
	saved := NewState(7, 3, "corr-8", "hi", 42)
	saved.Node = nodeFinalize
	saved.FinalText = "Resumed answer."
	if err := NewStoreCheckpointer(api).Save(context.Background(), saved.ThreadID(), saved); err != nil {
		t.Fatalf("Save checkpoint: %v", err)
	}

	final, err := engine.Run(context.Background(), NewState(7, 3, "corr-9", "hi", 42))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != "Resumed answer." {
		t.Fatalf("final = %q, want the checkpointed reply", final)
	}
	if provider.Calls() != 0 {
		t.Fatalf("provider calls = %d, resumed turn must not re-invoke the model", provider.Calls())
	}

	update, ok := f.updates[42]
	if !ok || update.Status == nil || *update.Status != models.MessageStatusProcessed {
		t.Fatalf("incoming message not finalized on resume: %+v", update)
	}
}

func TestEngine_IgnoresCheckpointOfOtherTurn(t *testing.T) {
	f := newFakeStateStore(t)
	provider := providers.NewScriptedProvider(providers.ScriptStep{
		Response: &providers.ChatResponse{Text: "Fresh answer.", StopReason: "end_turn"},
	})
	engine, api := newTestEngine(t, f, provider)

	stale := NewState(7, 3, "corr-10", "old turn", 41)
	stale.Node = nodeFinalize
	stale.FinalText = "Stale answer."
	if err := NewStoreCheckpointer(api).Save(context.Background(), stale.ThreadID(), stale); err != nil {
		t.Fatalf("Save checkpoint: %v", err)
	}

	final, err := engine.Run(context.Background(), NewState(7, 3, "corr-11", "new turn", 42))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != "Fresh answer." {
		t.Fatalf("final = %q, stale checkpoint must not hijack a new turn", final)
	}
	if provider.Calls() != 1 {
		t.Fatalf("provider calls = %d, want 1", provider.Calls())
	}
}

func TestEngine_RunDelegateRejectsSelf(t *testing.T) {
	f := newFakeStateStore(t)
	provider := providers.NewScriptedProvider()
	engine, _ := newTestEngine(t, f, provider)

	inv := tools.Invocation{UserID: 7, AssistantID: 3, CorrelationID: "corr-12"}
	if _, err := engine.RunDelegate(context.Background(), 3, inv, "ask yourself"); err == nil {
		t.Fatal("delegating to the owning assistant must fail, not deadlock")
	}
	if humans := f.createdByRole(models.RoleHuman); len(humans) != 0 {
		t.Fatalf("no message should be persisted for a rejected delegation: %+v", humans)
	}
}

func TestEngine_WrapsNodeErrors(t *testing.T) {
	f := newFakeStateStore(t)
	provider := providers.NewScriptedProvider(providers.ScriptStep{
		Err: providers.ErrProviderUnavailable,
	})
	engine, _ := newTestEngine(t, f, provider)

	_, err := engine.Run(context.Background(), NewState(7, 3, "corr-5", "hi", 42))
	if err == nil {
		t.Fatal("expected error")
	}
	var pe *ProcessingError
	if !errors.As(err, &pe) {
		t.Fatalf("error %T not a ProcessingError", err)
	}
	if pe.Node != string(nodeAssistant) {
		t.Fatalf("failing node = %s, want assistant", pe.Node)
	}
	if !errors.Is(err, providers.ErrProviderUnavailable) {
		t.Fatal("underlying cause not preserved")
	}
}
