package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marloweai/marlowe/internal/cache"
	"github.com/marloweai/marlowe/internal/graph"
	"github.com/marloweai/marlowe/internal/observability"
	"github.com/marloweai/marlowe/internal/providers"
	"github.com/marloweai/marlowe/internal/retry"
	"github.com/marloweai/marlowe/internal/statestore"
	"github.com/marloweai/marlowe/internal/stream"
	"github.com/marloweai/marlowe/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type dlqRecord struct {
	OriginalID   string
	ErrorType    string
	ErrorMessage string
	RetryCount   int
	UserID       *int64
}

type fakeInbound struct {
	mu   sync.Mutex
	acks []string
	dlq  []dlqRecord

	ackErr error
	dlqErr error
}

func (f *fakeInbound) Ack(_ context.Context, id string) error {
	if f.ackErr != nil {
		return f.ackErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, id)
	return nil
}

func (f *fakeInbound) SendToDLQ(_ context.Context, originalID string, _ []byte, errorType, errorMessage string, retryCount int, userID *int64) error {
	if f.dlqErr != nil {
		return f.dlqErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dlq = append(f.dlq, dlqRecord{
		OriginalID:   originalID,
		ErrorType:    errorType,
		ErrorMessage: errorMessage,
		RetryCount:   retryCount,
		UserID:       userID,
	})
	return nil
}

type fakeOutbound struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (f *fakeOutbound) Add(_ context.Context, payload []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return "out-1", nil
}

func (f *fakeOutbound) responses(t *testing.T) []models.AssistantResponse {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.AssistantResponse, 0, len(f.payloads))
	for _, p := range f.payloads {
		var resp models.AssistantResponse
		if err := json.Unmarshal(p, &resp); err != nil {
			t.Fatalf("bad outbound payload %s: %v", p, err)
		}
		out = append(out, resp)
	}
	return out
}

type fakeRetries struct {
	mu      sync.Mutex
	counts  map[string]int
	cleared []string
	incrErr error
}

func (f *fakeRetries) Incr(_ context.Context, id string) (int, error) {
	if f.incrErr != nil {
		return 0, f.incrErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[id]++
	return f.counts[id], nil
}

func (f *fakeRetries) Clear(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, id)
	delete(f.counts, id)
	return nil
}

type fakeRunner struct {
	mu     sync.Mutex
	states []*graph.State
	final  string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, state *graph.State) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return f.final, f.err
}

// fixture wires a worker against fakes plus an httptest state store
// serving the secretary lookup and message persistence.
type fixture struct {
	w       *worker
	in      *fakeInbound
	out     *fakeOutbound
	retries *fakeRetries
	runner  *fakeRunner

	mu           sync.Mutex
	secretary    *models.Assistant
	createdRoles []models.Role
	patched      map[int64]models.MessageStatus
}

func (f *fixture) patchedStatus(id int64) models.MessageStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patched[id]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		in:      &fakeInbound{},
		out:     &fakeOutbound{},
		retries: &fakeRetries{},
		runner:  &fakeRunner{final: "All done."},
		secretary: &models.Assistant{
			ID: 3, Name: "marlowe", IsSecretary: true, Active: true,
		},
		patched: make(map[int64]models.MessageStatus),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users/{id}/secretary", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.secretary == nil {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(f.secretary)
	})
	mux.HandleFunc("POST /api/messages", func(w http.ResponseWriter, r *http.Request) {
		var create models.MessageCreate
		if err := json.NewDecoder(r.Body).Decode(&create); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.createdRoles = append(f.createdRoles, create.Role)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(models.Message{
			ID: 500, UserID: create.UserID, AssistantID: create.AssistantID,
			Role: create.Role, Content: create.Content, Status: create.Status,
		})
	})
	mux.HandleFunc("PATCH /api/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var update models.MessageUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if update.Status != nil {
			f.mu.Lock()
			f.patched[id] = *update.Status
			f.mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/queue-stats/log", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	api := statestore.New(srv.URL, 5*time.Second,
		statestore.WithLogger(testLogger()),
		statestore.WithRetry(retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond}),
	)
	f.w = &worker{
		in:        f.in,
		out:       f.out,
		retries:   f.retries,
		store:     cache.NewStore(api, cache.New(time.Minute)),
		api:       api,
		engine:    f.runner,
		logger:    testLogger(),
		metrics:   observability.NewMetrics(prometheus.NewRegistry()),
		stream:    "stream_in",
		outStream: "stream_out",
	}
	return f
}

func userMessageEntry(t *testing.T, userID int64, content string) stream.Entry {
	t.Helper()
	payload, err := json.Marshal(models.UserMessage{
		Kind:      models.EventUserMessage,
		UserID:    userID,
		Content:   content,
		Metadata:  models.MessageMetadata{Source: "telegram"},
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return stream.Entry{ID: "1-0", Payload: payload}
}

func reminderEntry(t *testing.T, userID int64) stream.Entry {
	t.Helper()
	details, _ := json.Marshal(map[string]string{"message": "take your medicine"})
	inner, _ := json.Marshal(models.ReminderTriggerPayload{
		ReminderID: 5, Type: models.ReminderOneShot, UserID: userID, AssistantID: 3,
		Details: details,
	})
	payload, err := json.Marshal(models.Trigger{
		Kind:        models.EventTrigger,
		TriggerType: models.TriggerReminder,
		UserID:      userID,
		Source:      "cron",
		Payload:     inner,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return stream.Entry{ID: "2-0", Payload: payload}
}

func TestWorker_SuccessfulTurn(t *testing.T) {
	f := newFixture(t)
	entry := userMessageEntry(t, 7, "hello")

	result, _, err := f.w.process(context.Background(), entry)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result != outcomeAcked {
		t.Fatalf("outcome = %v, want acked", result)
	}

	if len(f.runner.states) != 1 {
		t.Fatalf("runner calls = %d", len(f.runner.states))
	}
	state := f.runner.states[0]
	if state.UserID != 7 || state.AssistantID != 3 {
		t.Fatalf("state routing = user %d assistant %d", state.UserID, state.AssistantID)
	}
	if state.IncomingText != "hello" {
		t.Fatalf("incoming text = %q", state.IncomingText)
	}
	if state.IncomingMessageID != 500 {
		t.Fatalf("incoming message id = %d", state.IncomingMessageID)
	}

	responses := f.out.responses(t)
	if len(responses) != 1 {
		t.Fatalf("responses = %+v", responses)
	}
	if responses[0].Status != models.ResponseSuccess || responses[0].Response != "All done." {
		t.Fatalf("response = %+v", responses[0])
	}
	if responses[0].Source != "telegram" {
		t.Fatalf("source = %q", responses[0].Source)
	}

	if len(f.in.acks) != 1 || f.in.acks[0] != "1-0" {
		t.Fatalf("acks = %v", f.in.acks)
	}
	if len(f.retries.cleared) != 1 {
		t.Fatalf("retry clear calls = %v", f.retries.cleared)
	}
	if len(f.in.dlq) != 0 {
		t.Fatalf("unexpected DLQ traffic: %+v", f.in.dlq)
	}
}

func TestWorker_InvalidEnvelopeGoesStraightToDLQ(t *testing.T) {
	f := newFixture(t)
	entry := stream.Entry{ID: "9-0", Payload: []byte(`{"kind":"mystery"}`)}

	result, _, err := f.w.process(context.Background(), entry)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result != outcomeAcked {
		t.Fatalf("outcome = %v", result)
	}
	if len(f.runner.states) != 0 {
		t.Fatal("graph must not run for malformed envelopes")
	}
	if len(f.in.dlq) != 1 || f.in.dlq[0].ErrorType != string(ErrTypeInvalidEnvelope) {
		t.Fatalf("dlq = %+v", f.in.dlq)
	}
	if f.in.dlq[0].RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", f.in.dlq[0].RetryCount)
	}
	if len(f.in.acks) != 1 {
		t.Fatalf("acks = %v", f.in.acks)
	}
}

func TestWorker_NoSecretaryDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.secretary = nil
	entry := userMessageEntry(t, 7, "hello")

	result, _, err := f.w.process(context.Background(), entry)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result != outcomeAcked {
		t.Fatalf("outcome = %v", result)
	}
	if len(f.in.dlq) != 1 || f.in.dlq[0].ErrorType != string(ErrTypeNoSecretary) {
		t.Fatalf("dlq = %+v", f.in.dlq)
	}
	if f.in.dlq[0].UserID == nil || *f.in.dlq[0].UserID != 7 {
		t.Fatalf("dlq user = %+v", f.in.dlq[0].UserID)
	}

	responses := f.out.responses(t)
	if len(responses) != 1 || responses[0].Status != models.ResponseError {
		t.Fatalf("responses = %+v", responses)
	}
}

func TestWorker_TransientFailureLeavesEntryPending(t *testing.T) {
	f := newFixture(t)
	f.runner.err = providers.ErrProviderUnavailable
	entry := userMessageEntry(t, 7, "hello")

	result, attempt, err := f.w.process(context.Background(), entry)
	if err == nil {
		t.Fatal("expected the cause back")
	}
	if result != outcomeRetryLater {
		t.Fatalf("outcome = %v, want retry later", result)
	}
	if attempt != 1 {
		t.Fatalf("attempt = %d, want 1", attempt)
	}
	if len(f.in.acks) != 0 {
		t.Fatalf("acks = %v, entry must stay pending", f.in.acks)
	}
	if len(f.in.dlq) != 0 {
		t.Fatalf("dlq = %+v, budget not yet exhausted", f.in.dlq)
	}
	if f.retries.counts["1-0"] != 1 {
		t.Fatalf("retry count = %d", f.retries.counts["1-0"])
	}

	// The attempt count must track the counter so the consumer loop can
	// pick the matching backoff.
	_, attempt, _ = f.w.process(context.Background(), entry)
	if attempt != 2 {
		t.Fatalf("second attempt = %d, want 2", attempt)
	}

	// The retried attempt reuses the persisted turn instead of creating
	// a duplicate row, so the graph sees the same incoming message and
	// can resume its checkpoint.
	f.mu.Lock()
	creates := len(f.createdRoles)
	f.mu.Unlock()
	if creates != 1 {
		t.Fatalf("message creates = %d across two attempts, want 1", creates)
	}
	if len(f.runner.states) != 2 || f.runner.states[0].IncomingMessageID != f.runner.states[1].IncomingMessageID {
		t.Fatalf("retried attempt got a different incoming message: %+v", f.runner.states)
	}
}

func TestWorker_ExhaustedBudgetDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.runner.err = providers.ErrProviderUnavailable
	f.retries.counts = map[string]int{"1-0": stream.MaxRetries - 1}
	entry := userMessageEntry(t, 7, "hello")

	result, _, err := f.w.process(context.Background(), entry)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result != outcomeAcked {
		t.Fatalf("outcome = %v", result)
	}
	if len(f.in.dlq) != 1 {
		t.Fatalf("dlq = %+v", f.in.dlq)
	}
	rec := f.in.dlq[0]
	if rec.ErrorType != string(ErrTypeDependency) || rec.RetryCount != stream.MaxRetries {
		t.Fatalf("dlq record = %+v", rec)
	}

	responses := f.out.responses(t)
	if len(responses) != 1 || responses[0].Status != models.ResponseError {
		t.Fatalf("responses = %+v", responses)
	}
	if len(f.in.acks) != 1 {
		t.Fatalf("acks = %v", f.in.acks)
	}

	// Dead-lettering retires the entry completely: the counter is
	// cleared so a requeued copy starts with a fresh budget, and the
	// persisted turn is marked failed rather than left pending.
	if len(f.retries.cleared) != 1 || f.retries.cleared[0] != "1-0" {
		t.Fatalf("retry clear calls = %v", f.retries.cleared)
	}
	if _, ok := f.retries.counts["1-0"]; ok {
		t.Fatalf("retry count survived dead-letter: %v", f.retries.counts)
	}
	if got := f.patchedStatus(500); got != models.MessageStatusError {
		t.Fatalf("incoming message status = %q, want %q", got, models.MessageStatusError)
	}
}

func TestWorker_GraphInvariantGetsSingleRetry(t *testing.T) {
	f := newFixture(t)
	f.runner.err = &graph.ProcessingError{Node: "tools", Err: errors.New("torn tool round")}
	entry := userMessageEntry(t, 7, "hello")

	result, attempt, err := f.w.process(context.Background(), entry)
	if err == nil || result != outcomeRetryLater || attempt != 1 {
		t.Fatalf("first attempt = (%v, %d, %v), want one retry", result, attempt, err)
	}

	result, _, err = f.w.process(context.Background(), entry)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result != outcomeAcked {
		t.Fatalf("outcome = %v, want dead-lettered and acked", result)
	}
	if len(f.in.dlq) != 1 {
		t.Fatalf("dlq = %+v", f.in.dlq)
	}
	rec := f.in.dlq[0]
	if rec.ErrorType != string(ErrTypeGraph) || rec.RetryCount != 2 {
		t.Fatalf("dlq record = %+v", rec)
	}
}

func TestWorker_PermanentFailureSkipsRetryBudget(t *testing.T) {
	f := newFixture(t)
	f.runner.err = &statestore.Error{Kind: statestore.KindHTTP4xx, Op: "POST /api/messages", Err: errors.New("bad request")}
	entry := userMessageEntry(t, 7, "hello")

	result, _, err := f.w.process(context.Background(), entry)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result != outcomeAcked {
		t.Fatalf("outcome = %v", result)
	}
	if len(f.retries.counts) != 0 {
		t.Fatalf("retry counter touched for a permanent failure: %v", f.retries.counts)
	}
	if len(f.in.dlq) != 1 || f.in.dlq[0].ErrorType != string(ErrTypeValidation) {
		t.Fatalf("dlq = %+v", f.in.dlq)
	}
	if got := f.patchedStatus(500); got != models.MessageStatusError {
		t.Fatalf("incoming message status = %q, want %q", got, models.MessageStatusError)
	}
}

func TestWorker_ReminderTriggerSynthesizesTurn(t *testing.T) {
	f := newFixture(t)
	entry := reminderEntry(t, 7)

	result, _, err := f.w.process(context.Background(), entry)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result != outcomeAcked {
		t.Fatalf("outcome = %v", result)
	}
	if len(f.runner.states) != 1 {
		t.Fatalf("runner calls = %d", len(f.runner.states))
	}
	text := f.runner.states[0].IncomingText
	if !strings.Contains(text, "Reminder fired") || !strings.Contains(text, "take your medicine") {
		t.Fatalf("synthesized text = %q", text)
	}
	// Trigger turns travel as a system notice, not as user speech.
	if kind := f.runner.states[0].IncomingKind; kind != graph.KindSystemNotice {
		t.Fatalf("incoming kind = %q, want %q", kind, graph.KindSystemNotice)
	}

	responses := f.out.responses(t)
	if len(responses) != 1 || responses[0].Source != "cron" {
		t.Fatalf("responses = %+v", responses)
	}
}

func TestWorker_DLQWriteFailureKeepsEntryPending(t *testing.T) {
	f := newFixture(t)
	f.in.dlqErr = errors.New("dlq down")
	entry := stream.Entry{ID: "9-0", Payload: []byte(`not json`)}

	result, _, err := f.w.process(context.Background(), entry)
	if err == nil {
		t.Fatal("expected error")
	}
	if result != outcomeRetryLater {
		t.Fatalf("outcome = %v, entry must stay pending when the DLQ is down", result)
	}
	if len(f.in.acks) != 0 {
		t.Fatalf("acks = %v", f.in.acks)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantType  ErrorType
		wantRetry bool
	}{
		{"invalid envelope", models.ErrInvalidEnvelope, ErrTypeInvalidEnvelope, false},
		{"cancelled", context.Canceled, ErrTypeCancelled, false},
		{"deadline", context.DeadlineExceeded, ErrTypeTimeout, true},
		{"assistant timeout", graph.ErrAssistantTimeout, ErrTypeTimeout, true},
		{"rate limited", providers.ErrRateLimited, ErrTypeDependency, true},
		{"provider down", providers.ErrProviderUnavailable, ErrTypeDependency, true},
		{"store network", &statestore.Error{Kind: statestore.KindNetwork, Err: errors.New("x")}, ErrTypeNetwork, true},
		{"store 4xx", &statestore.Error{Kind: statestore.KindHTTP4xx, Err: errors.New("x")}, ErrTypeValidation, false},
		{"store circuit", &statestore.Error{Kind: statestore.KindCircuitOpen, Err: errors.New("x")}, ErrTypeNetwork, true},
		{"graph wrapper", &graph.ProcessingError{Node: "assistant", Err: errors.New("x")}, ErrTypeGraph, true},
		{"wrapped cause wins", &graph.ProcessingError{Node: "assistant", Err: providers.ErrRateLimited}, ErrTypeDependency, true},
		{"unknown", errors.New("x"), ErrTypeUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, gotRetry := classify(tt.err)
			if gotType != tt.wantType || gotRetry != tt.wantRetry {
				t.Fatalf("classify = (%s, %v), want (%s, %v)", gotType, gotRetry, tt.wantType, tt.wantRetry)
			}
		})
	}
}
