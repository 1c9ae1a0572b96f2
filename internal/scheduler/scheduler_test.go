package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/marloweai/marlowe/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu        sync.Mutex
	reminders []models.Reminder
	updates   map[int64][]models.ReminderUpdate
	execs     []models.JobExecution
	completed []int64
	failed    map[int64]string
	listErr   error
}

func newFakeStore(reminders ...models.Reminder) *fakeStore {
	return &fakeStore{
		reminders: reminders,
		updates:   make(map[int64][]models.ReminderUpdate),
		failed:    make(map[int64]string),
	}
}

func (f *fakeStore) ListScheduledReminders(_ context.Context) ([]models.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]models.Reminder{}, f.reminders...), nil
}

func (f *fakeStore) UpdateReminder(_ context.Context, id int64, update models.ReminderUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = append(f.updates[id], update)
	return nil
}

func (f *fakeStore) CreateJobExecution(_ context.Context, exec models.JobExecution) (*models.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec.ID = int64(len(f.execs) + 1)
	f.execs = append(f.execs, exec)
	return &exec, nil
}

func (f *fakeStore) CompleteJobExecution(_ context.Context, id int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeStore) FailJobExecution(_ context.Context, id int64, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = errMsg
	return nil
}

type fakeEmitter struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (f *fakeEmitter) Add(_ context.Context, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.payloads = append(f.payloads, payload)
	return "1-0", nil
}

func (f *fakeEmitter) triggers(t *testing.T) []models.Trigger {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Trigger, 0, len(f.payloads))
	for _, p := range f.payloads {
		var trig models.Trigger
		if err := json.Unmarshal(p, &trig); err != nil {
			t.Fatalf("bad trigger payload %s: %v", p, err)
		}
		out = append(out, trig)
	}
	return out
}

func oneShot(id int64, at time.Time) models.Reminder {
	payload, _ := json.Marshal(map[string]string{"message": "stand up"})
	return models.Reminder{
		ID: id, UserID: 7, AssistantID: 3,
		Type:      models.ReminderOneShot,
		TriggerAt: &at,
		Payload:   payload,
		Status:    models.ReminderActive,
	}
}

func recurring(id int64, expr, tz string) models.Reminder {
	return models.Reminder{
		ID: id, UserID: 7, AssistantID: 3,
		Type:           models.ReminderRecurring,
		CronExpression: expr,
		Timezone:       tz,
		Status:         models.ReminderActive,
	}
}

func newTestScheduler(store Store, out Emitter, now time.Time) (*Scheduler, *time.Time) {
	clock := now
	s := New(store, out,
		WithLogger(testLogger()),
		WithNow(func() time.Time { return clock }),
	)
	return s, &clock
}

func TestScheduler_FiresDueOneShot(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore(oneShot(1, now.Add(-time.Minute)))
	out := &fakeEmitter{}
	s, _ := newTestScheduler(store, out, now)

	ctx := context.Background()
	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	s.Tick(ctx)

	triggers := out.triggers(t)
	if len(triggers) != 1 {
		t.Fatalf("triggers = %d, want 1", len(triggers))
	}
	trig := triggers[0]
	if trig.TriggerType != models.TriggerReminder || trig.UserID != 7 || trig.Source != "cron" {
		t.Fatalf("trigger = %+v", trig)
	}
	var inner models.ReminderTriggerPayload
	if err := json.Unmarshal(trig.Payload, &inner); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if inner.ReminderID != 1 || inner.AssistantID != 3 {
		t.Fatalf("payload = %+v", inner)
	}

	updates := store.updates[1]
	if len(updates) != 1 || updates[0].Status == nil || *updates[0].Status != models.ReminderCompleted {
		t.Fatalf("updates = %+v, want completed", updates)
	}
	if updates[0].LastTriggeredAt == nil {
		t.Fatal("last_triggered_at not set")
	}
	if s.Entries() != 0 {
		t.Fatalf("entries = %d, fired one-shot must retire", s.Entries())
	}
	if len(store.completed) != 1 {
		t.Fatalf("job executions completed = %v", store.completed)
	}
}

func TestScheduler_FutureOneShotWaits(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore(oneShot(1, now.Add(time.Hour)))
	out := &fakeEmitter{}
	s, clock := newTestScheduler(store, out, now)

	ctx := context.Background()
	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	s.Tick(ctx)
	if len(out.payloads) != 0 {
		t.Fatal("fired early")
	}

	*clock = now.Add(61 * time.Minute)
	s.Tick(ctx)
	if len(out.payloads) != 1 {
		t.Fatalf("payloads = %d after due time", len(out.payloads))
	}
}

func TestScheduler_NextWakeTracksNearestEntry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore(oneShot(1, now.Add(2*time.Second)), oneShot(2, now.Add(time.Hour)))
	out := &fakeEmitter{}
	s, _ := newTestScheduler(store, out, now)

	ctx := context.Background()
	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// A reminder due in 2s must wake the loop well before the next
	// reconcile boundary.
	if got := s.nextWake(now); got != 2*time.Second {
		t.Fatalf("nextWake = %s, want 2s", got)
	}
}

func TestScheduler_NextWakeBounds(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	out := &fakeEmitter{}

	// Empty wheel sleeps the full reconcile interval.
	s, _ := newTestScheduler(newFakeStore(), out, now)
	if got := s.nextWake(now); got != s.interval {
		t.Fatalf("nextWake = %s, want %s", got, s.interval)
	}

	// An overdue entry, such as one whose fire keeps failing, must not
	// spin the loop hot.
	s, _ = newTestScheduler(newFakeStore(oneShot(1, now.Add(-time.Minute))), out, now)
	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := s.nextWake(now); got != minWake {
		t.Fatalf("nextWake = %s, want floor %s", got, minWake)
	}
}

func TestScheduler_RecurringAdvances(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 59, 30, 0, time.UTC)
	store := newFakeStore(recurring(2, "0 9 * * *", "UTC"))
	out := &fakeEmitter{}
	s, clock := newTestScheduler(store, out, now)

	ctx := context.Background()
	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	s.Tick(ctx)
	if len(out.payloads) != 0 {
		t.Fatal("fired before 09:00")
	}

	*clock = time.Date(2025, 6, 1, 9, 0, 10, 0, time.UTC)
	s.Tick(ctx)
	if len(out.payloads) != 1 {
		t.Fatalf("payloads = %d at 09:00", len(out.payloads))
	}

	// Still scheduled, but not due again until tomorrow.
	s.Tick(ctx)
	if len(out.payloads) != 1 {
		t.Fatal("recurring fired twice in one window")
	}
	if s.Entries() != 1 {
		t.Fatalf("entries = %d, recurring must stay scheduled", s.Entries())
	}

	updates := store.updates[2]
	if len(updates) != 1 || updates[0].Status != nil {
		t.Fatalf("updates = %+v, recurring must not change status", updates)
	}

	*clock = time.Date(2025, 6, 2, 9, 0, 10, 0, time.UTC)
	s.Tick(ctx)
	if len(out.payloads) != 2 {
		t.Fatalf("payloads = %d next day", len(out.payloads))
	}
}

func TestScheduler_RecurringHonorsTimezone(t *testing.T) {
	// 09:00 in New York is 13:00 UTC during DST.
	store := newFakeStore(recurring(2, "0 9 * * *", "America/New_York"))
	out := &fakeEmitter{}
	now := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	s, clock := newTestScheduler(store, out, now)

	ctx := context.Background()
	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	s.Tick(ctx)
	if len(out.payloads) != 0 {
		t.Fatal("fired before 09:00 New York time")
	}

	*clock = time.Date(2025, 6, 1, 13, 0, 30, 0, time.UTC)
	s.Tick(ctx)
	if len(out.payloads) != 1 {
		t.Fatalf("payloads = %d at 09:00 New York time", len(out.payloads))
	}
}

func TestScheduler_ReconcileDropsInactive(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore(
		oneShot(1, now.Add(time.Hour)),
		recurring(2, "*/5 * * * *", "UTC"),
	)
	out := &fakeEmitter{}
	s, _ := newTestScheduler(store, out, now)

	ctx := context.Background()
	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if s.Entries() != 2 {
		t.Fatalf("entries = %d", s.Entries())
	}

	// Reminder 2 is cancelled out of band.
	store.mu.Lock()
	store.reminders = store.reminders[:1]
	store.mu.Unlock()

	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if s.Entries() != 1 {
		t.Fatalf("entries = %d after cancellation", s.Entries())
	}

	s.Tick(ctx)
	if len(out.payloads) != 0 {
		t.Fatal("cancelled reminder fired")
	}
}

func TestScheduler_SkipsBrokenDefinitions(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore(
		recurring(1, "not a cron", "UTC"),
		recurring(2, "0 9 * * *", "Narnia/Somewhere"),
		oneShot(3, now.Add(time.Hour)),
	)
	out := &fakeEmitter{}
	s, _ := newTestScheduler(store, out, now)

	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if s.Entries() != 1 {
		t.Fatalf("entries = %d, only the valid reminder belongs on the wheel", s.Entries())
	}
}

func TestScheduler_EmitFailureRecordsAndKeepsEntry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore(oneShot(1, now.Add(-time.Minute)))
	out := &fakeEmitter{err: errors.New("broker down")}
	s, _ := newTestScheduler(store, out, now)

	ctx := context.Background()
	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	s.Tick(ctx)

	if len(store.updates[1]) != 0 {
		t.Fatalf("reminder mutated after failed emit: %+v", store.updates[1])
	}
	if s.Entries() != 1 {
		t.Fatalf("entries = %d, failed fire must stay scheduled", s.Entries())
	}
	if len(store.failed) != 1 {
		t.Fatalf("failed job executions = %v", store.failed)
	}

	// Broker recovers; the next tick delivers.
	out.mu.Lock()
	out.err = nil
	out.mu.Unlock()
	s.Tick(ctx)
	if len(out.payloads) != 1 {
		t.Fatalf("payloads = %d after recovery", len(out.payloads))
	}
}

func TestScheduler_RescheduleOnChange(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	at := now.Add(time.Hour)
	store := newFakeStore(oneShot(1, at))
	out := &fakeEmitter{}
	s, clock := newTestScheduler(store, out, now)

	ctx := context.Background()
	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// The user moves the reminder earlier.
	moved := now.Add(10 * time.Minute)
	store.mu.Lock()
	store.reminders[0].TriggerAt = &moved
	store.mu.Unlock()
	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	*clock = now.Add(11 * time.Minute)
	s.Tick(ctx)
	if len(out.payloads) != 1 {
		t.Fatalf("payloads = %d, rescheduled time not honored", len(out.payloads))
	}
}
