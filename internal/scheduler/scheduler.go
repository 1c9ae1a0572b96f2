// Package scheduler turns persisted reminders into trigger events. It
// reconciles its in-memory schedule against the state store on a fixed
// interval, fires due reminders onto the inbound stream, and records
// each fire as a job execution.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marloweai/marlowe/internal/observability"
	"github.com/marloweai/marlowe/pkg/models"
)

// DefaultInterval is the reconcile cadence and the longest the loop
// sleeps between wakes.
const DefaultInterval = 30 * time.Second

// minWake floors the sleep so a reminder that keeps failing to fire
// cannot spin the loop hot.
const minWake = time.Second

const jobType = "reminder_fire"

// cronParser accepts standard 5-field expressions, matching what the
// reminder tools validate at creation time.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Store is the state-store surface the scheduler needs.
// *statestore.Client satisfies it.
type Store interface {
	ListScheduledReminders(ctx context.Context) ([]models.Reminder, error)
	UpdateReminder(ctx context.Context, id int64, update models.ReminderUpdate) error
	CreateJobExecution(ctx context.Context, exec models.JobExecution) (*models.JobExecution, error)
	CompleteJobExecution(ctx context.Context, id int64, result string) error
	FailJobExecution(ctx context.Context, id int64, errMsg string) error
}

// Emitter publishes trigger envelopes. *stream.Client satisfies it.
type Emitter interface {
	Add(ctx context.Context, payload []byte) (string, error)
}

// entry is one reminder on the wheel.
type entry struct {
	reminder models.Reminder
	next     time.Time
	// sched is set for recurring reminders only.
	sched cron.Schedule
	loc   *time.Location
}

// Scheduler owns the reminder wheel.
type Scheduler struct {
	store    Store
	out      Emitter
	logger   *slog.Logger
	metrics  *observability.Metrics
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[int64]*entry
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithInterval overrides the reconcile cadence.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a scheduler over the given store and outbound stream.
func New(store Store, out Emitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		out:      out,
		logger:   slog.Default(),
		interval: DefaultInterval,
		now:      time.Now,
		entries:  make(map[int64]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	if s.metrics == nil {
		s.metrics = observability.NewMetrics(nil)
	}
	return s
}

// Run reconciles and fires until ctx is cancelled. The loop sleeps at
// most the configured interval, waking earlier when a reminder on the
// wheel comes due before it, so one-shots fire near their trigger time
// rather than at the next reconcile boundary. Individual fire failures
// are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started", "interval", s.interval)
	for {
		if err := s.Reconcile(ctx); err != nil {
			s.logger.WarnContext(ctx, "reminder reconcile failed",
				observability.Key, observability.EventJobError,
				"error", err,
			)
		}
		s.Tick(ctx)

		timer := time.NewTimer(s.nextWake(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// nextWake returns how long the loop may sleep: until the nearest
// entry's fire time, capped by the reconcile interval and floored by
// minWake.
func (s *Scheduler) nextWake(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.interval
	for _, e := range s.entries {
		if until := e.next.Sub(now); until < d {
			d = until
		}
	}
	if d < minWake {
		d = minWake
	}
	return d
}

// Reconcile aligns the wheel with the state store: new active reminders
// are scheduled, changed ones rescheduled, and reminders that are no
// longer active drop off.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	reminders, err := s.store.ListScheduledReminders(ctx)
	if err != nil {
		return fmt.Errorf("list reminders: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]bool, len(reminders))
	for _, reminder := range reminders {
		if reminder.Status != models.ReminderActive {
			continue
		}
		seen[reminder.ID] = true

		if existing, ok := s.entries[reminder.ID]; ok && !scheduleChanged(existing.reminder, reminder) {
			existing.reminder = reminder
			continue
		}

		e, err := s.schedule(reminder)
		if err != nil {
			s.logger.WarnContext(ctx, "unschedulable reminder skipped",
				"reminder_id", reminder.ID, "error", err)
			continue
		}
		s.entries[reminder.ID] = e
	}

	for id := range s.entries {
		if !seen[id] {
			delete(s.entries, id)
		}
	}
	return nil
}

// scheduleChanged reports whether the reminder's timing definition
// differs from what the wheel has.
func scheduleChanged(prev, curr models.Reminder) bool {
	if prev.Type != curr.Type || prev.CronExpression != curr.CronExpression || prev.Timezone != curr.Timezone {
		return true
	}
	switch {
	case prev.TriggerAt == nil && curr.TriggerAt == nil:
		return false
	case prev.TriggerAt == nil || curr.TriggerAt == nil:
		return true
	default:
		return !prev.TriggerAt.Equal(*curr.TriggerAt)
	}
}

// schedule computes the entry for a reminder.
func (s *Scheduler) schedule(reminder models.Reminder) (*entry, error) {
	if err := reminder.Validate(); err != nil {
		return nil, err
	}
	switch reminder.Type {
	case models.ReminderOneShot:
		return &entry{reminder: reminder, next: reminder.TriggerAt.UTC()}, nil

	case models.ReminderRecurring:
		loc := time.UTC
		if reminder.Timezone != "" {
			var err error
			loc, err = time.LoadLocation(reminder.Timezone)
			if err != nil {
				return nil, fmt.Errorf("timezone %q: %w", reminder.Timezone, err)
			}
		}
		sched, err := cronParser.Parse(reminder.CronExpression)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", reminder.CronExpression, err)
		}
		return &entry{
			reminder: reminder,
			sched:    sched,
			loc:      loc,
			next:     sched.Next(s.now().In(loc)),
		}, nil

	default:
		return nil, fmt.Errorf("unknown reminder type %q", reminder.Type)
	}
}

// Tick fires every due entry once.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if err := s.fire(ctx, e, now); err != nil {
			s.metrics.SchedulerFires.WithLabelValues(string(e.reminder.Type), "error").Inc()
			s.logger.ErrorContext(ctx, "reminder fire failed",
				observability.Key, observability.EventJobError,
				"reminder_id", e.reminder.ID,
				"error", err,
			)
			continue
		}
		s.metrics.SchedulerFires.WithLabelValues(string(e.reminder.Type), "success").Inc()
	}
}

// fire emits the trigger envelope and advances or retires the entry.
func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) error {
	reminder := e.reminder
	jobID := fmt.Sprintf("%s-%d-%d", jobType, reminder.ID, now.Unix())

	exec, err := s.store.CreateJobExecution(ctx, models.JobExecution{
		JobID:       jobID,
		JobType:     jobType,
		ScheduledAt: e.next,
		Status:      models.JobRunning,
	})
	if err != nil {
		// The record is observability, not a gate.
		s.logger.WarnContext(ctx, "job execution record failed",
			"reminder_id", reminder.ID, "error", err)
		exec = nil
	}

	if err := s.emit(ctx, reminder, now); err != nil {
		if exec != nil {
			if ferr := s.store.FailJobExecution(ctx, exec.ID, err.Error()); ferr != nil {
				s.logger.WarnContext(ctx, "job execution update failed",
					"job_id", jobID, "error", ferr)
			}
		}
		return err
	}

	if err := s.advance(ctx, e, now); err != nil {
		return err
	}

	if exec != nil {
		if err := s.store.CompleteJobExecution(ctx, exec.ID, "fired"); err != nil {
			s.logger.WarnContext(ctx, "job execution update failed",
				"job_id", jobID, "error", err)
		}
	}

	s.logger.InfoContext(ctx, "reminder fired",
		observability.Key, observability.EventJobEnd,
		"reminder_id", reminder.ID,
		"type", reminder.Type,
		"user_id", reminder.UserID,
	)
	return nil
}

// emit publishes the trigger envelope for a reminder.
func (s *Scheduler) emit(ctx context.Context, reminder models.Reminder, now time.Time) error {
	inner, err := json.Marshal(models.ReminderTriggerPayload{
		ReminderID:  reminder.ID,
		Type:        reminder.Type,
		UserID:      reminder.UserID,
		AssistantID: reminder.AssistantID,
		Details:     reminder.Payload,
	})
	if err != nil {
		return fmt.Errorf("encode trigger payload: %w", err)
	}
	envelope, err := json.Marshal(models.Trigger{
		Kind:        models.EventTrigger,
		TriggerType: models.TriggerReminder,
		UserID:      reminder.UserID,
		Source:      "cron",
		Payload:     inner,
		Timestamp:   now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	if _, err := s.out.Add(ctx, envelope); err != nil {
		return fmt.Errorf("emit trigger: %w", err)
	}
	return nil
}

// advance updates persistence and either retires a one-shot or computes
// the recurring entry's next fire.
func (s *Scheduler) advance(ctx context.Context, e *entry, now time.Time) error {
	triggeredAt := now.UTC()

	switch e.reminder.Type {
	case models.ReminderOneShot:
		status := models.ReminderCompleted
		if err := s.store.UpdateReminder(ctx, e.reminder.ID, models.ReminderUpdate{
			Status:          &status,
			LastTriggeredAt: &triggeredAt,
		}); err != nil {
			return fmt.Errorf("complete reminder %d: %w", e.reminder.ID, err)
		}
		s.mu.Lock()
		delete(s.entries, e.reminder.ID)
		s.mu.Unlock()
		return nil

	default:
		if err := s.store.UpdateReminder(ctx, e.reminder.ID, models.ReminderUpdate{
			LastTriggeredAt: &triggeredAt,
		}); err != nil {
			return fmt.Errorf("update reminder %d: %w", e.reminder.ID, err)
		}
		s.mu.Lock()
		e.next = e.sched.Next(now.In(e.loc))
		s.mu.Unlock()
		return nil
	}
}

// Entries returns how many reminders are currently on the wheel.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
