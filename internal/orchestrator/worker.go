package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/marloweai/marlowe/internal/cache"
	"github.com/marloweai/marlowe/internal/graph"
	"github.com/marloweai/marlowe/internal/observability"
	"github.com/marloweai/marlowe/internal/retry"
	"github.com/marloweai/marlowe/internal/statestore"
	"github.com/marloweai/marlowe/internal/stream"
	"github.com/marloweai/marlowe/pkg/models"
)

// userErrorMessage is what the user sees when a turn is given up on.
const userErrorMessage = "Sorry, something went wrong while handling your message. Please try again."

// Inbound is the consumer-side stream surface the worker needs.
// *stream.Client satisfies it.
type Inbound interface {
	Ack(ctx context.Context, messageID string) error
	SendToDLQ(ctx context.Context, originalID string, payload []byte, errorType, errorMessage string, retryCount int, userID *int64) error
}

// Outbound is the producer-side surface for assistant responses.
type Outbound interface {
	Add(ctx context.Context, payload []byte) (string, error)
}

// RetryCounter tracks per-entry attempt counts across consumers.
// *stream.RetryStore satisfies it.
type RetryCounter interface {
	Incr(ctx context.Context, messageID string) (int, error)
	Clear(ctx context.Context, messageID string) error
}

// GraphRunner runs one conversation turn. *graph.Engine satisfies it.
type GraphRunner interface {
	Run(ctx context.Context, state *graph.State) (string, error)
}

// worker processes entries from the inbound stream. One worker serves
// one consumer-group member; the orchestrator runs several.
type worker struct {
	in      Inbound
	out     Outbound
	retries RetryCounter
	store   *cache.Store
	api     *statestore.Client
	engine  GraphRunner
	logger  *slog.Logger
	metrics *observability.Metrics

	stream    string
	outStream string

	// pending maps an unacked entry to the message row its first
	// attempt persisted, so retries reuse the row instead of creating
	// duplicates and the graph can resume the same turn. One goroutine
	// owns a worker; no locking needed.
	pending map[string]int64
}

// outcome tells the consumer loop what to do with the entry next.
type outcome int

const (
	outcomeAcked outcome = iota
	// outcomeRetryLater leaves the entry pending; the loop sleeps the
	// backoff hint before reading again.
	outcomeRetryLater
)

// process handles one inbound entry end to end. The attempt count is
// the retry-counter value behind an outcomeRetryLater, so the consumer
// loop can pick the matching backoff; zero when no attempt was counted.
func (w *worker) process(ctx context.Context, entry stream.Entry) (outcome, int, error) {
	corrID := observability.NewCorrelationID()
	ctx = observability.WithCorrelationID(ctx, corrID)

	event, err := models.DecodeInbound(entry.Payload)
	if err != nil {
		// Retrying cannot fix a malformed payload.
		out, derr := w.deadLetter(ctx, entry, ErrTypeInvalidEnvelope, err, 0, nil, 0)
		return out, 0, derr
	}
	userID := event.UserID()
	ctx = observability.WithUserID(ctx, userID)

	w.logger.InfoContext(ctx, "entry received",
		observability.Key, observability.EventQueuePop,
		"stream", w.stream,
		"entry_id", entry.ID,
		"kind", event.Kind(),
		"user_id", userID,
		"reclaimed", entry.Reclaimed,
	)
	w.api.LogQueueMessage(ctx, models.QueueLog{
		Stream:        w.stream,
		MessageID:     entry.ID,
		Direction:     "pop",
		CorrelationID: corrID,
		UserID:        &userID,
	})

	secretary, err := w.store.Secretary(ctx, userID)
	if err == nil && secretary == nil {
		err = fmt.Errorf("user %d has no secretary assigned", userID)
		out, derr := w.deadLetter(ctx, entry, ErrTypeNoSecretary, err, 0, &userID, 0)
		return out, 0, derr
	}
	if err != nil {
		return w.handleFailure(ctx, entry, event, 0, err)
	}

	text := incomingText(event)
	incomingID := w.pending[entry.ID]
	if incomingID == 0 {
		created, err := w.api.CreateMessage(ctx, models.MessageCreate{
			UserID:      userID,
			AssistantID: secretary.ID,
			Role:        models.RoleHuman,
			Content:     text,
			Status:      models.MessageStatusPending,
		})
		if err != nil {
			return w.handleFailure(ctx, entry, event, 0, err)
		}
		incomingID = created.ID
		if w.pending == nil {
			w.pending = make(map[string]int64)
		}
		w.pending[entry.ID] = incomingID
	}

	start := time.Now()
	state := graph.NewState(userID, secretary.ID, corrID, text, incomingID)
	if event.Trigger != nil {
		state.IncomingKind = graph.KindSystemNotice
	}
	final, err := w.engine.Run(ctx, state)
	w.metrics.GraphDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		w.metrics.GraphRuns.WithLabelValues("error").Inc()
		return w.handleFailure(ctx, entry, event, incomingID, err)
	}
	w.metrics.GraphRuns.WithLabelValues("success").Inc()

	if err := w.publish(ctx, &models.AssistantResponse{
		UserID:   userID,
		Status:   models.ResponseSuccess,
		Source:   responseSource(event),
		Response: final,
	}); err != nil {
		// The turn is fully persisted; losing the publish would repeat
		// the whole turn, so treat it as a processing failure instead.
		return w.handleFailure(ctx, entry, event, incomingID, err)
	}

	if err := w.in.Ack(ctx, entry.ID); err != nil {
		return outcomeRetryLater, 0, err
	}
	w.metrics.StreamAcks.Inc()
	if err := w.retries.Clear(ctx, entry.ID); err != nil {
		w.logger.WarnContext(ctx, "retry record clear failed",
			"entry_id", entry.ID, "error", err)
	}
	delete(w.pending, entry.ID)
	w.logger.InfoContext(ctx, "entry processed",
		observability.Key, observability.EventMessageFinal,
		"entry_id", entry.ID,
		"user_id", userID,
	)
	return outcomeAcked, 0, nil
}

// handleFailure applies the retry policy to a processing error.
// incomingID is the persisted row of the turn being processed, zero
// when the failure happened before persistence.
func (w *worker) handleFailure(ctx context.Context, entry stream.Entry, event *models.InboundEvent, incomingID int64, cause error) (outcome, int, error) {
	errType, retryable := classify(cause)
	userID := event.UserID()

	if !retryable {
		out, err := w.deadLetter(ctx, entry, errType, cause, 0, &userID, incomingID)
		return out, 0, err
	}

	count, err := w.retries.Incr(ctx, entry.ID)
	if err != nil {
		// Without the counter the budget cannot be enforced; leave the
		// entry pending rather than risking an infinite loop silently.
		w.logger.ErrorContext(ctx, "retry increment failed",
			"entry_id", entry.ID, "error", err)
		return outcomeRetryLater, 0, cause
	}
	w.metrics.RetriesRecorded.Inc()

	if count >= retryBudget(errType) {
		out, err := w.deadLetter(ctx, entry, errType, cause, count, &userID, incomingID)
		return out, count, err
	}

	w.logger.WarnContext(ctx, "entry processing failed, will retry",
		observability.Key, observability.EventError,
		"entry_id", entry.ID,
		"error_type", errType,
		"attempt", count,
		"error", cause,
	)
	return outcomeRetryLater, count, cause
}

// deadLetter routes an entry to the DLQ, marks the persisted turn as
// failed, notifies the user when one is addressable, acknowledges the
// original, and clears the retry counter.
func (w *worker) deadLetter(ctx context.Context, entry stream.Entry, errType ErrorType, cause error, retryCount int, userID *int64, incomingID int64) (outcome, error) {
	if err := w.in.SendToDLQ(ctx, entry.ID, entry.Payload, string(errType), cause.Error(), retryCount, userID); err != nil {
		// DLQ write failed; keep the entry pending so nothing is lost.
		return outcomeRetryLater, fmt.Errorf("dead-letter %s: %w", entry.ID, err)
	}
	w.metrics.DLQEmissions.WithLabelValues(string(errType)).Inc()
	w.logger.ErrorContext(ctx, "entry dead-lettered",
		observability.Key, observability.EventQueueDeadLet,
		"entry_id", entry.ID,
		"error_type", errType,
		"retry_count", retryCount,
		"error", cause,
	)

	if incomingID > 0 {
		// The turn will never finalize; leaving the row pending would
		// make it look in-flight forever.
		status := models.MessageStatusError
		if err := w.api.UpdateMessage(ctx, incomingID, models.MessageUpdate{
			Status: &status,
		}); err != nil {
			w.logger.WarnContext(ctx, "incoming message status update failed",
				"message_id", incomingID, "error", err)
		}
	}

	if userID != nil && *userID > 0 {
		if err := w.publish(ctx, &models.AssistantResponse{
			UserID: *userID,
			Status: models.ResponseError,
			Error:  userErrorMessage,
		}); err != nil {
			w.logger.WarnContext(ctx, "error response publish failed",
				"entry_id", entry.ID, "error", err)
		}
	}

	if err := w.in.Ack(ctx, entry.ID); err != nil {
		return outcomeRetryLater, err
	}
	w.metrics.StreamAcks.Inc()
	if err := w.retries.Clear(ctx, entry.ID); err != nil {
		w.logger.WarnContext(ctx, "retry record clear failed",
			"entry_id", entry.ID, "error", err)
	}
	delete(w.pending, entry.ID)
	return outcomeAcked, nil
}

// publish emits an assistant response on the outbound stream, retrying
// transient broker failures inline.
func (w *worker) publish(ctx context.Context, resp *models.AssistantResponse) error {
	if err := resp.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	cfg := retry.Exponential(3, 200*time.Millisecond, 2*time.Second)
	id, result := retry.DoWithValue(ctx, cfg, func(ctx context.Context) (string, error) {
		return w.out.Add(ctx, payload)
	})
	if result.Err != nil {
		return fmt.Errorf("publish response: %w", result.Err)
	}

	w.logger.InfoContext(ctx, "response published",
		observability.Key, observability.EventQueuePush,
		"entry_id", id,
		"user_id", resp.UserID,
		"status", resp.Status,
	)
	w.api.LogQueueMessage(ctx, models.QueueLog{
		Stream:        w.outStream,
		MessageID:     id,
		Direction:     "push",
		CorrelationID: observability.CorrelationID(ctx),
		UserID:        &resp.UserID,
	})
	return nil
}

// incomingText renders the envelope into the user turn the graph sees.
// Triggers become system-authored notifications the assistant relays.
func incomingText(event *models.InboundEvent) string {
	if event.UserMessage != nil {
		return event.UserMessage.Content
	}
	t := event.Trigger
	switch t.TriggerType {
	case models.TriggerReminder:
		var p models.ReminderTriggerPayload
		if err := json.Unmarshal(t.Payload, &p); err == nil {
			msg := reminderMessage(p.Details)
			if msg != "" {
				return fmt.Sprintf("[system] Reminder fired: %s. Notify the user about it now.", msg)
			}
		}
		return "[system] A reminder the user set has fired. Notify the user about it now."
	case models.TriggerGoogleAuth:
		return "[system] The user connected their Google account. Acknowledge it and mention what you can now help with."
	default:
		return fmt.Sprintf("[system] Event %q occurred.", t.TriggerType)
	}
}

// reminderMessage extracts the human-readable message from a reminder
// payload's details.
func reminderMessage(details json.RawMessage) string {
	if len(details) == 0 {
		return ""
	}
	var d struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(details, &d); err != nil {
		return ""
	}
	return d.Message
}

// responseSource carries the front-end routing hint through to the
// outbound envelope.
func responseSource(event *models.InboundEvent) string {
	if event.UserMessage != nil {
		return event.UserMessage.Metadata.Source
	}
	if event.Trigger != nil {
		return event.Trigger.Source
	}
	return ""
}
