// Package stream is a thin consumer-group abstraction over Redis
// Streams. It provides per-message acknowledgement, reclamation of
// stale pending entries, retry counting, and dead-letter routing.
//
// Every entry read through a Client must eventually be either ack'd or
// left pending for another consumer to claim. Nothing is silently
// dropped; entries that exhaust their retry budget land on the
// dead-letter stream.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Retry policy shared by every consumer of the inbound stream.
const (
	// MaxRetries is the number of processing attempts before an entry
	// is dead-lettered.
	MaxRetries = 3

	// DLQSuffix is appended to a stream name to form its dead-letter
	// stream.
	DLQSuffix = ":dlq"

	// PayloadField is the stream-entry field holding the JSON envelope.
	PayloadField = "payload"
)

// RetryDelays are the per-attempt sleep hints applied by the consumer
// loop between failed attempts.
var RetryDelays = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

// RetryDelay returns the sleep hint for the given 1-based attempt.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(RetryDelays) {
		return RetryDelays[len(RetryDelays)-1]
	}
	return RetryDelays[attempt-1]
}

// ErrBrokerUnavailable wraps broker connectivity failures. Callers back
// off and retry their outer loop.
var ErrBrokerUnavailable = errors.New("stream broker unavailable")

// Entry is one stream entry delivered to a consumer.
type Entry struct {
	ID      string
	Payload []byte
	// Reclaimed is true when the entry was claimed from another
	// consumer's pending list rather than read fresh.
	Reclaimed bool
}

// Client reads one stream through a consumer group and publishes to it.
type Client struct {
	rdb      redis.UniversalClient
	stream   string
	group    string
	consumer string
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger configures the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a stream client bound to one stream, consumer
// group, and consumer name.
func NewClient(rdb redis.UniversalClient, stream, group, consumer string, opts ...Option) *Client {
	c := &Client{
		rdb:      rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		logger:   slog.Default().With("component", "stream"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream returns the stream name this client is bound to.
func (c *Client) Stream() string { return c.stream }

// EnsureGroup creates the consumer group, tolerating a group that
// already exists. The stream itself is created if missing.
func (c *Client) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("%w: create group %s on %s: %v", ErrBrokerUnavailable, c.group, c.stream, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Read returns up to count entries. New entries are preferred; if none
// arrive within block, pending entries idle longer than idleReclaim are
// claimed from other consumers. Returns nil when nothing is available.
func (c *Client) Read(ctx context.Context, count int, block, idleReclaim time.Duration) ([]Entry, error) {
	if count <= 0 {
		count = 1
	}

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	switch {
	case err == nil:
		entries := entriesFromStreams(res, false)
		if len(entries) > 0 {
			return entries, nil
		}
	case errors.Is(err, redis.Nil):
		// Nothing new within the block window; fall through to reclaim.
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: read %s: %v", ErrBrokerUnavailable, c.stream, err)
	}

	return c.reclaim(ctx, count, idleReclaim)
}

// reclaim claims entries another consumer read but never acknowledged.
func (c *Client) reclaim(ctx context.Context, count int, idleReclaim time.Duration) ([]Entry, error) {
	if idleReclaim <= 0 {
		return nil, nil
	}
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  idleReclaim,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: autoclaim %s: %v", ErrBrokerUnavailable, c.stream, err)
	}
	entries := entriesFromMessages(msgs, true)
	if len(entries) > 0 {
		c.logger.InfoContext(ctx, "reclaimed pending entries",
			"stream", c.stream, "count", len(entries), "min_idle", idleReclaim.String())
	}
	return entries, nil
}

// Ack removes an entry from the pending list.
func (c *Client) Ack(ctx context.Context, messageID string) error {
	if err := c.rdb.XAck(ctx, c.stream, c.group, messageID).Err(); err != nil {
		return fmt.Errorf("%w: ack %s on %s: %v", ErrBrokerUnavailable, messageID, c.stream, err)
	}
	return nil
}

// Add appends a payload to the stream and returns the assigned id.
func (c *Client) Add(ctx context.Context, payload []byte) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]any{PayloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: add to %s: %v", ErrBrokerUnavailable, c.stream, err)
	}
	return id, nil
}

// PendingCount returns the number of delivered-but-unacked entries.
func (c *Client) PendingCount(ctx context.Context) (int64, error) {
	pending, err := c.rdb.XPending(ctx, c.stream, c.group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: pending %s: %v", ErrBrokerUnavailable, c.stream, err)
	}
	return pending.Count, nil
}

func entriesFromStreams(streams []redis.XStream, reclaimed bool) []Entry {
	var entries []Entry
	for _, s := range streams {
		entries = append(entries, entriesFromMessages(s.Messages, reclaimed)...)
	}
	return entries
}

func entriesFromMessages(msgs []redis.XMessage, reclaimed bool) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{
			ID:        m.ID,
			Payload:   payloadFromValues(m.Values),
			Reclaimed: reclaimed,
		})
	}
	return entries
}

func payloadFromValues(values map[string]any) []byte {
	switch v := values[PayloadField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}
