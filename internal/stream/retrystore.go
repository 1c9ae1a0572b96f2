package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRetryTTL is how long a retry counter survives without being
// touched. It must comfortably exceed the reclaim interval times
// MaxRetries so counters persist across consumer crashes.
const DefaultRetryTTL = time.Hour

// RetryStore tracks per-stream-message attempt counters in Redis,
// outside the durable stream, so counts survive consumer restarts and
// entry reclamation. INCR and EXPIRE run in one pipeline so the counter
// is atomic and always has a TTL.
type RetryStore struct {
	rdb    redis.UniversalClient
	stream string
	ttl    time.Duration
}

// NewRetryStore creates a retry store for the given stream.
func NewRetryStore(rdb redis.UniversalClient, stream string, ttl time.Duration) *RetryStore {
	if ttl <= 0 {
		ttl = DefaultRetryTTL
	}
	return &RetryStore{rdb: rdb, stream: stream, ttl: ttl}
}

func (s *RetryStore) key(messageID string) string {
	return fmt.Sprintf("retry:%s:%s", s.stream, messageID)
}

// Incr bumps the attempt counter for a message and returns the new
// count. The TTL is refreshed on every increment.
func (s *RetryStore) Incr(ctx context.Context, messageID string) (int, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, s.key(messageID))
	pipe.Expire(ctx, s.key(messageID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: incr retry %s: %v", ErrBrokerUnavailable, messageID, err)
	}
	return int(incr.Val()), nil
}

// Get returns the current attempt count, zero if none.
func (s *RetryStore) Get(ctx context.Context, messageID string) (int, error) {
	n, err := s.rdb.Get(ctx, s.key(messageID)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: get retry %s: %v", ErrBrokerUnavailable, messageID, err)
	}
	return n, nil
}

// Clear removes the counter after an entry is ack'd or dead-lettered.
func (s *RetryStore) Clear(ctx context.Context, messageID string) error {
	if err := s.rdb.Del(ctx, s.key(messageID)).Err(); err != nil {
		return fmt.Errorf("%w: clear retry %s: %v", ErrBrokerUnavailable, messageID, err)
	}
	return nil
}
