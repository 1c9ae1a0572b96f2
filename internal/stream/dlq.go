package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxErrorMessageLen bounds the error_message field on DLQ entries.
const maxErrorMessageLen = 500

// DLQEntry is one dead-lettered message plus its failure metadata.
type DLQEntry struct {
	ID                string
	Payload           []byte
	OriginalMessageID string
	ErrorType         string
	ErrorMessage      string
	RetryCount        int
	FailedAt          time.Time
	UserID            *int64
}

// DLQName returns the dead-letter stream for this client's stream.
func (c *Client) DLQName() string {
	return c.stream + DLQSuffix
}

// SendToDLQ appends a failed entry to the dead-letter stream. The
// original entry must still be acknowledged by the caller afterwards.
func (c *Client) SendToDLQ(ctx context.Context, originalID string, payload []byte, errorType, errorMessage string, retryCount int, userID *int64) error {
	values := map[string]any{
		PayloadField:          payload,
		"original_message_id": originalID,
		"error_type":          errorType,
		"error_message":       truncateError(errorMessage),
		"retry_count":         strconv.Itoa(retryCount),
		"failed_at":           time.Now().UTC().Format(time.RFC3339),
	}
	if userID != nil {
		values["user_id"] = strconv.FormatInt(*userID, 10)
	}
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: c.DLQName(), Values: values}).Err(); err != nil {
		return fmt.Errorf("%w: dead-letter %s: %v", ErrBrokerUnavailable, originalID, err)
	}
	c.logger.WarnContext(ctx, "entry dead-lettered",
		"stream", c.stream, "original_id", originalID,
		"error_type", errorType, "retry_count", retryCount)
	return nil
}

// ReadDLQ returns up to count dead-lettered entries, oldest first.
func (c *Client) ReadDLQ(ctx context.Context, count int) ([]DLQEntry, error) {
	if count <= 0 {
		count = 10
	}
	msgs, err := c.rdb.XRangeN(ctx, c.DLQName(), "-", "+", int64(count)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read dlq %s: %v", ErrBrokerUnavailable, c.DLQName(), err)
	}
	entries := make([]DLQEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, dlqEntryFromValues(m.ID, m.Values))
	}
	return entries, nil
}

// DeleteFromDLQ permanently removes a dead-lettered entry.
func (c *Client) DeleteFromDLQ(ctx context.Context, id string) error {
	if err := c.rdb.XDel(ctx, c.DLQName(), id).Err(); err != nil {
		return fmt.Errorf("%w: delete %s from dlq: %v", ErrBrokerUnavailable, id, err)
	}
	return nil
}

// RequeueFromDLQ re-appends a dead-lettered payload onto the main
// stream and deletes it from the DLQ. The requeued entry gets a fresh
// id and a fresh retry budget.
func (c *Client) RequeueFromDLQ(ctx context.Context, id string) (string, error) {
	msgs, err := c.rdb.XRange(ctx, c.DLQName(), id, id).Result()
	if err != nil {
		return "", fmt.Errorf("%w: load dlq entry %s: %v", ErrBrokerUnavailable, id, err)
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("dlq entry %s not found", id)
	}
	payload := payloadFromValues(msgs[0].Values)
	if payload == nil {
		return "", fmt.Errorf("dlq entry %s has no payload", id)
	}
	newID, err := c.Add(ctx, payload)
	if err != nil {
		return "", err
	}
	if err := c.DeleteFromDLQ(ctx, id); err != nil {
		return newID, err
	}
	c.logger.InfoContext(ctx, "dlq entry requeued", "dlq_id", id, "new_id", newID)
	return newID, nil
}

// DLQLength returns the number of entries on the dead-letter stream.
func (c *Client) DLQLength(ctx context.Context) (int64, error) {
	n, err := c.rdb.XLen(ctx, c.DLQName()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: dlq length: %v", ErrBrokerUnavailable, err)
	}
	return n, nil
}

func dlqEntryFromValues(id string, values map[string]any) DLQEntry {
	entry := DLQEntry{
		ID:                id,
		Payload:           payloadFromValues(values),
		OriginalMessageID: stringValue(values, "original_message_id"),
		ErrorType:         stringValue(values, "error_type"),
		ErrorMessage:      stringValue(values, "error_message"),
	}
	if rc, err := strconv.Atoi(stringValue(values, "retry_count")); err == nil {
		entry.RetryCount = rc
	}
	if at, err := time.Parse(time.RFC3339, stringValue(values, "failed_at")); err == nil {
		entry.FailedAt = at
	}
	if uid, err := strconv.ParseInt(stringValue(values, "user_id"), 10, 64); err == nil {
		entry.UserID = &uid
	}
	return entry
}

func stringValue(values map[string]any, key string) string {
	s, _ := values[key].(string)
	return s
}

func truncateError(msg string) string {
	if len(msg) <= maxErrorMessageLen {
		return msg
	}
	return msg[:maxErrorMessageLen]
}
