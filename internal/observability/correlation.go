package observability

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	userIDKey        contextKey = "user_id"
)

// CorrelationHeader is the HTTP header the state-store client sends the
// correlation id in.
const CorrelationHeader = "X-Correlation-ID"

// NewCorrelationID generates a fresh correlation id for an inbound
// stream entry.
func NewCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelationID annotates ctx with a correlation id. Empty ids are
// replaced with a fresh one so downstream calls are always traceable.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewCorrelationID()
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation id carried by ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// WithUserID annotates ctx with the user the current work is for.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the user id carried by ctx.
func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}
