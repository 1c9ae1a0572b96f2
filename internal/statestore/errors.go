// Package statestore is the typed HTTP client for the state-store REST
// API, the collaborator that owns all durable entities. Every request
// carries the correlation id, is retried with exponential backoff on
// transient failures, and flows through a circuit breaker.
package statestore

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a state-store failure for the caller's policy.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindHTTP4xx     ErrorKind = "http_4xx"
	KindHTTP5xx     ErrorKind = "http_5xx"
	KindCircuitOpen ErrorKind = "circuit_open"
)

// Error is the typed error every client method returns on failure.
type Error struct {
	Kind       ErrorKind
	Op         string // "GET /api/users/42"
	StatusCode int    // zero for network and circuit errors
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("state store %s: %s (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("state store %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt.
// Client-side 4xx responses never are.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindHTTP5xx
}

// KindOf extracts the error kind, or "" for non-store errors.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsRetryable reports whether err is a retryable state-store failure.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}
