// Package retry provides bounded retry with exponential backoff for the
// core's outbound calls (state store, stream broker, LLM providers).
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor is the multiplier for exponential backoff.
	Factor float64
	// Jitter randomizes delays by a factor in [0.5, 1.5].
	Jitter bool
	// Retryable decides whether an error is worth another attempt.
	// Nil means every non-permanent error is retried.
	Retryable func(error) bool
}

// Exponential returns a jittered exponential-backoff config, the shape
// every HTTP call in the core uses (max 3 attempts, 1s..10s by default).
func Exponential(maxAttempts int, initial, max time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: initial,
		MaxDelay:     max,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Result is the outcome of a retried operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error, nil on success.
	Err error
}

// Do executes op until it succeeds, the attempt budget is exhausted,
// the error is non-retryable, or ctx is cancelled.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) Result {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2.0
	}

	var result Result
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.Err = err
			return result
		}

		err := op(ctx)
		if err == nil {
			result.Err = nil
			return result
		}
		result.Err = err

		if IsPermanent(err) {
			return result
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return result
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		sleep := Backoff(attempt, cfg.InitialDelay, cfg.MaxDelay, cfg.Factor)
		if cfg.Jitter {
			jitter := 0.5 + rand.Float64() // #nosec G404 -- jitter needs no crypto randomness
			sleep = time.Duration(float64(sleep) * jitter)
		}
		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			return result
		case <-time.After(sleep):
		}
	}
	return result
}

// DoWithValue retries an operation that returns a value.
func DoWithValue[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, Result) {
	var value T
	result := Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		value, err = op(ctx)
		return err
	})
	return value, result
}

// Backoff computes the delay before the attempt following `attempt`.
func Backoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}

// PermanentError marks an error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
