package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Factor:       2.0,
	}
}

func TestDo_Success(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		calls++
		return nil
	})
	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 1 || calls != 1 {
		t.Errorf("expected 1 attempt, got %d attempts / %d calls", result.Attempts, calls)
	}
}

func TestDo_RetryThenSuccess(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	if result.Err != nil {
		t.Errorf("expected success, got %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("always fails")
	calls := 0
	result := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(result.Err, wantErr) {
		t.Errorf("expected last error, got %v", result.Err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
		calls++
		return Permanent(errors.New("bad request"))
	})
	if calls != 1 {
		t.Errorf("permanent error retried: %d calls", calls)
	}
	if !IsPermanent(result.Err) {
		t.Errorf("expected permanent error, got %v", result.Err)
	}
}

func TestDo_RetryableFilter(t *testing.T) {
	notWorthIt := errors.New("validation failed")
	cfg := fastConfig(5)
	cfg.Retryable = func(err error) bool { return !errors.Is(err, notWorthIt) }

	calls := 0
	result := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return notWorthIt
	})
	if calls != 1 {
		t.Errorf("non-retryable error retried: %d calls", calls)
	}
	if !errors.Is(result.Err, notWorthIt) {
		t.Errorf("unexpected error: %v", result.Err)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := Do(ctx, fastConfig(3), func(ctx context.Context) error {
		t.Error("op called after cancellation")
		return nil
	})
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
}

func TestDoWithValue(t *testing.T) {
	calls := 0
	value, result := DoWithValue(context.Background(), fastConfig(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})
	if result.Err != nil || value != "ok" {
		t.Errorf("got (%q, %v)", value, result.Err)
	}
}

func TestBackoff_Caps(t *testing.T) {
	if d := Backoff(1, time.Second, 10*time.Second, 2.0); d != time.Second {
		t.Errorf("attempt 1: %s", d)
	}
	if d := Backoff(3, time.Second, 10*time.Second, 2.0); d != 4*time.Second {
		t.Errorf("attempt 3: %s", d)
	}
	if d := Backoff(10, time.Second, 10*time.Second, 2.0); d != 10*time.Second {
		t.Errorf("attempt 10 not capped: %s", d)
	}
}
