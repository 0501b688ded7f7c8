package provider

import (
	"context"
	"time"
)

const (
	baseBackoff = 1000 * time.Millisecond
	maxBackoff  = 10000 * time.Millisecond
)

// Backoff returns min(1s * 2^attempt, 10s).
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 4 {
		return maxBackoff
	}
	d := baseBackoff << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func ContextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retrier runs one attempt per call of fn, at most MaxRetries+1 times.
type Retrier struct {
	MaxRetries int
	// Timeout bounds every single attempt. Zero means no per-attempt bound.
	Timeout time.Duration
	Sleep   SleepFunc
}

func (r Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := r.Sleep
	if sleep == nil {
		sleep = ContextSleep
	}

	var lastErr error
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, Backoff(attempt-1)); err != nil {
				return lastErr
			}
		}

		lastErr = r.attempt(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (r Retrier) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.Timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	return fn(attemptCtx)
}
