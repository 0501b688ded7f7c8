package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

type recordingSleep struct {
	delays []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func TestBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		0:  1 * time.Second,
		1:  2 * time.Second,
		2:  4 * time.Second,
		3:  8 * time.Second,
		4:  10 * time.Second,
		10: 10 * time.Second,
		63: 10 * time.Second,
	}
	for attempt, want := range cases {
		if got := Backoff(attempt); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestRetrier_SucceedsAfterMaxRetriesFailures(t *testing.T) {
	s := &recordingSleep{}
	r := Retrier{MaxRetries: 3, Sleep: s.sleep}

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls <= 3 {
			return StatusError("test", http.StatusInternalServerError, "boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 4 {
		t.Errorf("expected 4 attempts, got %d", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(s.delays) != len(want) {
		t.Fatalf("expected %d sleeps, got %d", len(want), len(s.delays))
	}
	for i := range want {
		if s.delays[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, s.delays[i], want[i])
		}
	}
}

func TestRetrier_ExhaustsCeiling(t *testing.T) {
	r := Retrier{MaxRetries: 2, Sleep: (&recordingSleep{}).sleep}

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return StatusError("test", http.StatusServiceUnavailable, "down")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}
	var pErr *Error
	if !errors.As(err, &pErr) || pErr.Kind != KindServer {
		t.Errorf("expected server error to propagate, got %v", err)
	}
}

func TestRetrier_NonRetryableStopsImmediately(t *testing.T) {
	for _, status := range []int{401, 403, 400, 422, 404} {
		s := &recordingSleep{}
		r := Retrier{MaxRetries: 5, Sleep: s.sleep}

		calls := 0
		err := r.Do(context.Background(), func(ctx context.Context) error {
			calls++
			return StatusError("test", status, "")
		})
		if err == nil {
			t.Fatalf("status %d: expected error", status)
		}
		if calls != 1 {
			t.Errorf("status %d: expected 1 attempt, got %d", status, calls)
		}
		if len(s.delays) != 0 {
			t.Errorf("status %d: expected no backoff, got %v", status, s.delays)
		}
	}
}

func TestRetrier_TimeoutIsRetried(t *testing.T) {
	r := Retrier{MaxRetries: 1, Timeout: 10 * time.Millisecond, Sleep: (&recordingSleep{}).sleep}

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return TransportError("test", ctx.Err())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on second attempt, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}

func TestRetrier_CanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := Retrier{MaxRetries: 3, Sleep: func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}}

	calls := 0
	err := r.Do(ctx, func(ctx context.Context) error {
		calls++
		return StatusError("test", http.StatusBadGateway, "")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", calls)
	}
}

func TestStatusErrorClassification(t *testing.T) {
	cases := map[int]ErrorKind{
		401: KindAuth,
		403: KindAuth,
		400: KindInvalidRequest,
		422: KindInvalidRequest,
		404: KindNotFound,
		408: KindTimeout,
		429: KindRateLimited,
		500: KindServer,
		503: KindServer,
		418: KindServer,
	}
	for status, want := range cases {
		if got := StatusError("p", status, "").Kind; got != want {
			t.Errorf("status %d: kind %s, want %s", status, got, want)
		}
	}

	if !IsRetryable(errors.New("plain")) {
		t.Error("unclassified errors should be retryable")
	}
	if !IsRetryable(TransportError("p", context.DeadlineExceeded)) {
		t.Error("timeouts should be retryable")
	}
	if TransportError("p", context.DeadlineExceeded).Kind != KindTimeout {
		t.Error("deadline should classify as timeout")
	}
}
