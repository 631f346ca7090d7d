package stripe

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v84"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaximumBackoff: 2 * time.Millisecond}
}

func TestRetryStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), "get intent", func(context.Context) error {
		calls++
		return &stripe.Error{HTTPStatusCode: http.StatusServiceUnavailable}
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), "create intent", func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestRetryDoesNotRepeatPermanentErrors(t *testing.T) {
	calls := 0
	declined := &stripe.Error{HTTPStatusCode: http.StatusPaymentRequired, Type: stripe.ErrorTypeCard}
	err := Retry(context.Background(), fastPolicy(), "create intent", func(context.Context) error {
		calls++
		return declined
	})
	if !errors.Is(err, declined) {
		t.Fatalf("expected wrapped gateway error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestRetryHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Retry(ctx, fastPolicy(), "get intent", func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) || calls != 0 {
		t.Fatalf("expected cancellation before any attempt, got %v after %d calls", err, calls)
	}
}

func TestRetryReportsAttemptsInError(t *testing.T) {
	unavailable := &stripe.Error{HTTPStatusCode: http.StatusServiceUnavailable}
	err := Retry(context.Background(), fastPolicy(), "get intent", func(context.Context) error {
		return unavailable
	})
	if !errors.Is(err, unavailable) {
		t.Fatalf("expected wrapped gateway error, got %v", err)
	}
	if got := err.Error(); !strings.HasPrefix(got, "get intent after 3 attempt(s):") {
		t.Fatalf("unexpected error text %q", got)
	}
}

func TestRetryBackoffIsCappedAndBounded(t *testing.T) {
	b := RetryPolicy{MaxAttempts: 4, InitialBackoff: 10 * time.Millisecond, MaximumBackoff: 15 * time.Millisecond}.backoff()
	want := []time.Duration{10 * time.Millisecond, 15 * time.Millisecond, 15 * time.Millisecond}
	for i, w := range want {
		next, stop := b.Next()
		if stop || next != w {
			t.Fatalf("step %d: got %v stop=%v, want %v", i, next, stop, w)
		}
	}
	if _, stop := b.Next(); !stop {
		t.Fatalf("expected backoff to stop after %d retries", len(want))
	}
}
