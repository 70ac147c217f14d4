package slonik

import (
	"context"
	"errors"
	"testing"
)

var errTransient = errors.New("transient")

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestRetryWithLimit_SucceedsAfterRetries(t *testing.T) {
	var attempts []int
	err := retryWithLimit(context.Background(), 3, func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return errTransient
		}
		return nil
	}, isTransient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("unexpected attempts: %v", attempts)
	}
}

func TestRetryWithLimit_StopsAtLimit(t *testing.T) {
	calls := 0
	err := retryWithLimit(context.Background(), 2, func(int) error {
		calls++
		return errTransient
	}, isTransient)
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryWithLimit_PermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := retryWithLimit(context.Background(), 5, func(int) error {
		calls++
		return permanent
	}, isTransient)
	if err != permanent {
		t.Fatalf("expected the permanent error unwrapped, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryWithLimit_NegativeLimitRunsOnce(t *testing.T) {
	calls := 0
	_ = retryWithLimit(context.Background(), -1, func(int) error {
		calls++
		return errTransient
	}, isTransient)
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryWithLimit_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryWithLimit(ctx, 10, func(int) error {
		calls++
		cancel()
		return errTransient
	}, isTransient)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if calls != 1 {
		t.Fatalf("expected retries to stop after cancellation, got %d calls", calls)
	}
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected the last failure to be kept, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the context error to be kept, got %v", err)
	}
}

func TestRetryWithLimit_ContextCancelledKeepsServerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := retryWithLimit(ctx, 3, func(int) error {
		cancel()
		return &DriverError{Code: "40001", Message: "could not serialize access"}
	}, isRetryableError)
	if got := SQLState(err); got != "40001" {
		t.Fatalf("expected SQLSTATE 40001, got %q (%v)", got, err)
	}
	if Classify(err) != ErrClassRetryable {
		t.Fatalf("expected a retryable classification, got %v", Classify(err))
	}
}
