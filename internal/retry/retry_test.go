package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0

	err := Do(context.Background(), zap.NewNop(), "test-op", 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	permanent := errors.New("partner rejected")

	start := time.Now()
	err := Do(context.Background(), zap.NewNop(), "test-op", 3, 10*time.Millisecond, func(ctx context.Context) error {
		calls++
		return permanent
	})
	elapsed := time.Since(start)

	if calls != 3 {
		t.Fatalf("calls = %d, want exactly 3", calls)
	}
	if !errors.Is(err, permanent) {
		t.Fatalf("expected wrapped permanent error, got %v", err)
	}

	// Задержки base и 2*base между тремя попытками.
	if elapsed < 30*time.Millisecond {
		t.Fatalf("elapsed = %v, want >= 30ms of backoff", elapsed)
	}
}

func TestDo_ZeroAttemptsMeansSingleCall(t *testing.T) {
	calls := 0
	failure := errors.New("transient")

	err := Do(context.Background(), zap.NewNop(), "test-op", 0, time.Millisecond, func(ctx context.Context) error {
		calls++
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want exactly 1", calls)
	}
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Do(ctx, zap.NewNop(), "test-op", 10, 50*time.Millisecond, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if err == nil {
		t.Fatalf("expected error after cancellation")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
