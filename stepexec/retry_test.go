package stepexec

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	render "github.com/nevindra/renderpipe"
)

func TestRetryTransientSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	got, err := RetryTransient(context.Background(), "tts", func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", &render.TransientError{Provider: "tts", Message: "rate limited"}
		}
		return "ok", nil
	}, RetryBaseDelay(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want ok", got)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryTransientStopsOnNonTransientError(t *testing.T) {
	hard := errors.New("model not found")
	attempts := 0
	_, err := RetryTransient(context.Background(), "images", func() (int, error) {
		attempts++
		return 0, hard
	}, RetryBaseDelay(time.Millisecond))
	if err != hard {
		t.Fatalf("expected non-transient error passthrough, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on a non-transient error)", attempts)
	}
}

func TestRetryTransientExhaustsAttempts(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	attempts := 0
	_, err := RetryTransient(context.Background(), "asr", func() (int, error) {
		attempts++
		return 0, &render.TransientError{Provider: "asr", Message: "timeout"}
	}, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond), RetryLogger(logger))
	var transient *render.TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected the last transient error after exhaustion, got %T: %v", err, err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetryTransientObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	_, err := RetryTransient(ctx, "music", func() (int, error) {
		attempts++
		return 0, &render.TransientError{Provider: "music", Message: "unavailable"}
	}, RetryBaseDelay(time.Hour))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled while waiting to retry, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (canceled before the second attempt)", attempts)
	}
}
