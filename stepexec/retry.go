package stepexec

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	render "github.com/nevindra/renderpipe"
)

// RetryOption configures RetryTransient.
type RetryOption func(*retryConfig)

type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryMaxAttempts sets the maximum number of attempts (default 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(c *retryConfig) { c.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default 1s). Each subsequent delay doubles, plus jitter.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(c *retryConfig) { c.baseDelay = d }
}

// RetryLogger sets the logger used to report each retry attempt.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(c *retryConfig) { c.logger = l }
}

// RetryTransient calls fn until it succeeds, fn's error is not a
// render.TransientError, attempts are exhausted, or ctx is canceled. This is
// the step-internal retry a StepExecutor uses to absorb flaky provider
// calls: its externally observable contract is still just "success"
// or "error" once exhausted — the caller's error then surfaces as a
// StepFailed transition.
func RetryTransient[T any](ctx context.Context, name string, fn func() (T, error), opts ...RetryOption) (T, error) {
	cfg := retryConfig{maxAttempts: 3, baseDelay: time.Second}
	for _, o := range opts {
		o(&cfg)
	}

	var zero T
	var last error
	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		var transient *render.TransientError
		if !errors.As(err, &transient) {
			return zero, err
		}
		last = err
		if cfg.logger != nil {
			cfg.logger.Warn("transient provider error, retrying",
				"provider", name, "attempt", attempt+1, "max_attempts", cfg.maxAttempts, "error", err)
		}
		if attempt == cfg.maxAttempts-1 {
			break
		}
		delay := retryDelay(cfg.baseDelay, attempt, transient)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, last
}

// retryDelay computes the delay before a retry attempt: exponential
// backoff with jitter, floored by the provider's Retry-After hint if it
// reported one larger than the computed backoff.
func retryDelay(base time.Duration, attempt int, transient *render.TransientError) time.Duration {
	backoff := retryBackoff(base, attempt)
	if ra := time.Duration(transient.RetryAfter) * time.Second; ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns base * 2^attempt plus up to 50% jitter.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	exp := base * (1 << attempt)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}
