package engine

import (
	"context"
	"time"

	"github.com/synthesis-run/synthesis/internal/adapters"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

const (
	defaultRetryDelay    = time.Second
	defaultRetryMaxDelay = 60 * time.Second
)

// IsRetryableError classifies whether a failed attempt may be retried.
// Cancellation never is; everything else follows the adapter
// classification, so unknown failures are terminal.
func IsRetryableError(err error) bool {
	if err == nil || schema.IsCode(err, schema.ErrCodeCancelled) {
		return false
	}
	return adapters.Retryable(err)
}

// shouldRetry reports whether another attempt is allowed after retries
// retries have already been made.
func shouldRetry(policy *schema.RetryPolicy, retries int, err error) bool {
	if policy == nil || retries >= policy.Max {
		return false
	}
	return IsRetryableError(err)
}

// ComputeBackoff calculates the delay before retry number n (1-based).
// Fixed backoff waits delay every time; exponential waits delay*2^(n-1),
// capped by max_delay.
func ComputeBackoff(policy *schema.RetryPolicy, n int) time.Duration {
	if policy == nil {
		return 0
	}
	base := parseDurationOr(policy.Delay, defaultRetryDelay)
	if policy.Backoff != "exponential" || base == 0 {
		return base
	}

	maxDelay := parseDurationOr(policy.MaxDelay, defaultRetryMaxDelay)
	delay := base
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if the context is cancelled.
// Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
