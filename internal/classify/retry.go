package classify

import (
	"context"
	"errors"
	"math"
	"time"

	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
)

// RetryPolicy controls the upstream retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the production retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    8 * time.Second,
	}
}

// Retry runs fn up to MaxAttempts times with exponential backoff.
// Non-retryable errors short-circuit; context cancellation always stops the
// loop. onRetry, when set, observes each retry decision.
func Retry(ctx context.Context, policy RetryPolicy, fn func(attempt int) error, onRetry func(attempt int, err error)) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var provErr *llmerrors.ProviderError
		if errors.As(lastErr, &provErr) && !provErr.Retryable {
			return lastErr
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, lastErr)
		}

		delay := time.Duration(float64(policy.BaseDelay) * math.Pow(policy.Multiplier, float64(attempt)))
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
