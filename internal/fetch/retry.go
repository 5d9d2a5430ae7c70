package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/oddswatch/internal/logger"
)

// RetryPolicy is exponential backoff around an operation. Rate-limit failures
// grow the delay twice as fast as other failures.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries int

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns 1s initial delay, 60s cap, ×2 growth, 5 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   5,
	}
}

// NextDelay returns the delay to sleep after a failure, given the previous delay.
func (p RetryPolicy) NextDelay(prev time.Duration, rateLimited bool) time.Duration {
	factor := p.Multiplier
	if rateLimited {
		factor *= 2
	}
	next := time.Duration(float64(prev) * factor)
	if next > p.MaxDelay || next < 0 {
		next = p.MaxDelay
	}
	return next
}

// Do runs op until it succeeds, fails with a non-retryable error, or
// MaxRetries attempts have been made. The last failure is returned wrapped in
// ErrRetriesExhausted; no sleep follows the final attempt.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	delay := p.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}

		rateLimited := IsRateLimit(err)
		delay = p.NextDelay(delay, rateLimited)
		logger.Debug("attempt %d/%d failed (rate_limited=%t), retrying in %v: %v", attempt, attempts, rateLimited, delay, err)

		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry aborted: %w", err)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

// Retry is Do for operations that return a value.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
