package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingPolicy(maxRetries int) (RetryPolicy, *[]time.Duration) {
	var slept []time.Duration
	p := RetryPolicy{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		MaxRetries:   maxRetries,
		sleep: func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	return p, &slept
}

func TestRetryPolicy_SucceedsAfterTransientFailures(t *testing.T) {
	p, slept := recordingPolicy(5)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: http.StatusBadGateway}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *slept)
}

func TestRetryPolicy_RateLimitDoublesGrowth(t *testing.T) {
	p, slept := recordingPolicy(4)

	err := p.Do(context.Background(), func(ctx context.Context) error {
		return &StatusError{StatusCode: http.StatusTooManyRequests}
	})

	require.Error(t, err)
	// 1s×4 = 4s, 4s×4 = 16s capped to 10s, then 10s; no sleep after the final attempt.
	assert.Equal(t, []time.Duration{4 * time.Second, 10 * time.Second, 10 * time.Second}, *slept)
}

func TestRetryPolicy_ExhaustionReturnsLastError(t *testing.T) {
	p, slept := recordingPolicy(3)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("attempt %d: connection reset", calls)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *slept, 2)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Contains(t, err.Error(), "attempt 3")
}

func TestRetryPolicy_NonRetryableFailsFast(t *testing.T) {
	p, slept := recordingPolicy(5)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &StatusError{StatusCode: http.StatusNotFound}
	})

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
	assert.False(t, errors.Is(err, ErrRetriesExhausted))
}

func TestRetryPolicy_PermanentFailsFast(t *testing.T) {
	p, _ := recordingPolicy(5)
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(errors.New("bad request"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_CancelledContextStopsRetrying(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2, MaxRetries: 5}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(ctx context.Context) error {
			calls++
			return errors.New("timeout")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestRetry_ReturnsValue(t *testing.T) {
	p, _ := recordingPolicy(3)
	calls := 0
	v, err := Retry(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", fmt.Errorf("wrapped: %w", ErrRateLimited)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestIsRateLimit(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &StatusError{StatusCode: 429}, true},
		{"wrapped 429", fmt.Errorf("fetch: %w", &StatusError{StatusCode: 429}), true},
		{"sentinel", fmt.Errorf("venue said: %w", ErrRateLimited), true},
		{"500", &StatusError{StatusCode: 500}, false},
		{"message only", errors.New("rate limit exceeded"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRateLimit(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("dial tcp: i/o timeout")))
	assert.True(t, IsRetryable(&StatusError{StatusCode: 503}))
	assert.True(t, IsRetryable(&StatusError{StatusCode: 429}))
	assert.True(t, IsRetryable(&StatusError{StatusCode: 408}))
	assert.False(t, IsRetryable(&StatusError{StatusCode: 400}))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(Permanent(errors.New("x"))))
	assert.False(t, IsRetryable(nil))
}
