// Package fetch governs every outbound call to a rate-limited venue:
// a per-venue token bucket, an exponential retry policy, and the fetcher composing both.
package fetch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// minWaitStep is the floor for a single sleep while waiting for tokens.
const minWaitStep = 10 * time.Millisecond

// TokenBucket throttles requests to one venue. Bursts up to capacity are
// allowed immediately; sustained throughput converges to rate per second.
// Safe for concurrent use.
type TokenBucket struct {
	mu       sync.Mutex
	lim      *rate.Limiter
	rate     float64
	capacity float64
	now      func() time.Time
}

// NewTokenBucket creates a full bucket. A non-positive capacity defaults to 2×rate.
func NewTokenBucket(ratePerSecond, capacity float64) *TokenBucket {
	if capacity <= 0 {
		capacity = 2 * ratePerSecond
	}
	burst := int(math.Floor(capacity))
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{
		lim:      rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		rate:     ratePerSecond,
		capacity: float64(burst),
		now:      time.Now,
	}
}

// Rate returns the refill rate in tokens per second.
func (b *TokenBucket) Rate() float64 { return b.rate }

// Capacity returns the maximum number of tokens the bucket holds.
func (b *TokenBucket) Capacity() float64 { return b.capacity }

// Tokens returns the tokens available right now.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lim.TokensAt(b.now())
}

// Acquire takes n tokens if they are available. It never blocks and leaves
// the bucket untouched when it fails.
func (b *TokenBucket) Acquire(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lim.AllowN(b.now(), n)
}

// Wait blocks until n tokens are acquired or ctx is done. Between attempts it
// sleeps for the time the shortfall needs to refill, never less than 10ms.
func (b *TokenBucket) Wait(ctx context.Context, n int) error {
	if float64(n) > b.capacity {
		return fmt.Errorf("%w: want %d, capacity %.0f", ErrExceedsCapacity, n, b.capacity)
	}
	for {
		if b.Acquire(n) {
			return nil
		}
		step := minWaitStep
		if b.rate > 0 {
			shortfall := (float64(n) - b.Tokens()) / b.rate
			if d := time.Duration(shortfall * float64(time.Second)); d > step {
				step = d
			}
		}
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
