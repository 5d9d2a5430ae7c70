package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClockedBucket(rate, capacity float64) (*TokenBucket, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewTokenBucket(rate, capacity)
	b.now = clock.Now
	return b, clock
}

func TestTokenBucket_DefaultCapacity(t *testing.T) {
	b := NewTokenBucket(5, 0)
	assert.Equal(t, 10.0, b.Capacity())
	assert.Equal(t, 5.0, b.Rate())
}

func TestTokenBucket_BurstNeverExceedsCapacity(t *testing.T) {
	b, _ := newClockedBucket(2, 4)

	granted := 0
	for i := 0; i < 10; i++ {
		if b.Acquire(1) {
			granted++
		}
	}
	assert.Equal(t, 4, granted)
}

func TestTokenBucket_RefillIsCappedAtCapacity(t *testing.T) {
	b, clock := newClockedBucket(10, 3)
	for i := 0; i < 3; i++ {
		require.True(t, b.Acquire(1))
	}
	require.False(t, b.Acquire(1))

	clock.Advance(time.Hour)
	assert.InDelta(t, 3.0, b.Tokens(), 1e-9)

	granted := 0
	for i := 0; i < 5; i++ {
		if b.Acquire(1) {
			granted++
		}
	}
	assert.Equal(t, 3, granted)
}

func TestTokenBucket_FailedAcquireHasNoSideEffect(t *testing.T) {
	b, clock := newClockedBucket(1, 2)
	require.True(t, b.Acquire(2))

	clock.Advance(500 * time.Millisecond)
	before := b.Tokens()
	assert.False(t, b.Acquire(1))
	assert.InDelta(t, before, b.Tokens(), 1e-9)

	clock.Advance(500 * time.Millisecond)
	assert.True(t, b.Acquire(1))
}

func TestTokenBucket_WaitRejectsImpossibleRequest(t *testing.T) {
	b := NewTokenBucket(1, 2)
	err := b.Wait(context.Background(), 3)
	assert.True(t, errors.Is(err, ErrExceedsCapacity))
}

func TestTokenBucket_WaitHonorsContext(t *testing.T) {
	b := NewTokenBucket(0.1, 1)
	require.True(t, b.Acquire(1))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := b.Wait(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTokenBucket_SustainedThroughputConvergesToRate(t *testing.T) {
	const rate = 100.0
	b := NewTokenBucket(rate, 1)

	start := time.Now()
	for i := 0; i < 21; i++ {
		require.NoError(t, b.Wait(context.Background(), 1))
	}
	elapsed := time.Since(start)

	// The first token comes from the full bucket; the other 20 need ≥ 200ms of refill.
	assert.GreaterOrEqual(t, elapsed, 190*time.Millisecond)
}

func TestTokenBucket_ConcurrentCallers(t *testing.T) {
	b, _ := newClockedBucket(1, 25)

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Acquire(1) {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(25), granted.Load())
}
