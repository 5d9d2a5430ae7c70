package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	mu       sync.Mutex
	attempts int
	failures int
}

func (o *countingObserver) ObserveAttempt(venue string, elapsed time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
	if err != nil {
		o.failures++
	}
}

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		MaxRetries:   maxRetries,
	}
}

func TestFetcher_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "oddswatch", r.Header.Get("User-Agent"))
		assert.Equal(t, "geopolitics", r.URL.Query().Get("tag_slug"))
		_, _ = w.Write([]byte(`{"markets":[{"ticker":"ABC"}]}`))
	}))
	defer srv.Close()

	f := NewFetcher("kalshi", NewTokenBucket(100, 0), fastPolicy(3), WithHeader("User-Agent", "oddswatch"))

	var out struct {
		Markets []struct {
			Ticker string `json:"ticker"`
		} `json:"markets"`
	}
	err := f.GetJSON(context.Background(), srv.URL+"/markets", url.Values{"tag_slug": {"geopolitics"}}, &out)
	require.NoError(t, err)
	require.Len(t, out.Markets, 1)
	assert.Equal(t, "ABC", out.Markets[0].Ticker)
	assert.Equal(t, "kalshi", f.Venue())
}

func TestFetcher_RetriesAndWaitsOnEveryAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	limiter := NewTokenBucket(1000, 5)
	obs := &countingObserver{}
	f := NewFetcher("polymarket", limiter, fastPolicy(5), WithObserver(obs))

	body, err := f.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(body))
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 3, obs.attempts)
	assert.Equal(t, 2, obs.failures)
}

func TestFetcher_RetryStormConsumesTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	limiter, _ := newClockedBucket(0.001, 4)
	f := NewFetcher("kalshi", limiter, fastPolicy(3))

	_, err := f.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)

	// Three attempts took three tokens from a frozen-clock bucket of four.
	assert.InDelta(t, 1.0, limiter.Tokens(), 1e-9)
}

func TestFetcher_ClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher("kalshi", NewTokenBucket(100, 0), fastPolicy(5))
	_, err := f.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetcher_DecodeErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	f := NewFetcher("kalshi", NewTokenBucket(100, 0), fastPolicy(5))
	var out map[string]any
	err := f.GetJSON(context.Background(), srv.URL, nil, &out)
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetcher_TimeoutIsBounded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewFetcher("kalshi", NewTokenBucket(100, 0), fastPolicy(2), WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := f.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
