package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 32 << 20

// Observer is notified of every request attempt, successful or not.
type Observer interface {
	ObserveAttempt(venue string, elapsed time.Duration, err error)
}

// Fetcher is the only path venue adapters use to reach the network. Every
// attempt, retries included, first waits for a token, then performs the
// request, then validates the response status.
type Fetcher struct {
	venue      string
	limiter    *TokenBucket
	policy     RetryPolicy
	httpClient *http.Client
	header     http.Header
	observer   Observer
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.httpClient.Timeout = d
	}
}

// WithHTTPClient sets a custom HTTP client. A zero Timeout is replaced by 30s.
func WithHTTPClient(hc *http.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = hc
	}
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) {
		f.header.Set(key, value)
	}
}

// WithObserver registers an attempt observer.
func WithObserver(o Observer) Option {
	return func(f *Fetcher) {
		f.observer = o
	}
}

// NewFetcher creates a fetcher for one venue.
func NewFetcher(venue string, limiter *TokenBucket, policy RetryPolicy, opts ...Option) *Fetcher {
	f := &Fetcher{
		venue:   venue,
		limiter: limiter,
		policy:  policy,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		header: make(http.Header),
	}
	f.header.Set("Accept", "application/json")
	for _, opt := range opts {
		opt(f)
	}
	if f.httpClient.Timeout <= 0 {
		f.httpClient.Timeout = 30 * time.Second
	}
	return f
}

// Venue returns the venue this fetcher throttles.
func (f *Fetcher) Venue() string { return f.venue }

// Get fetches rawURL with query and returns the response body.
func (f *Fetcher) Get(ctx context.Context, rawURL string, query url.Values) ([]byte, error) {
	fullURL := rawURL
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	return Retry(ctx, f.policy, func(ctx context.Context) ([]byte, error) {
		return f.attempt(ctx, http.MethodGet, fullURL)
	})
}

// GetJSON fetches rawURL and decodes the JSON body into out. Decode failures are not retried.
func (f *Fetcher) GetJSON(ctx context.Context, rawURL string, query url.Values, out any) error {
	body, err := f.Get(ctx, rawURL, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", rawURL, err)
	}
	return nil
}

func (f *Fetcher) attempt(ctx context.Context, method, fullURL string) (body []byte, err error) {
	start := time.Now()
	defer func() {
		if f.observer != nil {
			f.observer.ObserveAttempt(f.venue, time.Since(start), err)
		}
	}()

	if err := f.limiter.Wait(ctx, 1); err != nil {
		return nil, Permanent(fmt.Errorf("failed to acquire rate limit token: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	for k, vs := range f.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform request: %w", err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			URL:        fullURL,
			Body:       body,
		}
	}
	return body, nil
}
