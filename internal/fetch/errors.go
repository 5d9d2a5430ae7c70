package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRateLimited marks a failure the venue signalled as throttling
	// without an HTTP 429 (for example a rate-limit error code in a 200 body).
	ErrRateLimited = errors.New("rate limited")

	// ErrRetriesExhausted wraps the last failure once every attempt is used.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrExceedsCapacity is returned when a caller asks for more tokens than the bucket holds.
	ErrExceedsCapacity = errors.New("requested tokens exceed bucket capacity")
)

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Status     string
	URL        string
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d (%s) from %s", e.StatusCode, e.Status, e.URL)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRateLimit reports whether err is a venue throttling failure:
// an HTTP 429 response or an error wrapping ErrRateLimited.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests
}

// IsRetryable reports whether err is transient I/O: network failures, timeouts,
// 5xx, 408 and 429. Context cancellation and Permanent errors are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrExceedsCapacity) {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 ||
			se.StatusCode == http.StatusTooManyRequests ||
			se.StatusCode == http.StatusRequestTimeout
	}
	return true
}
