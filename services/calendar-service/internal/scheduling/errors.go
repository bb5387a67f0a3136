package scheduling

import (
	"errors"
	"fmt"
	"time"
)

// Error is the terminal failure surfaced after retries are exhausted or a
// non-retryable response is received. Classification is by status category,
// never by message text.
type Error struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error

	// retryAfter carries an engine-specified delay from a rate-limit
	// response; zero means use the regular backoff.
	retryAfter time.Duration
}

func (e *Error) retryDelay(fallback time.Duration) time.Duration {
	if e.retryAfter > 0 {
		return e.retryAfter
	}
	return fallback
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("scheduling: %s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("scheduling: %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether the failure was transient (network error,
// rate limit, or server-side 5xx) and the caller may retry later.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}
