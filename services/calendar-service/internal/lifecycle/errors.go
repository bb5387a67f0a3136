package lifecycle

import (
	"errors"
	"fmt"

	"github.com/solobook/solobook/services/calendar-service/internal/conflict"
)

var ErrNotFound = errors.New("appointment not found")

// ValidationError reports malformed input rejected before any conflict
// checking happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports a booking rejected by the resolver. The embedded
// result carries the reason code and, for double bookings, the blocking
// appointment id.
type ConflictError struct {
	Result conflict.Result
}

func (e *ConflictError) Error() string {
	if e.Result.ConflictingID != "" {
		return fmt.Sprintf("booking conflict: %s (blocked by %s)", e.Result.Reason, e.Result.ConflictingID)
	}
	return fmt.Sprintf("booking conflict: %s", e.Result.Reason)
}

// SyncError reports a failure mirroring a local change to the scheduling
// engine. Retryable failures have been queued for background retry.
type SyncError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
