// Package conflict decides whether a candidate booking may proceed. The
// resolver is a pure function over the snapshot it is handed: it never reads
// the clock or storage itself, so a decision is reproducible from its inputs.
package conflict

import (
	"time"

	"github.com/solobook/solobook/services/calendar-service/internal/model"
	"github.com/solobook/solobook/services/calendar-service/internal/timerange"
)

type Reason string

const (
	ReasonNone                Reason = ""
	ReasonInvalidTimeRange    Reason = "invalid_time_range"
	ReasonDoubleBooked        Reason = "double_booked"
	ReasonOutsideAvailability Reason = "outside_availability"
)

type Result struct {
	OK            bool
	Reason        Reason
	ConflictingID string // set when Reason is ReasonDoubleBooked
}

func ok() Result { return Result{OK: true} }

func fail(reason Reason) Result { return Result{Reason: reason} }

const DefaultMaxDuration = 8 * time.Hour

type Resolver struct {
	MaxDuration time.Duration
}

func NewResolver(maxDuration time.Duration) Resolver {
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	return Resolver{MaxDuration: maxDuration}
}

// Request is the snapshot a booking decision is made against.
type Request struct {
	Now   time.Time
	Start time.Time
	End   time.Time

	// Existing appointments of the same owner. Order determines which
	// conflicting appointment is named when several overlap.
	Existing []model.Appointment

	// ExcludeID ignores the appointment's own prior slot during reschedule.
	ExcludeID string

	// Windows are the expanded availability spans covering the candidate
	// interval. Unrestricted marks an owner with no windows configured at
	// all, which disables the availability gate entirely.
	Windows      []timerange.Span
	Unrestricted bool
}

// Check validates in a fixed order: temporal validity, double-booking,
// availability. The first failure wins.
func (r Resolver) Check(req Request) Result {
	if !req.Start.After(req.Now) {
		return fail(ReasonInvalidTimeRange)
	}
	duration := req.End.Sub(req.Start)
	if duration <= 0 || duration > r.MaxDuration {
		return fail(ReasonInvalidTimeRange)
	}

	for _, appt := range req.Existing {
		if req.ExcludeID != "" && appt.ID == req.ExcludeID {
			continue
		}
		if timerange.Overlaps(req.Start, req.End, appt.StartTime, appt.EndTime()) {
			return Result{Reason: ReasonDoubleBooked, ConflictingID: appt.ID}
		}
	}

	if req.Unrestricted {
		return ok()
	}
	candidate := timerange.Span{Start: req.Start, End: req.End}
	for _, w := range timerange.Merge(req.Windows) {
		if w.ContainsSpan(candidate) {
			return ok()
		}
	}
	return fail(ReasonOutsideAvailability)
}
