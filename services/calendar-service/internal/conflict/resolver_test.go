package conflict

import (
	"testing"
	"time"

	"github.com/solobook/solobook/services/calendar-service/internal/model"
	"github.com/solobook/solobook/services/calendar-service/internal/timerange"
)

var (
	now = time.Date(2025, 2, 28, 12, 0, 0, 0, time.UTC)
	day = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
)

func hm(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func appt(id string, start time.Time, minutes int) model.Appointment {
	return model.Appointment{ID: id, OwnerID: "owner", CustomerName: "c", StartTime: start, DurationMinutes: minutes}
}

func TestCheck_TemporalValidity(t *testing.T) {
	r := NewResolver(0)

	tests := []struct {
		name       string
		start, end time.Time
	}{
		{"start in the past", now.Add(-time.Hour), now},
		{"start equals now", now, now.Add(time.Hour)},
		{"zero duration", hm(10, 0), hm(10, 0)},
		{"negative duration", hm(11, 0), hm(10, 0)},
		{"duration above max", hm(8, 0), hm(17, 0)}, // 9h > 8h cap
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := r.Check(Request{Now: now, Start: tc.start, End: tc.end, Unrestricted: true})
			if res.OK || res.Reason != ReasonInvalidTimeRange {
				t.Fatalf("expected InvalidTimeRange, got %+v", res)
			}
		})
	}
}

func TestCheck_DoubleBooked(t *testing.T) {
	r := NewResolver(0)
	existing := []model.Appointment{appt("a", hm(10, 0), 60)}

	// B = [10:30, 11:30) overlaps A = [10:00, 11:00).
	res := r.Check(Request{Now: now, Start: hm(10, 30), End: hm(11, 30), Existing: existing, Unrestricted: true})
	if res.OK || res.Reason != ReasonDoubleBooked {
		t.Fatalf("expected DoubleBooked, got %+v", res)
	}
	if res.ConflictingID != "a" {
		t.Fatalf("expected conflict with a, got %q", res.ConflictingID)
	}

	// C = [11:00, 12:00) is adjacent to A, not a conflict.
	res = r.Check(Request{Now: now, Start: hm(11, 0), End: hm(12, 0), Existing: existing, Unrestricted: true})
	if !res.OK {
		t.Fatalf("adjacent interval rejected: %+v", res)
	}
}

func TestCheck_ExcludeIDForReschedule(t *testing.T) {
	r := NewResolver(0)
	existing := []model.Appointment{
		appt("self", hm(10, 0), 60),
		appt("other", hm(14, 0), 60),
	}

	// Moving "self" 30 minutes later overlaps only its own prior slot.
	res := r.Check(Request{Now: now, Start: hm(10, 30), End: hm(11, 30), Existing: existing, ExcludeID: "self", Unrestricted: true})
	if !res.OK {
		t.Fatalf("reschedule over own slot rejected: %+v", res)
	}

	// Moving "self" onto "other" still conflicts.
	res = r.Check(Request{Now: now, Start: hm(14, 30), End: hm(15, 0), Existing: existing, ExcludeID: "self", Unrestricted: true})
	if res.OK || res.ConflictingID != "other" {
		t.Fatalf("expected conflict with other, got %+v", res)
	}
}

func TestCheck_AvailabilityGate(t *testing.T) {
	r := NewResolver(0)
	monday9to17 := []timerange.Span{{Start: hm(9, 0), End: hm(17, 0)}}

	// 08:00-09:00 is outside the 09:00-17:00 window.
	res := r.Check(Request{Now: now, Start: hm(8, 0), End: hm(9, 0), Windows: monday9to17})
	if res.OK || res.Reason != ReasonOutsideAvailability {
		t.Fatalf("expected OutsideAvailability, got %+v", res)
	}

	// Partial containment is rejected.
	res = r.Check(Request{Now: now, Start: hm(16, 30), End: hm(17, 30), Windows: monday9to17})
	if res.OK || res.Reason != ReasonOutsideAvailability {
		t.Fatalf("expected OutsideAvailability for straddling interval, got %+v", res)
	}

	// Fully inside is fine.
	res = r.Check(Request{Now: now, Start: hm(9, 0), End: hm(10, 0), Windows: monday9to17})
	if !res.OK {
		t.Fatalf("in-window interval rejected: %+v", res)
	}
}

func TestCheck_ContiguousWindowsActAsUnion(t *testing.T) {
	r := NewResolver(0)
	windows := []timerange.Span{
		{Start: hm(9, 0), End: hm(12, 0)},
		{Start: hm(12, 0), End: hm(17, 0)},
	}
	// 11:00-13:00 straddles the shared boundary of two contiguous windows.
	res := r.Check(Request{Now: now, Start: hm(11, 0), End: hm(13, 0), Windows: windows})
	if !res.OK {
		t.Fatalf("interval across contiguous windows rejected: %+v", res)
	}
}

func TestCheck_NoWindowsMeansUnrestricted(t *testing.T) {
	r := NewResolver(0)
	res := r.Check(Request{Now: now, Start: hm(3, 0), End: hm(4, 0), Unrestricted: true})
	if !res.OK {
		t.Fatalf("unrestricted owner rejected: %+v", res)
	}
}

func TestCheck_FailureOrder(t *testing.T) {
	r := NewResolver(0)
	// Candidate is both in the past and double-booked: temporal wins.
	existing := []model.Appointment{appt("a", now.Add(-2*time.Hour), 240)}
	res := r.Check(Request{Now: now, Start: now.Add(-time.Hour), End: now, Existing: existing})
	if res.Reason != ReasonInvalidTimeRange {
		t.Fatalf("expected temporal check first, got %+v", res)
	}

	// Double-booked and outside availability: double-booking wins.
	existing = []model.Appointment{appt("a", hm(10, 0), 60)}
	res = r.Check(Request{Now: now, Start: hm(10, 0), End: hm(11, 0), Existing: existing,
		Windows: []timerange.Span{{Start: hm(12, 0), End: hm(13, 0)}}})
	if res.Reason != ReasonDoubleBooked {
		t.Fatalf("expected double-booking before availability, got %+v", res)
	}
}

func TestCheck_Deterministic(t *testing.T) {
	r := NewResolver(0)
	req := Request{Now: now, Start: hm(10, 0), End: hm(11, 0), Existing: []model.Appointment{appt("a", hm(10, 30), 60)}, Unrestricted: true}
	first := r.Check(req)
	for i := 0; i < 10; i++ {
		if got := r.Check(req); got != first {
			t.Fatalf("result changed across calls: %+v vs %+v", first, got)
		}
	}
}
