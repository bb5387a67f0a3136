package availability

import (
	"sort"
	"time"

	"github.com/solobook/solobook/services/calendar-service/internal/model"
	"github.com/solobook/solobook/services/calendar-service/internal/timerange"
)

// Expand turns the weekly recurrence into concrete spans intersecting
// [from, to). It is a pure generator: nothing is cached or persisted, so the
// weekly configuration never grows with the queried range.
func Expand(windows []model.AvailabilityWindow, from, to time.Time) []timerange.Span {
	if !to.After(from) || len(windows) == 0 {
		return nil
	}

	query := timerange.Span{Start: from, End: to}
	var spans []timerange.Span
	for day := startOfDay(from); day.Before(to); day = day.AddDate(0, 0, 1) {
		for _, w := range windows {
			if w.Day != day.Weekday() {
				continue
			}
			span := timerange.Span{
				Start: day.Add(time.Duration(w.StartMinute) * time.Minute),
				End:   day.Add(time.Duration(w.EndMinute) * time.Minute),
			}
			if span.Overlaps(query) {
				spans = append(spans, span)
			}
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start.Before(spans[j].Start) })
	return spans
}

// Project overlays booked intervals onto availability windows, splitting each
// window into available and busy slots ordered by start.
func Project(windows, busy []timerange.Span) []model.TimeSlot {
	merged := timerange.Merge(windows)
	busyMerged := timerange.Merge(busy)

	var slots []model.TimeSlot
	for _, w := range merged {
		cursor := w.Start
		for _, b := range busyMerged {
			if !b.Overlaps(w) {
				continue
			}
			busyStart := laterOf(b.Start, w.Start)
			busyEnd := earlierOf(b.End, w.End)
			if busyStart.After(cursor) {
				slots = append(slots, model.TimeSlot{Start: cursor, End: busyStart, Available: true})
			}
			slots = append(slots, model.TimeSlot{Start: busyStart, End: busyEnd, Available: false})
			cursor = busyEnd
		}
		if cursor.Before(w.End) {
			slots = append(slots, model.TimeSlot{Start: cursor, End: w.End, Available: true})
		}
	}
	return slots
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlierOf(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
