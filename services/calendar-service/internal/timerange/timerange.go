// Package timerange provides the half-open interval arithmetic shared by all
// conflict checks. An interval [start, end) includes its start and excludes
// its end, so back-to-back appointments never overlap.
package timerange

import (
	"sort"
	"time"
)

type Span struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

func (s Span) Overlaps(o Span) bool {
	return Overlaps(s.Start, s.End, o.Start, o.End)
}

// Contains reports whether t falls inside the span, treating t as a
// zero-width interval: s.Start <= t < s.End.
func (s Span) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// ContainsSpan reports whether o lies entirely within s.
func (s Span) ContainsSpan(o Span) bool {
	return !o.Start.Before(s.Start) && !o.End.After(s.End)
}

func (s Span) IsValid() bool {
	return s.End.After(s.Start)
}

// Merge sorts spans by start and coalesces overlapping or adjacent ones, so a
// candidate interval straddling two contiguous windows is contained by their
// union. The input slice is not modified.
func Merge(spans []Span) []Span {
	if len(spans) == 0 {
		return nil
	}
	sorted := make([]Span, 0, len(spans))
	for _, s := range spans {
		if s.IsValid() {
			sorted = append(sorted, s)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	merged := sorted[:1]
	for _, s := range sorted[1:] {
		last := &merged[len(merged)-1]
		if !s.Start.After(last.End) {
			if s.End.After(last.End) {
				last.End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}
