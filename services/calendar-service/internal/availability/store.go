// Package availability owns the recurring weekly availability configuration:
// validation, normalization, atomic replacement, and expansion into concrete
// spans for conflict checks and calendar queries.
package availability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/solobook/solobook/services/calendar-service/internal/model"
	"github.com/solobook/solobook/services/calendar-service/internal/timerange"
)

var ErrInvalidWindow = errors.New("invalid availability window")

const minutesPerDay = 24 * 60

// Repo is the persistence contract for weekly windows. ReplaceWindows must be
// atomic: a reader sees either the old or the new configuration, never a mix.
type Repo interface {
	ReplaceWindows(ctx context.Context, ownerID string, windows []model.AvailabilityWindow) error
	ListWindows(ctx context.Context, ownerID string) ([]model.AvailabilityWindow, error)
}

type Store struct {
	repo Repo
}

func NewStore(repo Repo) *Store {
	return &Store{repo: repo}
}

// SetWindows validates and replaces the full weekly configuration. Windows on
// the same weekday that overlap or touch are merged before storage, so the
// stored set is always normalized.
func (s *Store) SetWindows(ctx context.Context, ownerID string, windows []model.AvailabilityWindow) error {
	for _, w := range windows {
		if w.Day < time.Sunday || w.Day > time.Saturday {
			return fmt.Errorf("%w: day %d out of range", ErrInvalidWindow, w.Day)
		}
		if w.StartMinute < 0 || w.EndMinute > minutesPerDay {
			return fmt.Errorf("%w: minutes out of range [%d, %d)", ErrInvalidWindow, w.StartMinute, w.EndMinute)
		}
		if w.StartMinute >= w.EndMinute {
			return fmt.Errorf("%w: start %d >= end %d", ErrInvalidWindow, w.StartMinute, w.EndMinute)
		}
	}
	return s.repo.ReplaceWindows(ctx, ownerID, normalize(windows))
}

// Windows returns the stored weekly configuration ordered by day, then start.
func (s *Store) Windows(ctx context.Context, ownerID string) ([]model.AvailabilityWindow, error) {
	return s.repo.ListWindows(ctx, ownerID)
}

// GetWindows expands the weekly recurrence over [from, to) into ordered
// available time slots.
func (s *Store) GetWindows(ctx context.Context, ownerID string, from, to time.Time) ([]model.TimeSlot, error) {
	windows, err := s.repo.ListWindows(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	spans := Expand(windows, from, to)
	slots := make([]model.TimeSlot, 0, len(spans))
	for _, span := range spans {
		slots = append(slots, model.TimeSlot{Start: span.Start, End: span.End, Available: true})
	}
	return slots, nil
}

// IsAvailable reports whether the instant falls inside any expanded window.
// An owner with no configuration at all is unrestricted and always available.
func (s *Store) IsAvailable(ctx context.Context, ownerID string, instant time.Time) (bool, error) {
	windows, err := s.repo.ListWindows(ctx, ownerID)
	if err != nil {
		return false, err
	}
	if len(windows) == 0 {
		return true, nil
	}
	day := startOfDay(instant)
	for _, span := range Expand(windows, day, day.AddDate(0, 0, 1)) {
		if span.Contains(instant) {
			return true, nil
		}
	}
	return false, nil
}

// SpansFor returns the expanded spans covering the candidate interval plus an
// unrestricted flag for owners who never configured availability.
func (s *Store) SpansFor(ctx context.Context, ownerID string, candidate timerange.Span) ([]timerange.Span, bool, error) {
	windows, err := s.repo.ListWindows(ctx, ownerID)
	if err != nil {
		return nil, false, err
	}
	if len(windows) == 0 {
		return nil, true, nil
	}
	from := startOfDay(candidate.Start)
	to := startOfDay(candidate.End).AddDate(0, 0, 1)
	return Expand(windows, from, to), false, nil
}

func normalize(windows []model.AvailabilityWindow) []model.AvailabilityWindow {
	if len(windows) == 0 {
		return []model.AvailabilityWindow{}
	}
	sorted := make([]model.AvailabilityWindow, len(windows))
	copy(sorted, windows)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Day != sorted[j].Day {
			return sorted[i].Day < sorted[j].Day
		}
		return sorted[i].StartMinute < sorted[j].StartMinute
	})

	merged := sorted[:1]
	for _, w := range sorted[1:] {
		last := &merged[len(merged)-1]
		if w.Day == last.Day && w.StartMinute <= last.EndMinute {
			if w.EndMinute > last.EndMinute {
				last.EndMinute = w.EndMinute
			}
			continue
		}
		merged = append(merged, w)
	}
	return merged
}
