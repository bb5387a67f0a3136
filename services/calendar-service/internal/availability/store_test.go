package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/solobook/solobook/services/calendar-service/internal/model"
	"github.com/solobook/solobook/services/calendar-service/internal/timerange"
)

type memRepo struct {
	windows map[string][]model.AvailabilityWindow
}

func newMemRepo() *memRepo {
	return &memRepo{windows: map[string][]model.AvailabilityWindow{}}
}

func (r *memRepo) ReplaceWindows(_ context.Context, ownerID string, windows []model.AvailabilityWindow) error {
	r.windows[ownerID] = windows
	return nil
}

func (r *memRepo) ListWindows(_ context.Context, ownerID string) ([]model.AvailabilityWindow, error) {
	return r.windows[ownerID], nil
}

// 2025-03-03 is a Monday.
var monday = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

func window(day time.Weekday, startMin, endMin int) model.AvailabilityWindow {
	return model.AvailabilityWindow{Day: day, StartMinute: startMin, EndMinute: endMin}
}

func TestSetWindows_RejectsInvalid(t *testing.T) {
	store := NewStore(newMemRepo())
	ctx := context.Background()

	tests := []struct {
		name string
		w    model.AvailabilityWindow
	}{
		{"start equals end", window(time.Monday, 540, 540)},
		{"start after end", window(time.Monday, 600, 540)},
		{"negative start", window(time.Monday, -10, 540)},
		{"end past midnight", window(time.Monday, 540, 25 * 60)},
		{"day out of range", window(time.Weekday(7), 540, 600)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := store.SetWindows(ctx, "owner", []model.AvailabilityWindow{tc.w})
			if !errors.Is(err, ErrInvalidWindow) {
				t.Fatalf("expected ErrInvalidWindow, got %v", err)
			}
		})
	}
}

func TestSetWindows_MergesOverlapping(t *testing.T) {
	repo := newMemRepo()
	store := NewStore(repo)
	ctx := context.Background()

	err := store.SetWindows(ctx, "owner", []model.AvailabilityWindow{
		window(time.Monday, 9*60, 12*60),
		window(time.Monday, 11*60, 17*60),
		window(time.Tuesday, 9*60, 12*60),
	})
	if err != nil {
		t.Fatalf("SetWindows: %v", err)
	}
	stored := repo.windows["owner"]
	if len(stored) != 2 {
		t.Fatalf("expected 2 normalized windows, got %d: %+v", len(stored), stored)
	}
	if stored[0].StartMinute != 9*60 || stored[0].EndMinute != 17*60 {
		t.Fatalf("monday windows not merged: %+v", stored[0])
	}
}

func TestSetWindows_ReadAfterWrite(t *testing.T) {
	store := NewStore(newMemRepo())
	ctx := context.Background()

	if err := store.SetWindows(ctx, "owner", []model.AvailabilityWindow{window(time.Monday, 9*60, 17*60)}); err != nil {
		t.Fatalf("SetWindows: %v", err)
	}
	ok, err := store.IsAvailable(ctx, "owner", monday.Add(10*time.Hour))
	if err != nil || !ok {
		t.Fatalf("expected availability right after write, got ok=%v err=%v", ok, err)
	}

	// Replace wholesale; the old configuration must be gone.
	if err := store.SetWindows(ctx, "owner", []model.AvailabilityWindow{window(time.Tuesday, 9*60, 17*60)}); err != nil {
		t.Fatalf("SetWindows: %v", err)
	}
	ok, err = store.IsAvailable(ctx, "owner", monday.Add(10*time.Hour))
	if err != nil || ok {
		t.Fatalf("expected monday to be unavailable after replace, got ok=%v err=%v", ok, err)
	}
}

func TestIsAvailable_HalfOpenBounds(t *testing.T) {
	store := NewStore(newMemRepo())
	ctx := context.Background()
	if err := store.SetWindows(ctx, "owner", []model.AvailabilityWindow{window(time.Monday, 9*60, 17*60)}); err != nil {
		t.Fatalf("SetWindows: %v", err)
	}

	if ok, _ := store.IsAvailable(ctx, "owner", monday.Add(9*time.Hour)); !ok {
		t.Fatal("window start should be available")
	}
	if ok, _ := store.IsAvailable(ctx, "owner", monday.Add(17*time.Hour)); ok {
		t.Fatal("window end should be excluded")
	}
	if ok, _ := store.IsAvailable(ctx, "owner", monday.Add(8*time.Hour)); ok {
		t.Fatal("before window should be unavailable")
	}
}

func TestIsAvailable_NoConfigurationIsUnrestricted(t *testing.T) {
	store := NewStore(newMemRepo())
	ok, err := store.IsAvailable(context.Background(), "owner", monday.Add(3*time.Hour))
	if err != nil || !ok {
		t.Fatalf("owner without windows should be unrestricted, got ok=%v err=%v", ok, err)
	}
}

func TestExpand_OrderedAcrossRange(t *testing.T) {
	windows := []model.AvailabilityWindow{
		window(time.Wednesday, 9*60, 12*60),
		window(time.Monday, 13*60, 17*60),
		window(time.Monday, 9*60, 12*60),
	}
	spans := Expand(windows, monday, monday.AddDate(0, 0, 7))
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d: %+v", len(spans), spans)
	}
	for i := 1; i < len(spans); i++ {
		if spans[i].Start.Before(spans[i-1].Start) {
			t.Fatalf("spans not ordered by start: %+v", spans)
		}
	}
	if !spans[0].Start.Equal(monday.Add(9 * time.Hour)) {
		t.Fatalf("unexpected first span: %+v", spans[0])
	}
	if !spans[2].Start.Equal(monday.AddDate(0, 0, 2).Add(9 * time.Hour)) {
		t.Fatalf("unexpected wednesday span: %+v", spans[2])
	}
}

func TestExpand_EmptyRange(t *testing.T) {
	windows := []model.AvailabilityWindow{window(time.Monday, 9*60, 17*60)}
	if spans := Expand(windows, monday, monday); spans != nil {
		t.Fatalf("expected nil for empty range, got %+v", spans)
	}
}

func TestProject_SplitsBusySegments(t *testing.T) {
	win := []timerange.Span{{Start: monday.Add(9 * time.Hour), End: monday.Add(12 * time.Hour)}}
	busy := []timerange.Span{{Start: monday.Add(10 * time.Hour), End: monday.Add(11 * time.Hour)}}

	slots := Project(win, busy)
	if len(slots) != 3 {
		t.Fatalf("expected 3 slots, got %d: %+v", len(slots), slots)
	}
	if !slots[0].Available || !slots[0].End.Equal(monday.Add(10*time.Hour)) {
		t.Fatalf("unexpected leading slot: %+v", slots[0])
	}
	if slots[1].Available {
		t.Fatalf("busy slot marked available: %+v", slots[1])
	}
	if !slots[2].Available || !slots[2].Start.Equal(monday.Add(11*time.Hour)) {
		t.Fatalf("unexpected trailing slot: %+v", slots[2])
	}
}
