package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/solobook/solobook/services/calendar-service/internal/conflict"
	"github.com/solobook/solobook/services/calendar-service/internal/model"
	"github.com/solobook/solobook/services/calendar-service/internal/timerange"
)

var (
	clock = time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC) // a Monday
	tenAM = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
)

var errMissing = errors.New("missing")

type fakeStore struct {
	appts      map[string]model.Appointment
	failSetRef error
}

func newFakeStore() *fakeStore {
	return &fakeStore{appts: map[string]model.Appointment{}}
}

func (s *fakeStore) Insert(_ context.Context, appt *model.Appointment) error {
	appt.CreatedAt = clock
	appt.UpdatedAt = clock
	s.appts[appt.ID] = *appt
	return nil
}

func (s *fakeStore) Get(_ context.Context, ownerID, id string) (model.Appointment, error) {
	appt, ok := s.appts[id]
	if !ok || appt.OwnerID != ownerID {
		return model.Appointment{}, errMissing
	}
	return appt, nil
}

func (s *fakeStore) ListByOwner(_ context.Context, ownerID string) ([]model.Appointment, error) {
	return s.sorted(ownerID, time.Time{}), nil
}

func (s *fakeStore) ListUpcoming(_ context.Context, ownerID string, after time.Time, _ int) ([]model.Appointment, error) {
	return s.sorted(ownerID, after), nil
}

func (s *fakeStore) ListOverlapping(_ context.Context, ownerID string, start, end time.Time) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, appt := range s.sorted(ownerID, time.Time{}) {
		if timerange.Overlaps(start, end, appt.StartTime, appt.EndTime()) {
			out = append(out, appt)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateStart(_ context.Context, ownerID, id string, start time.Time, status model.SyncStatus) (model.Appointment, error) {
	appt, ok := s.appts[id]
	if !ok || appt.OwnerID != ownerID {
		return model.Appointment{}, errMissing
	}
	appt.StartTime = start
	appt.SyncStatus = status
	s.appts[id] = appt
	return appt, nil
}

func (s *fakeStore) SetExternalRef(_ context.Context, id, ref string, status model.SyncStatus) error {
	if s.failSetRef != nil {
		return s.failSetRef
	}
	appt, ok := s.appts[id]
	if !ok {
		return errMissing
	}
	appt.ExternalRef = ref
	appt.SyncStatus = status
	s.appts[id] = appt
	return nil
}

func (s *fakeStore) SetSyncStatus(_ context.Context, id string, status model.SyncStatus) error {
	appt, ok := s.appts[id]
	if !ok {
		return errMissing
	}
	appt.SyncStatus = status
	s.appts[id] = appt
	return nil
}

func (s *fakeStore) Delete(_ context.Context, ownerID, id string) (model.Appointment, error) {
	appt, ok := s.appts[id]
	if !ok || appt.OwnerID != ownerID {
		return model.Appointment{}, errMissing
	}
	delete(s.appts, id)
	return appt, nil
}

func (s *fakeStore) sorted(ownerID string, after time.Time) []model.Appointment {
	var out []model.Appointment
	for _, appt := range s.appts {
		if appt.OwnerID != ownerID {
			continue
		}
		if !after.IsZero() && appt.StartTime.Before(after) {
			continue
		}
		out = append(out, appt)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type fakeAvailability struct {
	spans        []timerange.Span
	unrestricted bool
}

func (a *fakeAvailability) SpansFor(context.Context, string, timerange.Span) ([]timerange.Span, bool, error) {
	return a.spans, a.unrestricted, nil
}

type engineCall struct {
	op  string
	ref string
}

type fakeEngine struct {
	calls   []engineCall
	nextRef int
	fail    map[string]error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{fail: map[string]error{}}
}

func (e *fakeEngine) CreateBooking(_ context.Context, localID, _ string, _, _ time.Time) (string, error) {
	e.calls = append(e.calls, engineCall{op: "create", ref: localID})
	if err := e.fail["create"]; err != nil {
		return "", err
	}
	e.nextRef++
	return fmt.Sprintf("remote-%d", e.nextRef), nil
}

func (e *fakeEngine) UpdateBooking(_ context.Context, ref string, _, _ time.Time) error {
	e.calls = append(e.calls, engineCall{op: "update", ref: ref})
	return e.fail["update"]
}

func (e *fakeEngine) DeleteBooking(_ context.Context, ref string) error {
	e.calls = append(e.calls, engineCall{op: "delete", ref: ref})
	return e.fail["delete"]
}

type retryRecord struct {
	op            string
	appointmentID string
	externalRef   string
}

type fakeRetry struct {
	queued []retryRecord
}

func (q *fakeRetry) Enqueue(_ context.Context, op, appointmentID, externalRef string) error {
	q.queued = append(q.queued, retryRecord{op, appointmentID, externalRef})
	return nil
}

type fakeEvents struct {
	recorded []string
}

func (e *fakeEvents) Booked(_ context.Context, appt model.Appointment) error {
	e.recorded = append(e.recorded, "booked:"+appt.ID)
	return nil
}

func (e *fakeEvents) Rescheduled(_ context.Context, appt model.Appointment, _ time.Time) error {
	e.recorded = append(e.recorded, "rescheduled:"+appt.ID)
	return nil
}

func (e *fakeEvents) Cancelled(_ context.Context, appt model.Appointment) error {
	e.recorded = append(e.recorded, "cancelled:"+appt.ID)
	return nil
}

type fixture struct {
	store  *fakeStore
	avail  *fakeAvailability
	engine *fakeEngine
	retry  *fakeRetry
	events *fakeEvents
	mgr    *Manager
}

func newFixture() *fixture {
	f := &fixture{
		store:  newFakeStore(),
		avail:  &fakeAvailability{unrestricted: true},
		engine: newFakeEngine(),
		retry:  &fakeRetry{},
		events: &fakeEvents{},
	}
	f.mgr = NewManager(Config{
		Store:        f.store,
		Availability: f.avail,
		Engine:       f.engine,
		Retry:        f.retry,
		Events:       f.events,
		Resolver:     conflict.NewResolver(0),
		Logger:       slog.New(slog.DiscardHandler),
		IsNotFound:   func(err error) bool { return errors.Is(err, errMissing) },
		Now:          func() time.Time { return clock },
	})
	return f
}

func (f *fixture) mustCreate(t *testing.T, start time.Time, minutes int) model.Appointment {
	t.Helper()
	appt, err := f.mgr.Create(context.Background(), CreateRequest{
		OwnerID:         "owner-1",
		CustomerName:    "Jane Doe",
		StartTime:       start,
		DurationMinutes: minutes,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return appt
}

func TestCreate_BooksAndSyncs(t *testing.T) {
	f := newFixture()
	appt := f.mustCreate(t, tenAM, 60)

	if appt.SyncStatus != model.SyncSynced {
		t.Fatalf("expected synced, got %s", appt.SyncStatus)
	}
	if appt.ExternalRef == "" {
		t.Fatal("expected external ref after sync")
	}
	stored := f.store.appts[appt.ID]
	if stored.ExternalRef != appt.ExternalRef || stored.SyncStatus != model.SyncSynced {
		t.Fatalf("stored row not updated: %+v", stored)
	}
	if len(f.events.recorded) != 1 || f.events.recorded[0] != "booked:"+appt.ID {
		t.Fatalf("expected booked event, got %v", f.events.recorded)
	}
}

func TestCreate_RejectsInvalidInput(t *testing.T) {
	f := newFixture()
	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"empty name", CreateRequest{OwnerID: "o", CustomerName: "  ", StartTime: tenAM, DurationMinutes: 60}},
		{"zero duration", CreateRequest{OwnerID: "o", CustomerName: "Jane", StartTime: tenAM, DurationMinutes: 0}},
		{"negative duration", CreateRequest{OwnerID: "o", CustomerName: "Jane", StartTime: tenAM, DurationMinutes: -30}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.mgr.Create(context.Background(), tc.req)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if len(f.store.appts) != 0 {
		t.Fatal("invalid input must not persist anything")
	}
}

func TestCreate_RejectsDoubleBooking(t *testing.T) {
	f := newFixture()
	first := f.mustCreate(t, tenAM, 60)

	_, err := f.mgr.Create(context.Background(), CreateRequest{
		OwnerID:         "owner-1",
		CustomerName:    "Bob",
		StartTime:       tenAM.Add(30 * time.Minute),
		DurationMinutes: 60,
	})
	var cErr *ConflictError
	if !errors.As(err, &cErr) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if cErr.Result.Reason != conflict.ReasonDoubleBooked {
		t.Fatalf("expected double_booked, got %s", cErr.Result.Reason)
	}
	if cErr.Result.ConflictingID != first.ID {
		t.Fatalf("expected blocking id %s, got %s", first.ID, cErr.Result.ConflictingID)
	}
}

func TestCreate_AllowsBackToBack(t *testing.T) {
	f := newFixture()
	f.mustCreate(t, tenAM, 60)
	f.mustCreate(t, tenAM.Add(time.Hour), 60)
}

func TestCreate_DifferentOwnersDoNotConflict(t *testing.T) {
	f := newFixture()
	f.mustCreate(t, tenAM, 60)

	_, err := f.mgr.Create(context.Background(), CreateRequest{
		OwnerID:         "owner-2",
		CustomerName:    "Bob",
		StartTime:       tenAM,
		DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("other owner's calendar should be independent: %v", err)
	}
}

func TestCreate_RollsBackWhenSyncFails(t *testing.T) {
	f := newFixture()
	f.engine.fail["create"] = errors.New("engine down")

	_, err := f.mgr.Create(context.Background(), CreateRequest{
		OwnerID:         "owner-1",
		CustomerName:    "Jane Doe",
		StartTime:       tenAM,
		DurationMinutes: 60,
	})
	var sErr *SyncError
	if !errors.As(err, &sErr) {
		t.Fatalf("expected sync error, got %v", err)
	}
	if len(f.store.appts) != 0 {
		t.Fatal("failed create must not leave a local row behind")
	}

	// The slot stays bookable once the engine recovers.
	f.engine.fail = map[string]error{}
	f.mustCreate(t, tenAM, 60)
}

func TestCreate_PersistRefFailureLeavesPendingAndQueuesRetry(t *testing.T) {
	f := newFixture()
	f.store.failSetRef = errors.New("db down")

	appt, err := f.mgr.Create(context.Background(), CreateRequest{
		OwnerID:         "owner-1",
		CustomerName:    "Jane Doe",
		StartTime:       tenAM,
		DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("engine accepted the booking, create must not fail: %v", err)
	}
	if appt.SyncStatus != model.SyncPending {
		t.Fatalf("caller must not see synced when the ref was not persisted, got %s", appt.SyncStatus)
	}
	if len(f.retry.queued) != 1 {
		t.Fatalf("expected one queued retry, got %v", f.retry.queued)
	}
	q := f.retry.queued[0]
	if q.op != "update" || q.appointmentID != appt.ID || q.externalRef != appt.ExternalRef {
		t.Fatalf("retry must carry the engine reference, got %+v", q)
	}
	if stored := f.store.appts[appt.ID]; stored.SyncStatus != model.SyncPending {
		t.Fatalf("stored row should stay pending, got %+v", stored)
	}
}

func TestCreate_EnforcesAvailabilityWindows(t *testing.T) {
	f := newFixture()
	f.avail.unrestricted = false
	f.avail.spans = []timerange.Span{{
		Start: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 3, 3, 17, 0, 0, 0, time.UTC),
	}}

	f.mustCreate(t, tenAM, 60)

	_, err := f.mgr.Create(context.Background(), CreateRequest{
		OwnerID:         "owner-1",
		CustomerName:    "Bob",
		StartTime:       time.Date(2025, 3, 3, 16, 30, 0, 0, time.UTC),
		DurationMinutes: 60,
	})
	var cErr *ConflictError
	if !errors.As(err, &cErr) || cErr.Result.Reason != conflict.ReasonOutsideAvailability {
		t.Fatalf("expected outside_availability, got %v", err)
	}
}

func TestReschedule_PreservesDurationAndCustomer(t *testing.T) {
	f := newFixture()
	appt := f.mustCreate(t, tenAM, 45)

	newStart := tenAM.Add(3 * time.Hour)
	moved, err := f.mgr.Reschedule(context.Background(), "owner-1", appt.ID, newStart)
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if !moved.StartTime.Equal(newStart) {
		t.Fatalf("start not moved: %v", moved.StartTime)
	}
	if moved.DurationMinutes != 45 || moved.CustomerName != "Jane Doe" {
		t.Fatalf("duration or customer changed: %+v", moved)
	}
	if moved.SyncStatus != model.SyncSynced {
		t.Fatalf("expected synced after mirror, got %s", moved.SyncStatus)
	}
	last := f.engine.calls[len(f.engine.calls)-1]
	if last.op != "update" || last.ref != appt.ExternalRef {
		t.Fatalf("expected engine update for %s, got %+v", appt.ExternalRef, last)
	}
}

func TestReschedule_OwnSlotDoesNotBlockItself(t *testing.T) {
	f := newFixture()
	appt := f.mustCreate(t, tenAM, 60)

	// Shift by 30 minutes into the interval still occupied by itself.
	if _, err := f.mgr.Reschedule(context.Background(), "owner-1", appt.ID, tenAM.Add(30*time.Minute)); err != nil {
		t.Fatalf("reschedule into own slot: %v", err)
	}
}

func TestReschedule_ConflictLeavesIntervalUnchanged(t *testing.T) {
	f := newFixture()
	blocker := f.mustCreate(t, tenAM, 60)
	victim := f.mustCreate(t, tenAM.Add(2*time.Hour), 60)

	_, err := f.mgr.Reschedule(context.Background(), "owner-1", victim.ID, tenAM.Add(30*time.Minute))
	var cErr *ConflictError
	if !errors.As(err, &cErr) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if cErr.Result.ConflictingID != blocker.ID {
		t.Fatalf("expected blocker %s, got %s", blocker.ID, cErr.Result.ConflictingID)
	}

	stored := f.store.appts[victim.ID]
	if !stored.StartTime.Equal(victim.StartTime) {
		t.Fatalf("rejected reschedule must not move the appointment: %v", stored.StartTime)
	}
}

func TestReschedule_SyncFailureQueuesRetry(t *testing.T) {
	f := newFixture()
	appt := f.mustCreate(t, tenAM, 60)
	f.engine.fail["update"] = errors.New("engine down")

	moved, err := f.mgr.Reschedule(context.Background(), "owner-1", appt.ID, tenAM.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("local move must survive a failed mirror: %v", err)
	}
	if moved.SyncStatus != model.SyncPending {
		t.Fatalf("expected pending after failed mirror, got %s", moved.SyncStatus)
	}
	if len(f.retry.queued) != 1 {
		t.Fatalf("expected one queued retry, got %v", f.retry.queued)
	}
	q := f.retry.queued[0]
	if q.op != "update" || q.appointmentID != appt.ID || q.externalRef != appt.ExternalRef {
		t.Fatalf("unexpected retry record %+v", q)
	}
}

func TestReschedule_PersistFailureQueuesRetry(t *testing.T) {
	f := newFixture()
	appt := f.mustCreate(t, tenAM, 60)
	f.store.failSetRef = errors.New("db down")

	moved, err := f.mgr.Reschedule(context.Background(), "owner-1", appt.ID, tenAM.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("local move must survive a failed persist: %v", err)
	}
	if moved.SyncStatus != model.SyncPending {
		t.Fatalf("expected pending after failed persist, got %s", moved.SyncStatus)
	}
	if len(f.retry.queued) != 1 {
		t.Fatalf("expected one queued retry, got %v", f.retry.queued)
	}
	q := f.retry.queued[0]
	if q.op != "update" || q.appointmentID != appt.ID || q.externalRef != appt.ExternalRef {
		t.Fatalf("unexpected retry record %+v", q)
	}
}

func TestReschedule_CreatesRemoteBookingWhenNeverSynced(t *testing.T) {
	f := newFixture()
	appt := f.mustCreate(t, tenAM, 60)

	// Simulate an appointment that never made it to the engine.
	_ = f.store.SetExternalRef(context.Background(), appt.ID, "", model.SyncPending)

	moved, err := f.mgr.Reschedule(context.Background(), "owner-1", appt.ID, tenAM.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if moved.ExternalRef == "" || moved.SyncStatus != model.SyncSynced {
		t.Fatalf("expected fresh remote booking, got %+v", moved)
	}
	last := f.engine.calls[len(f.engine.calls)-1]
	if last.op != "create" {
		t.Fatalf("expected engine create, got %+v", last)
	}
}

func TestReschedule_NotFound(t *testing.T) {
	f := newFixture()
	_, err := f.mgr.Reschedule(context.Background(), "owner-1", "nope", tenAM)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete_RemovesLocallyAndMirrors(t *testing.T) {
	f := newFixture()
	appt := f.mustCreate(t, tenAM, 60)

	if err := f.mgr.Delete(context.Background(), "owner-1", appt.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(f.store.appts) != 0 {
		t.Fatal("appointment not removed")
	}
	last := f.engine.calls[len(f.engine.calls)-1]
	if last.op != "delete" || last.ref != appt.ExternalRef {
		t.Fatalf("expected engine delete for %s, got %+v", appt.ExternalRef, last)
	}

	// Slot is immediately reusable.
	f.mustCreate(t, tenAM, 60)
}

func TestDelete_SyncFailureQueuesRetryButDeletesLocally(t *testing.T) {
	f := newFixture()
	appt := f.mustCreate(t, tenAM, 60)
	f.engine.fail["delete"] = errors.New("engine down")

	if err := f.mgr.Delete(context.Background(), "owner-1", appt.ID); err != nil {
		t.Fatalf("local delete must win: %v", err)
	}
	if len(f.store.appts) != 0 {
		t.Fatal("appointment not removed locally")
	}
	if len(f.retry.queued) != 1 || f.retry.queued[0].op != "delete" {
		t.Fatalf("expected queued delete retry, got %v", f.retry.queued)
	}
}

func TestDelete_NotFound(t *testing.T) {
	f := newFixture()
	if err := f.mgr.Delete(context.Background(), "owner-1", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListUpcoming_OrdersByStartTime(t *testing.T) {
	f := newFixture()
	late := f.mustCreate(t, tenAM.Add(4*time.Hour), 30)
	early := f.mustCreate(t, tenAM, 30)
	mid := f.mustCreate(t, tenAM.Add(2*time.Hour), 30)

	appts, err := f.mgr.ListUpcoming(context.Background(), "owner-1", 10)
	if err != nil {
		t.Fatalf("ListUpcoming: %v", err)
	}
	want := []string{early.ID, mid.ID, late.ID}
	if len(appts) != 3 {
		t.Fatalf("expected 3 appointments, got %d", len(appts))
	}
	for i, id := range want {
		if appts[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, appts[i].ID)
		}
	}
}
