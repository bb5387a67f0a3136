// Package lifecycle coordinates appointment mutations: validation, conflict
// resolution, persistence, and mirroring into the remote scheduling engine.
// The local store is authoritative; the engine is an eventually-consistent
// mirror kept in step by immediate sync plus a background retry queue.
package lifecycle

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/solobook/solobook/services/calendar-service/internal/conflict"
	"github.com/solobook/solobook/services/calendar-service/internal/model"
	"github.com/solobook/solobook/services/calendar-service/internal/scheduling"
	"github.com/solobook/solobook/services/calendar-service/internal/timerange"
)

const maxCustomerName = 200

type AppointmentStore interface {
	Insert(ctx context.Context, appt *model.Appointment) error
	Get(ctx context.Context, ownerID, id string) (model.Appointment, error)
	ListByOwner(ctx context.Context, ownerID string) ([]model.Appointment, error)
	ListUpcoming(ctx context.Context, ownerID string, after time.Time, limit int) ([]model.Appointment, error)
	ListOverlapping(ctx context.Context, ownerID string, start, end time.Time) ([]model.Appointment, error)
	UpdateStart(ctx context.Context, ownerID, id string, start time.Time, status model.SyncStatus) (model.Appointment, error)
	SetExternalRef(ctx context.Context, id, ref string, status model.SyncStatus) error
	SetSyncStatus(ctx context.Context, id string, status model.SyncStatus) error
	Delete(ctx context.Context, ownerID, id string) (model.Appointment, error)
}

type AvailabilitySource interface {
	SpansFor(ctx context.Context, ownerID string, candidate timerange.Span) ([]timerange.Span, bool, error)
}

// Engine is the slice of the scheduling client the manager needs.
type Engine interface {
	CreateBooking(ctx context.Context, localID, customerName string, start, end time.Time) (string, error)
	UpdateBooking(ctx context.Context, ref string, start, end time.Time) error
	DeleteBooking(ctx context.Context, ref string) error
}

// RetryQueue enqueues a failed mirror operation for background completion.
type RetryQueue interface {
	Enqueue(ctx context.Context, op, appointmentID, externalRef string) error
}

// EventRecorder records domain events for downstream consumers. Recording
// failures are logged, never surfaced to the caller.
type EventRecorder interface {
	Booked(ctx context.Context, appt model.Appointment) error
	Rescheduled(ctx context.Context, appt model.Appointment, previousStart time.Time) error
	Cancelled(ctx context.Context, appt model.Appointment) error
}

type Manager struct {
	store    AppointmentStore
	avail    AvailabilitySource
	engine   Engine
	retry    RetryQueue
	events   EventRecorder
	resolver conflict.Resolver
	logger   *slog.Logger

	now        func() time.Time
	isNotFound func(error) bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Config struct {
	Store        AppointmentStore
	Availability AvailabilitySource
	Engine       Engine
	Retry        RetryQueue
	Events       EventRecorder
	Resolver     conflict.Resolver
	Logger       *slog.Logger

	// IsNotFound classifies store errors as missing-row lookups. Defaults
	// to never matching.
	IsNotFound func(error) bool

	// Now overrides the clock for tests.
	Now func() time.Time
}

func NewManager(cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IsNotFound == nil {
		cfg.IsNotFound = func(error) bool { return false }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:      cfg.Store,
		avail:      cfg.Availability,
		engine:     cfg.Engine,
		retry:      cfg.Retry,
		events:     cfg.Events,
		resolver:   cfg.Resolver,
		logger:     cfg.Logger,
		now:        cfg.Now,
		isNotFound: cfg.IsNotFound,
		locks:      map[string]*sync.Mutex{},
	}
}

// ownerLock serializes mutating operations per owner, so two concurrent
// requests for the same slot cannot both pass the conflict check.
func (m *Manager) ownerLock(ownerID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[ownerID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[ownerID] = lock
	}
	return lock
}

type CreateRequest struct {
	OwnerID         string
	CustomerName    string
	StartTime       time.Time
	DurationMinutes int
}

// Create books a new appointment. The booking is all-or-nothing: if the
// engine mirror fails, the local row is rolled back and the slot stays free.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (model.Appointment, error) {
	name := strings.TrimSpace(req.CustomerName)
	if name == "" {
		return model.Appointment{}, &ValidationError{Field: "customer_name", Reason: "must not be empty"}
	}
	if len(name) > maxCustomerName {
		return model.Appointment{}, &ValidationError{Field: "customer_name", Reason: "too long"}
	}
	if req.DurationMinutes <= 0 {
		return model.Appointment{}, &ValidationError{Field: "duration_minutes", Reason: "must be positive"}
	}

	lock := m.ownerLock(req.OwnerID)
	lock.Lock()
	defer lock.Unlock()

	appt := model.Appointment{
		ID:              uuid.NewString(),
		OwnerID:         req.OwnerID,
		CustomerName:    name,
		StartTime:       req.StartTime.UTC(),
		DurationMinutes: req.DurationMinutes,
		SyncStatus:      model.SyncPending,
	}

	if err := m.check(ctx, appt.OwnerID, appt.StartTime, appt.EndTime(), ""); err != nil {
		return model.Appointment{}, err
	}

	if err := m.store.Insert(ctx, &appt); err != nil {
		return model.Appointment{}, err
	}

	ref, err := m.engine.CreateBooking(ctx, appt.ID, appt.CustomerName, appt.StartTime, appt.EndTime())
	if err != nil {
		// Roll the local row back so the slot does not stay blocked by
		// an appointment the engine never accepted.
		if _, delErr := m.store.Delete(ctx, appt.OwnerID, appt.ID); delErr != nil {
			m.logger.Error("rollback after failed sync", "appointment_id", appt.ID, "err", delErr)
		}
		return model.Appointment{}, &SyncError{Op: "create", Retryable: scheduling.IsRetryable(err), Err: err}
	}

	appt.ExternalRef = ref
	appt.SyncStatus = model.SyncSynced
	if err := m.store.SetExternalRef(ctx, appt.ID, ref, model.SyncSynced); err != nil {
		// The engine accepted the booking but the row still says pending
		// with no reference. Queue an update carrying the reference so the
		// worker reconciles instead of creating a duplicate remote booking.
		appt.SyncStatus = model.SyncPending
		m.queueRetry(ctx, "update", appt.ID, ref, err)
	}

	m.record(ctx, "booked", func() error { return m.events.Booked(ctx, appt) })
	m.logger.Info("appointment booked", "appointment_id", appt.ID, "owner_id", appt.OwnerID, "start", appt.StartTime)
	return appt, nil
}

// Reschedule moves an existing appointment to a new start time. Duration and
// customer identity never change. The local move is authoritative: a failed
// engine mirror leaves the appointment pending and queues a background retry.
func (m *Manager) Reschedule(ctx context.Context, ownerID, id string, newStart time.Time) (model.Appointment, error) {
	lock := m.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.store.Get(ctx, ownerID, id)
	if err != nil {
		if m.isNotFound(err) {
			return model.Appointment{}, ErrNotFound
		}
		return model.Appointment{}, err
	}

	newStart = newStart.UTC()
	newEnd := newStart.Add(time.Duration(current.DurationMinutes) * time.Minute)
	if err := m.check(ctx, ownerID, newStart, newEnd, id); err != nil {
		return model.Appointment{}, err
	}

	appt, err := m.store.UpdateStart(ctx, ownerID, id, newStart, model.SyncPending)
	if err != nil {
		if m.isNotFound(err) {
			return model.Appointment{}, ErrNotFound
		}
		return model.Appointment{}, err
	}

	if err := m.mirrorMove(ctx, &appt); err != nil {
		m.queueRetry(ctx, "update", appt.ID, appt.ExternalRef, err)
	}

	m.record(ctx, "rescheduled", func() error { return m.events.Rescheduled(ctx, appt, current.StartTime) })
	m.logger.Info("appointment rescheduled", "appointment_id", appt.ID, "owner_id", ownerID,
		"from", current.StartTime, "to", appt.StartTime, "sync_status", appt.SyncStatus)
	return appt, nil
}

// mirrorMove pushes the appointment's current slot to the engine, creating
// the remote booking first if it never got one.
func (m *Manager) mirrorMove(ctx context.Context, appt *model.Appointment) error {
	var err error
	if appt.ExternalRef == "" {
		var ref string
		ref, err = m.engine.CreateBooking(ctx, appt.ID, appt.CustomerName, appt.StartTime, appt.EndTime())
		if err == nil {
			appt.ExternalRef = ref
		}
	} else {
		err = m.engine.UpdateBooking(ctx, appt.ExternalRef, appt.StartTime, appt.EndTime())
	}
	if err != nil {
		return err
	}

	// A persistence failure here is a sync failure too: the caller queues a
	// retry that re-pushes and re-persists.
	if persistErr := m.store.SetExternalRef(ctx, appt.ID, appt.ExternalRef, model.SyncSynced); persistErr != nil {
		return persistErr
	}
	appt.SyncStatus = model.SyncSynced
	return nil
}

// Delete cancels an appointment. The local delete always wins; a failed
// engine mirror is queued for background retry against the remote reference.
func (m *Manager) Delete(ctx context.Context, ownerID, id string) error {
	lock := m.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	appt, err := m.store.Delete(ctx, ownerID, id)
	if err != nil {
		if m.isNotFound(err) {
			return ErrNotFound
		}
		return err
	}

	if appt.ExternalRef != "" {
		if err := m.engine.DeleteBooking(ctx, appt.ExternalRef); err != nil {
			m.queueRetry(ctx, "delete", appt.ID, appt.ExternalRef, err)
		}
	}

	m.record(ctx, "cancelled", func() error { return m.events.Cancelled(ctx, appt) })
	m.logger.Info("appointment cancelled", "appointment_id", appt.ID, "owner_id", ownerID)
	return nil
}

func (m *Manager) Get(ctx context.Context, ownerID, id string) (model.Appointment, error) {
	appt, err := m.store.Get(ctx, ownerID, id)
	if err != nil {
		if m.isNotFound(err) {
			return model.Appointment{}, ErrNotFound
		}
		return model.Appointment{}, err
	}
	return appt, nil
}

func (m *Manager) List(ctx context.Context, ownerID string) ([]model.Appointment, error) {
	return m.store.ListByOwner(ctx, ownerID)
}

func (m *Manager) ListUpcoming(ctx context.Context, ownerID string, limit int) ([]model.Appointment, error) {
	return m.store.ListUpcoming(ctx, ownerID, m.now().UTC(), limit)
}

// check runs the conflict resolver against a fresh snapshot of the owner's
// overlapping appointments and expanded availability.
func (m *Manager) check(ctx context.Context, ownerID string, start, end time.Time, excludeID string) error {
	existing, err := m.store.ListOverlapping(ctx, ownerID, start, end)
	if err != nil {
		return err
	}
	candidate := timerange.Span{Start: start, End: end}
	spans, unrestricted, err := m.avail.SpansFor(ctx, ownerID, candidate)
	if err != nil {
		return err
	}

	result := m.resolver.Check(conflict.Request{
		Now:          m.now().UTC(),
		Start:        start,
		End:          end,
		Existing:     existing,
		ExcludeID:    excludeID,
		Windows:      spans,
		Unrestricted: unrestricted,
	})
	if !result.OK {
		return &ConflictError{Result: result}
	}
	return nil
}

func (m *Manager) queueRetry(ctx context.Context, op, appointmentID, externalRef string, cause error) {
	m.logger.Warn("sync failed, queueing retry", "op", op, "appointment_id", appointmentID, "err", cause)
	if m.retry == nil {
		return
	}
	if err := m.retry.Enqueue(ctx, op, appointmentID, externalRef); err != nil {
		m.logger.Error("enqueue sync retry", "op", op, "appointment_id", appointmentID, "err", err)
	}
}

func (m *Manager) record(ctx context.Context, event string, fn func() error) {
	if m.events == nil {
		return
	}
	if err := fn(); err != nil {
		m.logger.Error("record event", "event", event, "err", err)
	}
}
