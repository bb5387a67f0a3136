package syncjobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/solobook/solobook/libs/db"
	"github.com/solobook/solobook/services/calendar-service/internal/model"
	"github.com/solobook/solobook/services/calendar-service/internal/outbox"
	"github.com/solobook/solobook/services/calendar-service/internal/scheduling"
)

// Engine is the slice of the scheduling client the worker replays against.
type Engine interface {
	CreateBooking(ctx context.Context, localID, customerName string, start, end time.Time) (string, error)
	UpdateBooking(ctx context.Context, ref string, start, end time.Time) error
	DeleteBooking(ctx context.Context, ref string) error
	PushAvailability(ctx context.Context, windows []model.AvailabilityWindow) error
}

// AppointmentSource reads and marks appointments while replaying update jobs.
type AppointmentSource interface {
	GetByID(ctx context.Context, id string) (model.Appointment, error)
	SetExternalRef(ctx context.Context, id, ref string, status model.SyncStatus) error
	SetSyncStatus(ctx context.Context, id string, status model.SyncStatus) error
}

// WindowSource loads the owner's current weekly configuration, so an
// availability replay always pushes the latest state.
type WindowSource interface {
	Windows(ctx context.Context, ownerID string) ([]model.AvailabilityWindow, error)
}

type Worker struct {
	pool       *db.Pool
	repo       *Repository
	outbox     *outbox.Repository
	engine     Engine
	appts      AppointmentSource
	windows    WindowSource
	logger     *slog.Logger
	isNotFound func(error) bool
	interval   time.Duration
	batchSize  int
	backoff    time.Duration

	now func() time.Time
}

type WorkerConfig struct {
	Interval   time.Duration
	BatchSize  int
	Backoff    time.Duration
	IsNotFound func(error) bool
}

func NewWorker(pool *db.Pool, repo *Repository, outboxRepo *outbox.Repository, engine Engine, appts AppointmentSource, windows WindowSource, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 30 * time.Second
	}
	if cfg.IsNotFound == nil {
		cfg.IsNotFound = func(error) bool { return false }
	}
	return &Worker{
		pool:       pool,
		repo:       repo,
		outbox:     outboxRepo,
		engine:     engine,
		appts:      appts,
		windows:    windows,
		logger:     logger,
		isNotFound: cfg.IsNotFound,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		backoff:    cfg.Backoff,
		now:        time.Now,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.processBatch(ctx); err != nil {
				w.logger.Error("sync retry batch failed", "err", err)
			}
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	jobs, err := w.repo.FetchDue(ctx, tx, w.batchSize)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return tx.Commit(ctx)
	}

	var done []int64
	for _, job := range jobs {
		execErr := w.execute(ctx, job)
		if execErr == nil {
			done = append(done, job.ID)
			continue
		}

		attempts := job.Attempts + 1
		if !scheduling.IsRetryable(execErr) {
			// A terminal engine rejection will never succeed on replay.
			attempts = job.MaxAttempts
		}
		nextRunAt := w.now().UTC().Add(w.retryDelay(attempts))
		if err := w.repo.MarkFailed(ctx, tx, job.ID, attempts, job.MaxAttempts, nextRunAt, execErr.Error()); err != nil {
			return err
		}
		w.logger.Warn("sync retry failed", "op", job.Op, "appointment_id", job.AppointmentID,
			"attempts", attempts, "err", execErr)

		if attempts >= job.MaxAttempts {
			if err := w.deadLetter(ctx, tx, job, execErr); err != nil {
				return err
			}
		}
	}

	if err := w.repo.MarkProcessed(ctx, tx, done); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// execute replays one mirror operation against the engine.
func (w *Worker) execute(ctx context.Context, job Job) error {
	switch job.Op {
	case OpDelete:
		if job.ExternalRef == "" {
			return nil
		}
		return w.engine.DeleteBooking(ctx, job.ExternalRef)
	case OpUpdate:
		return w.replayUpdate(ctx, job)
	case OpAvailability:
		return w.replayAvailability(ctx, job)
	default:
		w.logger.Error("unknown sync job op", "op", job.Op, "job_id", job.ID)
		return nil
	}
}

func (w *Worker) replayUpdate(ctx context.Context, job Job) error {
	appt, err := w.appts.GetByID(ctx, job.AppointmentID)
	if err != nil {
		if w.isNotFound(err) {
			// Deleted since the job was queued; the delete path owns the
			// remote cleanup.
			return nil
		}
		return err
	}

	// The job may carry a reference the row never got, when the engine
	// accepted a booking but persisting the reference failed.
	ref := appt.ExternalRef
	if ref == "" {
		ref = job.ExternalRef
	}
	if ref == "" {
		created, err := w.engine.CreateBooking(ctx, appt.ID, appt.CustomerName, appt.StartTime, appt.EndTime())
		if err != nil {
			return err
		}
		return w.appts.SetExternalRef(ctx, appt.ID, created, model.SyncSynced)
	}

	if err := w.engine.UpdateBooking(ctx, ref, appt.StartTime, appt.EndTime()); err != nil {
		return err
	}
	return w.appts.SetExternalRef(ctx, appt.ID, ref, model.SyncSynced)
}

// replayAvailability re-pushes the owner's weekly configuration. The job's
// appointment id column carries the owner id for this op.
func (w *Worker) replayAvailability(ctx context.Context, job Job) error {
	if w.windows == nil {
		return nil
	}
	windows, err := w.windows.Windows(ctx, job.AppointmentID)
	if err != nil {
		return err
	}
	return w.engine.PushAvailability(ctx, windows)
}

func (w *Worker) deadLetter(ctx context.Context, tx pgx.Tx, job Job, cause error) error {
	if markErr := w.markFailedStatus(ctx, job); markErr != nil {
		w.logger.Error("mark appointment sync failed", "appointment_id", job.AppointmentID, "err", markErr)
	}

	payload, err := json.Marshal(map[string]any{
		"op":             job.Op,
		"appointment_id": job.AppointmentID,
		"external_ref":   job.ExternalRef,
		"error_reason":   cause.Error(),
		"failed_at":      w.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return w.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "sync_job",
		AggregateID:   job.AppointmentID,
		EventType:     outbox.EventSyncDLQ,
		Payload:       payload,
	})
}

func (w *Worker) markFailedStatus(ctx context.Context, job Job) error {
	if job.Op != OpUpdate {
		return nil
	}
	err := w.appts.SetSyncStatus(ctx, job.AppointmentID, model.SyncFailed)
	if err != nil && w.isNotFound(err) {
		return nil
	}
	return err
}

// retryDelay doubles per attempt from the base backoff, capped at one hour.
func (w *Worker) retryDelay(attempts int) time.Duration {
	d := w.backoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= time.Hour {
			return time.Hour
		}
	}
	return d
}
