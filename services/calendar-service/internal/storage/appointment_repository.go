// Package storage holds the pgx-backed repositories for the calendar
// service. All queries go through the shared db.Pool.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/solobook/solobook/libs/db"
	"github.com/solobook/solobook/services/calendar-service/internal/model"
)

const appointmentColumns = `id, owner_id, customer_name, start_time, duration_minutes,
		COALESCE(external_ref, ''), sync_status, created_at, updated_at`

type AppointmentRepository struct {
	pool *db.Pool
}

func NewAppointmentRepository(pool *db.Pool) *AppointmentRepository {
	return &AppointmentRepository{pool: pool}
}

func (r *AppointmentRepository) Insert(ctx context.Context, appt *model.Appointment) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO appointments
			(id, owner_id, customer_name, start_time, duration_minutes, external_ref, sync_status)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		RETURNING created_at, updated_at
	`, appt.ID, appt.OwnerID, appt.CustomerName, appt.StartTime, appt.DurationMinutes,
		appt.ExternalRef, appt.SyncStatus).Scan(&appt.CreatedAt, &appt.UpdatedAt)
}

func (r *AppointmentRepository) Get(ctx context.Context, ownerID, id string) (model.Appointment, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1 AND owner_id = $2
	`, id, ownerID))
}

func (r *AppointmentRepository) GetByID(ctx context.Context, id string) (model.Appointment, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id))
}

// ListByOwner returns every appointment for the owner in chronological order.
// Ties on start_time break on id so the ordering is stable.
func (r *AppointmentRepository) ListByOwner(ctx context.Context, ownerID string) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE owner_id = $1
		ORDER BY start_time ASC, id ASC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	return r.scanAll(rows)
}

func (r *AppointmentRepository) ListUpcoming(ctx context.Context, ownerID string, after time.Time, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE owner_id = $1 AND start_time >= $2
		ORDER BY start_time ASC, id ASC
		LIMIT $3
	`, ownerID, after, limit)
	if err != nil {
		return nil, err
	}
	return r.scanAll(rows)
}

// ListOverlapping returns the owner's appointments whose half-open interval
// intersects [start, end).
func (r *AppointmentRepository) ListOverlapping(ctx context.Context, ownerID string, start, end time.Time) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE owner_id = $1
			AND start_time < $3
			AND start_time + make_interval(mins => duration_minutes) > $2
		ORDER BY start_time ASC, id ASC
	`, ownerID, start, end)
	if err != nil {
		return nil, err
	}
	return r.scanAll(rows)
}

func (r *AppointmentRepository) UpdateStart(ctx context.Context, ownerID, id string, start time.Time, syncStatus model.SyncStatus) (model.Appointment, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET start_time = $3,
			sync_status = $4,
			updated_at = now()
		WHERE id = $1 AND owner_id = $2
		RETURNING `+appointmentColumns+`
	`, id, ownerID, start, syncStatus))
}

func (r *AppointmentRepository) SetExternalRef(ctx context.Context, id, ref string, syncStatus model.SyncStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET external_ref = NULLIF($2, ''),
			sync_status = $3,
			updated_at = now()
		WHERE id = $1
	`, id, ref, syncStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *AppointmentRepository) SetSyncStatus(ctx context.Context, id string, syncStatus model.SyncStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET sync_status = $2,
			updated_at = now()
		WHERE id = $1
	`, id, syncStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *AppointmentRepository) Delete(ctx context.Context, ownerID, id string) (model.Appointment, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `
		DELETE FROM appointments
		WHERE id = $1 AND owner_id = $2
		RETURNING `+appointmentColumns+`
	`, id, ownerID))
}

// ExternalRef satisfies the sync client's reference lookup so retried
// creates resolve an already-assigned remote reference.
func (r *AppointmentRepository) ExternalRef(ctx context.Context, localID string) (string, bool, error) {
	var ref string
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(external_ref, '')
		FROM appointments
		WHERE id = $1
	`, localID).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ref, ref != "", nil
}

func (r *AppointmentRepository) scanOne(row pgx.Row) (model.Appointment, error) {
	var appt model.Appointment
	err := row.Scan(
		&appt.ID,
		&appt.OwnerID,
		&appt.CustomerName,
		&appt.StartTime,
		&appt.DurationMinutes,
		&appt.ExternalRef,
		&appt.SyncStatus,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	return appt, nil
}

func (r *AppointmentRepository) scanAll(rows pgx.Rows) ([]model.Appointment, error) {
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		var appt model.Appointment
		if err := rows.Scan(
			&appt.ID,
			&appt.OwnerID,
			&appt.CustomerName,
			&appt.StartTime,
			&appt.DurationMinutes,
			&appt.ExternalRef,
			&appt.SyncStatus,
			&appt.CreatedAt,
			&appt.UpdatedAt,
		); err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "23P01" || pgErr.Code == "23505")
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
