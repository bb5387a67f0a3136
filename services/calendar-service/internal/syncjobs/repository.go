// Package syncjobs is the background retry queue for engine mirror
// operations that failed inline. Jobs are deduplicated per appointment and
// operation, claimed with SKIP LOCKED, and dead-lettered after the attempt
// budget runs out.
package syncjobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	OpUpdate       = "update"
	OpDelete       = "delete"
	OpAvailability = "availability"

	defaultMaxAttempts = 5
)

type Job struct {
	ID             int64
	IdempotencyKey string
	Op             string
	AppointmentID  string
	ExternalRef    string
	Attempts       int
	MaxAttempts    int
	NextRunAt      time.Time
	LastError      string
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Insert enqueues a retry. The idempotency key collapses repeated failures
// of the same operation on the same appointment into one pending job; a key
// held by a processed or dead-lettered row is revived as a fresh pending job
// so a later failure is never swallowed by an old outcome.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, op, appointmentID, externalRef string) error {
	key := fmt.Sprintf("%s:%s", op, appointmentID)
	_, err := tx.Exec(ctx, `
		INSERT INTO sync_jobs (idempotency_key, op, appointment_id, external_ref, max_attempts, next_run_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, now())
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'pending',
		    attempts = 0,
		    external_ref = EXCLUDED.external_ref,
		    last_error = NULL,
		    next_run_at = now(),
		    updated_at = now()
		WHERE sync_jobs.status <> 'pending'
	`, key, op, appointmentID, externalRef, defaultMaxAttempts)
	return err
}

func (r *Repository) FetchDue(ctx context.Context, tx pgx.Tx, limit int) ([]Job, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, idempotency_key, op, appointment_id, COALESCE(external_ref, ''),
			attempts, max_attempts, next_run_at, COALESCE(last_error, '')
		FROM sync_jobs
		WHERE status = 'pending' AND next_run_at <= now()
		ORDER BY next_run_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.IdempotencyKey, &j.Op, &j.AppointmentID, &j.ExternalRef,
			&j.Attempts, &j.MaxAttempts, &j.NextRunAt, &j.LastError); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return jobs, nil
}

func (r *Repository) MarkProcessed(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'processed', updated_at = now()
		WHERE id = ANY($1)
	`, ids)
	return err
}

func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, attempts, maxAttempts int, nextRunAt time.Time, lastError string) error {
	status := "pending"
	if attempts >= maxAttempts {
		status = "failed"
	}
	_, err := tx.Exec(ctx, `
		UPDATE sync_jobs
		SET attempts = $2,
		    status = $3,
		    next_run_at = $4,
		    last_error = $5,
		    updated_at = now()
		WHERE id = $1
	`, id, attempts, status, nextRunAt, lastError)
	return err
}
