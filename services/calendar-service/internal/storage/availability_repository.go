package storage

import (
	"context"
	"time"

	"github.com/solobook/solobook/libs/db"
	"github.com/solobook/solobook/services/calendar-service/internal/model"
)

type AvailabilityRepository struct {
	pool *db.Pool
}

func NewAvailabilityRepository(pool *db.Pool) *AvailabilityRepository {
	return &AvailabilityRepository{pool: pool}
}

// ReplaceWindows swaps the owner's weekly configuration wholesale inside one
// transaction, so readers never observe a partial schedule.
func (r *AvailabilityRepository) ReplaceWindows(ctx context.Context, ownerID string, windows []model.AvailabilityWindow) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM availability_windows
		WHERE owner_id = $1
	`, ownerID); err != nil {
		return err
	}

	for _, w := range windows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO availability_windows (owner_id, day_of_week, start_minute, end_minute)
			VALUES ($1, $2, $3, $4)
		`, ownerID, int(w.Day), w.StartMinute, w.EndMinute); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *AvailabilityRepository) ListWindows(ctx context.Context, ownerID string) ([]model.AvailabilityWindow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT day_of_week, start_minute, end_minute
		FROM availability_windows
		WHERE owner_id = $1
		ORDER BY day_of_week ASC, start_minute ASC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []model.AvailabilityWindow
	for rows.Next() {
		var day int
		var w model.AvailabilityWindow
		if err := rows.Scan(&day, &w.StartMinute, &w.EndMinute); err != nil {
			return nil, err
		}
		w.Day = time.Weekday(day)
		windows = append(windows, w)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return windows, nil
}
