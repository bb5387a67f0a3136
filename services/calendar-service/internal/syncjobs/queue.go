package syncjobs

import (
	"context"

	"github.com/solobook/solobook/libs/db"
)

// Queue is the write side handed to the lifecycle manager.
type Queue struct {
	pool *db.Pool
	repo *Repository
}

func NewQueue(pool *db.Pool, repo *Repository) *Queue {
	return &Queue{pool: pool, repo: repo}
}

func (q *Queue) Enqueue(ctx context.Context, op, appointmentID, externalRef string) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := q.repo.Insert(ctx, tx, op, appointmentID, externalRef); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
