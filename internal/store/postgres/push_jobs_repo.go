package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"bookcal/backend/internal/domain"
)

type PushJobRepo struct {
	db *bun.DB
}

func NewPushJobRepo(db *bun.DB) *PushJobRepo {
	return &PushJobRepo{db: db}
}

func (r *PushJobRepo) EnqueuePushJob(ctx context.Context, job domain.PushJob) (domain.PushJob, error) {
	if _, err := r.db.NewInsert().Model(&job).Exec(ctx); err != nil {
		return domain.PushJob{}, err
	}
	return job, nil
}

// ClaimDuePushJobs leases due jobs with SKIP LOCKED so several workers can
// poll the same table.
func (r *PushJobRepo) ClaimDuePushJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.PushJob, error) {
	if limit <= 0 {
		limit = 1
	}
	var jobs []domain.PushJob
	err := r.db.NewRaw(`
UPDATE calendar_push_jobs
SET run_at = ?, updated_at = ?
WHERE id IN (
    SELECT id FROM calendar_push_jobs
    WHERE run_at <= ?
    ORDER BY run_at ASC
    LIMIT ?
    FOR UPDATE SKIP LOCKED
)
RETURNING *`,
		now.Add(lease).UTC(), now.UTC(), now.UTC(), limit,
	).Scan(ctx, &jobs)
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *PushJobRepo) ReschedulePushJob(ctx context.Context, id uuid.UUID, attempts int, runAt time.Time, lastErr string) error {
	res, err := r.db.NewUpdate().
		Model((*domain.PushJob)(nil)).
		Set("attempts = ?", attempts).
		Set("run_at = ?", runAt.UTC()).
		Set("last_error = ?", lastErr).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return affectedOrNotFound(res, err)
}

func (r *PushJobRepo) DeletePushJob(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.NewDelete().
		Model((*domain.PushJob)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}
