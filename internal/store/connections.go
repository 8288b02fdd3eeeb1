package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bookcal/backend/internal/domain"
)

type ConnectionStore interface {
	GetConnection(ctx context.Context, hostID string) (domain.CalendarConnection, error)
	UpsertConnection(ctx context.Context, c domain.CalendarConnection) (domain.CalendarConnection, error)
	// UpdateTokens writes the rotated access token, refresh token and expiry
	// in a single statement.
	UpdateTokens(ctx context.Context, hostID string, u domain.TokenUpdate) error
	DisableSync(ctx context.Context, hostID string) error
	// DeleteConnection succeeds when there is nothing to delete.
	DeleteConnection(ctx context.Context, hostID string) error
}

type PolicyStore interface {
	GetPolicy(ctx context.Context, hostID string) (domain.WorkingHoursPolicy, error)
	SavePolicy(ctx context.Context, settings domain.HostSettings, hours []domain.WorkingHours) error
}

type PushJobStore interface {
	EnqueuePushJob(ctx context.Context, job domain.PushJob) (domain.PushJob, error)
	// ClaimDuePushJobs returns up to limit jobs with RunAt <= now and moves
	// their RunAt to now+lease so concurrent workers skip them.
	ClaimDuePushJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.PushJob, error)
	ReschedulePushJob(ctx context.Context, id uuid.UUID, attempts int, runAt time.Time, lastErr string) error
	DeletePushJob(ctx context.Context, id uuid.UUID) error
}
