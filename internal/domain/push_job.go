package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type PushKind string

const (
	PushKindCreate PushKind = "push"
	PushKindDelete PushKind = "delete"
)

// PushJob is a pending write of a booking to the host's external calendar.
type PushJob struct {
	bun.BaseModel `bun:"table:calendar_push_jobs"`

	ID              uuid.UUID `bun:"id,pk,type:uuid"`
	HostID          string    `bun:"host_id,notnull"`
	BookingID       uuid.UUID `bun:"booking_id,notnull,type:uuid"`
	Kind            PushKind  `bun:"kind,notnull"`
	ProviderEventID string    `bun:"provider_event_id"`
	Attempts        int       `bun:"attempts,notnull"`
	RunAt           time.Time `bun:"run_at,notnull"`
	LastError       string    `bun:"last_error"`
	CreatedAt       time.Time `bun:"created_at,notnull"`
	UpdatedAt       time.Time `bun:"updated_at,notnull"`
}

func (j *PushJob) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if j.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			j.ID = id
		}
		if j.RunAt.IsZero() {
			j.RunAt = now
		}
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
		if j.UpdatedAt.IsZero() {
			j.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		j.UpdatedAt = now
	}
	return nil
}
