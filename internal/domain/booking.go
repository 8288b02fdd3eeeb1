package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type BookingStatus string

const (
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

type Booking struct {
	bun.BaseModel `bun:"table:bookings"`

	ID              uuid.UUID     `bun:"id,pk,type:uuid"`
	HostID          string        `bun:"host_id,notnull"`
	ClientID        string        `bun:"client_id,notnull"`
	StartTime       time.Time     `bun:"start_time,notnull"`
	EndTime         time.Time     `bun:"end_time,notnull"`
	Status          BookingStatus `bun:"status,notnull"`
	Notes           string        `bun:"notes"`
	ProviderEventID string        `bun:"provider_event_id"`
	CancelledAt     *time.Time    `bun:"cancelled_at"`
	CreatedAt       time.Time     `bun:"created_at,notnull"`
	UpdatedAt       time.Time     `bun:"updated_at,notnull"`
}

func (b *Booking) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if b.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			b.ID = id
		}
		if b.Status == "" {
			b.Status = BookingStatusConfirmed
		}
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
		if b.UpdatedAt.IsZero() {
			b.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		b.UpdatedAt = now
	}
	return nil
}

func (b Booking) Range() TimeRange {
	return TimeRange{Start: b.StartTime, End: b.EndTime}
}

func (b Booking) Confirmed() bool {
	return b.Status == BookingStatusConfirmed
}

// SameRequest reports whether other describes the same booking request, used
// to tell an idempotent replay from a key reused for different data.
func (b Booking) SameRequest(other Booking) bool {
	return b.HostID == other.HostID &&
		b.ClientID == other.ClientID &&
		b.Notes == other.Notes &&
		b.StartTime.Equal(other.StartTime) &&
		b.EndTime.Equal(other.EndTime)
}

// BookingIDFromKey derives a stable booking id from a client supplied
// idempotency key so retries land on the same row.
func BookingIDFromKey(hostID, clientID, key string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("bookcal:create_booking:"+hostID+":"+clientID+":"+key))
}
