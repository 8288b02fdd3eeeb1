package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bookcal/backend/internal/domain"
)

// BookingTx is the view of a host's bookings inside InHostTransaction. All
// reads observe writes committed before the transaction took the host lock.
type BookingTx interface {
	GetBooking(ctx context.Context, hostID string, id uuid.UUID) (domain.Booking, error)
	ListConfirmedOverlapping(ctx context.Context, hostID string, r domain.TimeRange) ([]domain.Booking, error)
	InsertBooking(ctx context.Context, b domain.Booking) (domain.Booking, error)
	CancelBooking(ctx context.Context, hostID string, id uuid.UUID, at time.Time) (domain.Booking, error)
}

type BookingStore interface {
	// InHostTransaction runs fn serialized against every other transaction
	// for the same host. Transactions for different hosts do not wait on
	// each other.
	InHostTransaction(ctx context.Context, hostID string, fn func(ctx context.Context, tx BookingTx) error) error

	ListConfirmed(ctx context.Context, hostID string, window domain.TimeRange) ([]domain.Booking, error)
	GetBooking(ctx context.Context, hostID string, id uuid.UUID) (domain.Booking, error)
	GetBookingByID(ctx context.Context, id uuid.UUID) (domain.Booking, error)
	SetProviderEventID(ctx context.Context, id uuid.UUID, eventID string) (domain.Booking, error)
}
