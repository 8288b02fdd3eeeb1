// Package booking serializes booking writes per host so that no two
// confirmed bookings for a host ever overlap.
package booking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"bookcal/backend/internal/domain"
	"bookcal/backend/internal/metrics"
	"bookcal/backend/internal/store"
)

const (
	defaultMaxTries     = 4
	defaultInitialDelay = 25 * time.Millisecond
)

type Guard struct {
	store        store.BookingStore
	metrics      *metrics.Metrics
	log          *slog.Logger
	now          func() time.Time
	maxTries     uint
	initialDelay time.Duration
}

type Option func(*Guard)

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.log = l }
}

// WithRetry bounds how often a transaction that lost a serialization race is
// replayed.
func WithRetry(maxTries uint, initialDelay time.Duration) Option {
	return func(g *Guard) {
		g.maxTries = maxTries
		g.initialDelay = initialDelay
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func NewGuard(s store.BookingStore, opts ...Option) *Guard {
	g := &Guard{
		store:        s,
		log:          slog.Default(),
		now:          time.Now,
		maxTries:     defaultMaxTries,
		initialDelay: defaultInitialDelay,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With(slog.String("component", "booking.guard"))
	return g
}

// Create inserts b unless it overlaps a confirmed booking of the same host.
// A booking whose ID already exists is returned as is when it carries the
// same request data.
func (g *Guard) Create(ctx context.Context, b domain.Booking) (domain.Booking, error) {
	created, err := retry(ctx, g, func() (domain.Booking, error) {
		return g.create(ctx, b)
	})

	switch {
	case err == nil:
		g.metrics.RecordBookingCreate("ok")
	case errors.Is(err, domain.ErrSlotTaken):
		g.metrics.RecordBookingCreate("slot_taken")
	case errors.Is(err, store.ErrIdempotencyConflict):
		g.metrics.RecordBookingCreate("idempotency_conflict")
	default:
		g.metrics.RecordBookingCreate("error")
		g.log.Error("create booking failed", slog.String("host_id", b.HostID), slog.Any("err", err))
	}
	return created, err
}

func (g *Guard) create(ctx context.Context, b domain.Booking) (domain.Booking, error) {
	var out domain.Booking
	err := g.store.InHostTransaction(ctx, b.HostID, func(ctx context.Context, tx store.BookingTx) error {
		if b.ID != uuid.Nil {
			existing, err := tx.GetBooking(ctx, b.HostID, b.ID)
			switch {
			case err == nil:
				if !existing.SameRequest(b) {
					return store.ErrIdempotencyConflict
				}
				out = existing
				return nil
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		candidates, err := tx.ListConfirmedOverlapping(ctx, b.HostID, b.Range())
		if err != nil {
			return err
		}
		for _, c := range candidates {
			if domain.Overlaps(c.Range(), b.Range()) {
				return domain.ErrSlotTaken
			}
		}

		inserted, err := tx.InsertBooking(ctx, b)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				return domain.ErrSlotTaken
			}
			return err
		}
		out = inserted
		return nil
	})
	return out, err
}

// Cancel marks the booking cancelled. changed is false when it already was.
func (g *Guard) Cancel(ctx context.Context, hostID string, id uuid.UUID) (b domain.Booking, changed bool, err error) {
	b, err = retry(ctx, g, func() (domain.Booking, error) {
		var out domain.Booking
		err := g.store.InHostTransaction(ctx, hostID, func(ctx context.Context, tx store.BookingTx) error {
			current, err := tx.GetBooking(ctx, hostID, id)
			if err != nil {
				return err
			}
			if !current.Confirmed() {
				out = current
				changed = false
				return nil
			}
			out, err = tx.CancelBooking(ctx, hostID, id, g.now().UTC())
			changed = err == nil
			return err
		})
		return out, err
	})
	return b, changed, err
}

func retry(ctx context.Context, g *Guard, op func() (domain.Booking, error)) (domain.Booking, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.initialDelay
	eb.MaxInterval = 20 * g.initialDelay

	return backoff.Retry(ctx, func() (domain.Booking, error) {
		b, err := op()
		if err == nil {
			return b, nil
		}
		if errors.Is(err, store.ErrRetryable) {
			g.log.Warn("booking transaction retry", slog.Any("err", err))
			return domain.Booking{}, err
		}
		return domain.Booking{}, backoff.Permanent(err)
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(g.maxTries))
}
