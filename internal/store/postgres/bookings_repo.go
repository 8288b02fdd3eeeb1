package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"bookcal/backend/internal/domain"
	"bookcal/backend/internal/store"
)

type BookingRepo struct {
	db *bun.DB
}

func NewBookingRepo(db *bun.DB) *BookingRepo {
	return &BookingRepo{db: db}
}

type bookingTx struct {
	tx bun.IDB
}

// InHostTransaction serializes fn against other transactions for the same
// host with a transaction-scoped advisory lock. The bookings_no_overlap
// exclusion constraint still rejects anything that slips past it.
func (r *BookingRepo) InHostTransaction(ctx context.Context, hostID string, fn func(ctx context.Context, tx store.BookingTx) error) error {
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockHostCalendar(ctx, tx, hostID); err != nil {
			return err
		}
		return fn(ctx, bookingTx{tx: tx})
	})
	return mapTxError(err)
}

func lockHostCalendar(ctx context.Context, tx bun.Tx, hostID string) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", hostID).Exec(ctx)
	return err
}

func (r *BookingRepo) ListConfirmed(ctx context.Context, hostID string, window domain.TimeRange) ([]domain.Booking, error) {
	return bookingTx{tx: r.db}.ListConfirmedOverlapping(ctx, hostID, window)
}

func (r *BookingRepo) GetBooking(ctx context.Context, hostID string, id uuid.UUID) (domain.Booking, error) {
	return bookingTx{tx: r.db}.GetBooking(ctx, hostID, id)
}

func (r *BookingRepo) GetBookingByID(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	var b domain.Booking
	err := r.db.NewSelect().Model(&b).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		return domain.Booking{}, notFound(err)
	}
	return b, nil
}

func (r *BookingRepo) SetProviderEventID(ctx context.Context, id uuid.UUID, eventID string) (domain.Booking, error) {
	var b domain.Booking
	err := r.db.NewUpdate().
		Model(&b).
		Set("provider_event_id = ?", eventID).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Returning("*").
		Scan(ctx)
	if err != nil {
		return domain.Booking{}, notFound(err)
	}
	return b, nil
}

func (r bookingTx) GetBooking(ctx context.Context, hostID string, id uuid.UUID) (domain.Booking, error) {
	var b domain.Booking
	err := r.tx.NewSelect().
		Model(&b).
		Where("host_id = ?", hostID).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Booking{}, notFound(err)
	}
	return b, nil
}

func (r bookingTx) ListConfirmedOverlapping(ctx context.Context, hostID string, window domain.TimeRange) ([]domain.Booking, error) {
	var rows []domain.Booking
	err := r.tx.NewSelect().
		Model(&rows).
		Where("host_id = ?", hostID).
		Where("status = ?", domain.BookingStatusConfirmed).
		Where("start_time < ?", window.End).
		Where("end_time > ?", window.Start).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r bookingTx) InsertBooking(ctx context.Context, b domain.Booking) (domain.Booking, error) {
	m := domain.Booking{
		ID:        b.ID,
		HostID:    b.HostID,
		ClientID:  b.ClientID,
		StartTime: b.StartTime.UTC(),
		EndTime:   b.EndTime.UTC(),
		Status:    domain.BookingStatusConfirmed,
		Notes:     b.Notes,
	}

	res, err := r.tx.NewInsert().
		Model(&m).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		if code, constraint := pgCode(err); code == codeExclusionViolation && constraint == "bookings_no_overlap" {
			return domain.Booking{}, store.ErrConflict
		}
		return domain.Booking{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Booking{}, err
	}
	if affected == 0 {
		var existing domain.Booking
		if err := r.tx.NewSelect().Model(&existing).Where("id = ?", m.ID).Limit(1).Scan(ctx); err != nil {
			return domain.Booking{}, err
		}
		if !existing.SameRequest(b) {
			return domain.Booking{}, store.ErrIdempotencyConflict
		}
		return existing, nil
	}
	return m, nil
}

func (r bookingTx) CancelBooking(ctx context.Context, hostID string, id uuid.UUID, at time.Time) (domain.Booking, error) {
	var b domain.Booking
	err := r.tx.NewSelect().
		Model(&b).
		Where("host_id = ?", hostID).
		Where("id = ?", id).
		For("UPDATE").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Booking{}, notFound(err)
	}
	if b.Status == domain.BookingStatusCancelled {
		return b, nil
	}

	at = at.UTC()
	b.Status = domain.BookingStatusCancelled
	b.CancelledAt = &at
	_, err = r.tx.NewUpdate().
		Model(&b).
		Column("status", "cancelled_at", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return domain.Booking{}, err
	}
	return b, nil
}
