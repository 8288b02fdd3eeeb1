// Package memory is an in-process implementation of the store interfaces used
// by tests and by `serve --store=memory` for local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bookcal/backend/internal/domain"
	"bookcal/backend/internal/store"
)

type Store struct {
	mu          sync.RWMutex
	bookings    map[uuid.UUID]domain.Booking
	connections map[string]domain.CalendarConnection
	policies    map[string]domain.WorkingHoursPolicy
	jobs        map[uuid.UUID]domain.PushJob

	locksMu   sync.Mutex
	hostLocks map[string]chan struct{}

	now func() time.Time
}

func New() *Store {
	return &Store{
		bookings:    make(map[uuid.UUID]domain.Booking),
		connections: make(map[string]domain.CalendarConnection),
		policies:    make(map[string]domain.WorkingHoursPolicy),
		jobs:        make(map[uuid.UUID]domain.PushJob),
		hostLocks:   make(map[string]chan struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) hostLock(hostID string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.hostLocks[hostID]
	if !ok {
		l = make(chan struct{}, 1)
		s.hostLocks[hostID] = l
	}
	return l
}

func (s *Store) InHostTransaction(ctx context.Context, hostID string, fn func(ctx context.Context, tx store.BookingTx) error) error {
	l := s.hostLock(hostID)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l }()

	tx := &bookingTx{s: s, staged: make(map[uuid.UUID]domain.Booking)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range tx.staged {
		// provider_event_id is written outside host transactions.
		if cur, ok := s.bookings[id]; ok && b.ProviderEventID == "" {
			b.ProviderEventID = cur.ProviderEventID
		}
		s.bookings[id] = b
	}
	return nil
}

func (s *Store) ListConfirmed(ctx context.Context, hostID string, window domain.TimeRange) ([]domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmedOverlapping(hostID, window, nil), nil
}

func (s *Store) confirmedOverlapping(hostID string, r domain.TimeRange, staged map[uuid.UUID]domain.Booking) []domain.Booking {
	var out []domain.Booking
	seen := make(map[uuid.UUID]struct{}, len(staged))
	for id, b := range staged {
		seen[id] = struct{}{}
		if b.HostID == hostID && b.Confirmed() && domain.Overlaps(b.Range(), r) {
			out = append(out, b)
		}
	}
	for id, b := range s.bookings {
		if _, ok := seen[id]; ok {
			continue
		}
		if b.HostID == hostID && b.Confirmed() && domain.Overlaps(b.Range(), r) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (s *Store) GetBooking(ctx context.Context, hostID string, id uuid.UUID) (domain.Booking, error) {
	b, err := s.GetBookingByID(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	if b.HostID != hostID {
		return domain.Booking{}, store.ErrNotFound
	}
	return b, nil
}

func (s *Store) GetBookingByID(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return domain.Booking{}, store.ErrNotFound
	}
	return b, nil
}

func (s *Store) SetProviderEventID(ctx context.Context, id uuid.UUID, eventID string) (domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return domain.Booking{}, store.ErrNotFound
	}
	b.ProviderEventID = eventID
	b.UpdatedAt = s.now()
	s.bookings[id] = b
	return b, nil
}

type bookingTx struct {
	s      *Store
	staged map[uuid.UUID]domain.Booking
}

func (t *bookingTx) lookup(id uuid.UUID) (domain.Booking, bool) {
	if b, ok := t.staged[id]; ok {
		return b, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	b, ok := t.s.bookings[id]
	return b, ok
}

func (t *bookingTx) GetBooking(ctx context.Context, hostID string, id uuid.UUID) (domain.Booking, error) {
	b, ok := t.lookup(id)
	if !ok || b.HostID != hostID {
		return domain.Booking{}, store.ErrNotFound
	}
	return b, nil
}

func (t *bookingTx) ListConfirmedOverlapping(ctx context.Context, hostID string, r domain.TimeRange) ([]domain.Booking, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.confirmedOverlapping(hostID, r, t.staged), nil
}

func (t *bookingTx) InsertBooking(ctx context.Context, b domain.Booking) (domain.Booking, error) {
	if b.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Booking{}, err
		}
		b.ID = id
	}
	if existing, ok := t.lookup(b.ID); ok {
		if !existing.SameRequest(b) {
			return domain.Booking{}, store.ErrIdempotencyConflict
		}
		return existing, nil
	}
	if b.Status == "" {
		b.Status = domain.BookingStatusConfirmed
	}
	now := t.s.now()
	b.StartTime = b.StartTime.UTC()
	b.EndTime = b.EndTime.UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	t.staged[b.ID] = b
	return b, nil
}

func (t *bookingTx) CancelBooking(ctx context.Context, hostID string, id uuid.UUID, at time.Time) (domain.Booking, error) {
	b, err := t.GetBooking(ctx, hostID, id)
	if err != nil {
		return domain.Booking{}, err
	}
	if b.Status == domain.BookingStatusCancelled {
		return b, nil
	}
	at = at.UTC()
	b.Status = domain.BookingStatusCancelled
	b.CancelledAt = &at
	b.UpdatedAt = at
	t.staged[b.ID] = b
	return b, nil
}
