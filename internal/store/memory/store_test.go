package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookcal/backend/internal/domain"
	"bookcal/backend/internal/store"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestInHostTransaction_DiscardsWritesOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InHostTransaction(ctx, "h1", func(ctx context.Context, tx store.BookingTx) error {
		if _, err := tx.InsertBooking(ctx, domain.Booking{HostID: "h1", ClientID: "c1", StartTime: t0, EndTime: t0.Add(time.Hour)}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	rows, err := s.ListConfirmed(ctx, "h1", domain.TimeRange{Start: t0.Add(-time.Hour), End: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestInHostTransaction_SeesOwnWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	r := domain.TimeRange{Start: t0, End: t0.Add(time.Hour)}

	err := s.InHostTransaction(ctx, "h1", func(ctx context.Context, tx store.BookingTx) error {
		if _, err := tx.InsertBooking(ctx, domain.Booking{HostID: "h1", ClientID: "c1", StartTime: r.Start, EndTime: r.End}); err != nil {
			return err
		}
		rows, err := tx.ListConfirmedOverlapping(ctx, "h1", r)
		if err != nil {
			return err
		}
		if len(rows) != 1 {
			t.Fatalf("len(rows) = %d, want 1", len(rows))
		}
		return nil
	})
	require.NoError(t, err)
}

func TestInHostTransaction_RespectsContextWhileWaiting(t *testing.T) {
	s := New()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.InHostTransaction(context.Background(), "h1", func(ctx context.Context, tx store.BookingTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.InHostTransaction(ctx, "h1", func(ctx context.Context, tx store.BookingTx) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// another host is not blocked
	err = s.InHostTransaction(context.Background(), "h2", func(ctx context.Context, tx store.BookingTx) error { return nil })
	assert.NoError(t, err)
}

func TestInsertBooking_IdempotentReplay(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	b := domain.Booking{ID: id, HostID: "h1", ClientID: "c1", StartTime: t0, EndTime: t0.Add(time.Hour)}

	insert := func(b domain.Booking) (domain.Booking, error) {
		var out domain.Booking
		err := s.InHostTransaction(ctx, "h1", func(ctx context.Context, tx store.BookingTx) error {
			var err error
			out, err = tx.InsertBooking(ctx, b)
			return err
		})
		return out, err
	}

	first, err := insert(b)
	require.NoError(t, err)
	again, err := insert(b)
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)

	b.Notes = "different"
	_, err = insert(b)
	assert.ErrorIs(t, err, store.ErrIdempotencyConflict)
}

func TestClaimDuePushJobs_LeasesClaimedJobs(t *testing.T) {
	s := New()
	ctx := context.Background()

	due, err := s.EnqueuePushJob(ctx, domain.PushJob{HostID: "h1", BookingID: uuid.New(), Kind: domain.PushKindCreate, RunAt: t0})
	require.NoError(t, err)
	_, err = s.EnqueuePushJob(ctx, domain.PushJob{HostID: "h1", BookingID: uuid.New(), Kind: domain.PushKindCreate, RunAt: t0.Add(time.Hour)})
	require.NoError(t, err)

	jobs, err := s.ClaimDuePushJobs(ctx, t0, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, due.ID, jobs[0].ID)

	jobs, err = s.ClaimDuePushJobs(ctx, t0.Add(30*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, s.DeletePushJob(ctx, due.ID))
	assert.Len(t, s.PushJobs(), 1)
}

func TestConnections_DeleteIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.UpsertConnection(ctx, domain.CalendarConnection{HostID: "h1", Provider: domain.ProviderGoogle, SyncEnabled: true})
	require.NoError(t, err)

	require.NoError(t, s.DeleteConnection(ctx, "h1"))
	require.NoError(t, s.DeleteConnection(ctx, "h1"))
	_, err = s.GetConnection(ctx, "h1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
