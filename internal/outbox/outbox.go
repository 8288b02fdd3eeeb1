// Package outbox delivers booking changes to external calendars after the
// booking itself has been committed.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bookcal/backend/internal/domain"
	"bookcal/backend/internal/metrics"
	"bookcal/backend/internal/store"
)

var DefaultSchedule = []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute}

const (
	defaultInterval  = 30 * time.Second
	defaultBatchSize = 20
	defaultLease     = 2 * time.Minute
)

// Queue records push and delete jobs. It never talks to a provider.
type Queue struct {
	jobs store.PushJobStore
	now  func() time.Time
	wake chan struct{}
}

func NewQueue(jobs store.PushJobStore) *Queue {
	return &Queue{
		jobs: jobs,
		now:  time.Now,
		wake: make(chan struct{}, 1),
	}
}

func (q *Queue) EnqueuePush(ctx context.Context, b domain.Booking) error {
	return q.enqueue(ctx, domain.PushJob{
		HostID:    b.HostID,
		BookingID: b.ID,
		Kind:      domain.PushKindCreate,
	})
}

func (q *Queue) EnqueueDelete(ctx context.Context, hostID string, bookingID uuid.UUID, eventID string) error {
	return q.enqueue(ctx, domain.PushJob{
		HostID:          hostID,
		BookingID:       bookingID,
		Kind:            domain.PushKindDelete,
		ProviderEventID: eventID,
	})
}

func (q *Queue) enqueue(ctx context.Context, job domain.PushJob) error {
	job.RunAt = q.now().UTC()
	if _, err := q.jobs.EnqueuePushJob(ctx, job); err != nil {
		return err
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pusher performs the provider side of a job; calendar.Client implements it.
type Pusher interface {
	PushBooking(ctx context.Context, b domain.Booking) (string, error)
	DeleteBooking(ctx context.Context, hostID, eventID string) error
}

type bookingStore interface {
	GetBookingByID(ctx context.Context, id uuid.UUID) (domain.Booking, error)
	SetProviderEventID(ctx context.Context, id uuid.UUID, eventID string) (domain.Booking, error)
}

type Config struct {
	Interval  time.Duration
	Schedule  []time.Duration
	BatchSize int
	Lease     time.Duration
}

type Worker struct {
	queue    *Queue
	jobs     store.PushJobStore
	bookings bookingStore
	pusher   Pusher

	interval  time.Duration
	schedule  []time.Duration
	batchSize int
	lease     time.Duration

	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewWorker(q *Queue, bookings bookingStore, pusher Pusher, cfg Config, m *metrics.Metrics, log *slog.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		queue:     q,
		jobs:      q.jobs,
		bookings:  bookings,
		pusher:    pusher,
		interval:  cfg.Interval,
		schedule:  cfg.Schedule,
		batchSize: cfg.BatchSize,
		lease:     cfg.Lease,
		metrics:   m,
		log:       log.With(slog.String("component", "outbox.worker")),
		now:       time.Now,
	}
}

// Start processes due jobs until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("outbox worker started", slog.Duration("interval", w.interval))

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("outbox worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-w.queue.wake:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce claims and processes one batch of due jobs and reports how many
// it handled.
func (w *Worker) RunOnce(ctx context.Context) int {
	jobs, err := w.jobs.ClaimDuePushJobs(ctx, w.now().UTC(), w.batchSize, w.lease)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error("claim push jobs failed", slog.Any("err", err))
		}
		return 0
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		w.process(ctx, job)
	}
	return len(jobs)
}

func (w *Worker) process(ctx context.Context, job domain.PushJob) {
	var err error
	switch job.Kind {
	case domain.PushKindCreate:
		err = w.push(ctx, job)
	case domain.PushKindDelete:
		err = w.pusher.DeleteBooking(ctx, job.HostID, job.ProviderEventID)
	default:
		w.log.Error("unknown push job kind", slog.String("job_id", job.ID.String()), slog.String("kind", string(job.Kind)))
		w.finish(ctx, job, "dropped")
		return
	}

	if err == nil {
		w.finish(ctx, job, "ok")
		return
	}
	if errors.Is(err, errSkip) {
		w.finish(ctx, job, "skipped")
		return
	}
	w.fail(ctx, job, err)
}

var errSkip = errors.New("nothing to push")

func (w *Worker) push(ctx context.Context, job domain.PushJob) error {
	b, err := w.bookings.GetBookingByID(ctx, job.BookingID)
	if errors.Is(err, store.ErrNotFound) {
		return errSkip
	}
	if err != nil {
		return err
	}
	if !b.Confirmed() || b.ProviderEventID != "" {
		return errSkip
	}

	eventID, err := w.pusher.PushBooking(ctx, b)
	if err != nil {
		return err
	}

	updated, err := w.bookings.SetProviderEventID(ctx, b.ID, eventID)
	if err != nil {
		// Retrying would create a second event.
		w.log.Error("store provider event id failed",
			slog.String("booking_id", b.ID.String()),
			slog.String("event_id", eventID),
			slog.Any("err", err),
		)
		return nil
	}
	if !updated.Confirmed() {
		w.log.Info("booking cancelled during push", slog.String("booking_id", b.ID.String()))
		return w.queue.EnqueueDelete(ctx, b.HostID, b.ID, eventID)
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, job domain.PushJob, err error) {
	log := w.log.With(
		slog.String("job_id", job.ID.String()),
		slog.String("host_id", job.HostID),
		slog.String("kind", string(job.Kind)),
		slog.Any("err", err),
	)

	switch {
	case ctx.Err() != nil:
		// The lease expires and another run picks the job up.
		return
	case errors.Is(err, domain.ErrCredentialRevoked), errors.Is(err, domain.ErrNoConnection):
		log.Warn("dropping push job, calendar not connected")
		w.finish(ctx, job, "dropped")
		return
	}

	attempts := job.Attempts + 1
	if attempts > len(w.schedule) {
		log.Error("dropping push job after retries", slog.Int("attempts", attempts))
		w.finish(ctx, job, "exhausted")
		return
	}

	runAt := w.now().UTC().Add(w.schedule[attempts-1])
	if rerr := w.jobs.ReschedulePushJob(ctx, job.ID, attempts, runAt, err.Error()); rerr != nil {
		log.Error("reschedule push job failed", slog.Any("reschedule_err", rerr))
		return
	}
	w.metrics.RecordPushJob(string(job.Kind), "retry")
	log.Warn("push job failed, retrying", slog.Int("attempts", attempts), slog.Time("run_at", runAt))
}

func (w *Worker) finish(ctx context.Context, job domain.PushJob, outcome string) {
	w.metrics.RecordPushJob(string(job.Kind), outcome)
	if err := w.jobs.DeletePushJob(ctx, job.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		w.log.Error("delete push job failed", slog.String("job_id", job.ID.String()), slog.Any("err", err))
	}
}
