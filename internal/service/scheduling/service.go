// Package scheduling answers availability queries and books time for hosts,
// combining internal bookings with busy time from connected calendars.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"bookcal/backend/internal/auth"
	"bookcal/backend/internal/availability"
	"bookcal/backend/internal/domain"
	"bookcal/backend/internal/metrics"
	"bookcal/backend/internal/oauth"
	"bookcal/backend/internal/store"
)

const (
	MinDuration = 15 * time.Minute
	MaxDuration = 480 * time.Minute

	DateLayout = "2006-01-02"

	maxIdempotencyKeyLen = 256
)

const (
	CodeInvalidRange    = "invalid_range"
	CodeInvalidDuration = "invalid_duration"
	CodeInvalidDate     = "invalid_date"
	CodeMissingField    = "missing_field"
	CodeInvalidProvider = "invalid_provider"
	CodeInvalidState    = "invalid_state"
	CodeInvalidField    = "invalid_field"
)

type ValidationError struct {
	Code string
	msg  string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(code, msg string) error {
	return &ValidationError{Code: code, msg: msg}
}

type BusySource interface {
	ListBusy(ctx context.Context, hostID string, window domain.TimeRange) ([]domain.TimeRange, error)
}

type CalendarAuth interface {
	AuthCodeURL(hostID string, provider domain.Provider) (string, error)
	Exchange(ctx context.Context, state, code string) (domain.CalendarConnection, error)
	Disconnect(ctx context.Context, hostID string) error
	Status(ctx context.Context, hostID string) (oauth.ConnectionStatus, error)
}

type BookingGuard interface {
	Create(ctx context.Context, b domain.Booking) (domain.Booking, error)
	Cancel(ctx context.Context, hostID string, id uuid.UUID) (domain.Booking, bool, error)
}

type PushQueue interface {
	EnqueuePush(ctx context.Context, b domain.Booking) error
	EnqueueDelete(ctx context.Context, hostID string, bookingID uuid.UUID, eventID string) error
}

type Deps struct {
	Bookings store.BookingStore
	Policies store.PolicyStore
	Guard    BookingGuard
	Busy     BusySource
	Calendar CalendarAuth
	Queue    PushQueue
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

type Options struct {
	// DefaultPolicy applies to hosts without stored working hours.
	DefaultPolicy domain.WorkingHoursPolicy
	BusyCacheTTL  time.Duration
	BusyCacheSize int
	Now           func() time.Time
}

type Service struct {
	bookings store.BookingStore
	policies store.PolicyStore
	guard    BookingGuard
	busy     BusySource
	calendar CalendarAuth
	queue    PushQueue
	metrics  *metrics.Metrics
	log      *slog.Logger

	defaultPolicy domain.WorkingHoursPolicy
	cache         *busyCache
	now           func() time.Time
}

func NewService(d Deps, opts Options) *Service {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		bookings:      d.Bookings,
		policies:      d.Policies,
		guard:         d.Guard,
		busy:          d.Busy,
		calendar:      d.Calendar,
		queue:         d.Queue,
		metrics:       d.Metrics,
		log:           d.Log.With(slog.String("component", "scheduling")),
		defaultPolicy: opts.DefaultPolicy,
		cache:         newBusyCache(opts.BusyCacheSize, opts.BusyCacheTTL),
		now:           opts.Now,
	}
}

type SlotsResult struct {
	HostID       string
	Date         string
	Duration     time.Duration
	Slots        []domain.AvailabilitySlot
	ExternalSync domain.SyncState
}

// GetAvailableSlots lists candidate slots of durationMinutes on date (a
// YYYY-MM-DD day in the host's time zone).
func (s *Service) GetAvailableSlots(ctx context.Context, hostID, date string, durationMinutes int) (SlotsResult, error) {
	if _, err := auth.Require(ctx); err != nil {
		return SlotsResult{}, err
	}
	if strings.TrimSpace(hostID) == "" {
		return SlotsResult{}, validationError(CodeMissingField, "host_id is required")
	}
	if durationMinutes < int(MinDuration/time.Minute) || durationMinutes > int(MaxDuration/time.Minute) {
		return SlotsResult{}, validationError(CodeInvalidDuration, "duration must be between 15 and 480 minutes")
	}
	d := time.Duration(durationMinutes) * time.Minute
	if strings.TrimSpace(date) == "" {
		return SlotsResult{}, validationError(CodeMissingField, "date is required")
	}

	policy, err := s.policy(ctx, hostID)
	if err != nil {
		return SlotsResult{}, err
	}
	day, err := time.ParseInLocation(DateLayout, strings.TrimSpace(date), policy.Location)
	if err != nil {
		return SlotsResult{}, validationError(CodeInvalidDate, "date must be formatted as YYYY-MM-DD")
	}

	window := policy.Day(day)
	busy, sync, err := s.busyIntervals(ctx, hostID, window)
	if err != nil {
		return SlotsResult{}, err
	}

	return SlotsResult{
		HostID:       hostID,
		Date:         day.Format(DateLayout),
		Duration:     d,
		Slots:        availability.ComputeSlots(policy, d, busy, day, s.now()),
		ExternalSync: sync,
	}, nil
}

type CheckResult struct {
	Available    bool
	ExternalSync domain.SyncState
}

// CheckAvailability reports whether [start, end) is free of internal
// bookings and external busy time.
func (s *Service) CheckAvailability(ctx context.Context, hostID string, start, end time.Time) (CheckResult, error) {
	if _, err := auth.Require(ctx); err != nil {
		return CheckResult{}, err
	}
	if strings.TrimSpace(hostID) == "" {
		return CheckResult{}, validationError(CodeMissingField, "host_id is required")
	}
	candidate, err := domain.NewTimeRange(start.UTC(), end.UTC())
	if err != nil {
		return CheckResult{}, validationError(CodeInvalidRange, "end_time must be after start_time")
	}
	return s.check(ctx, hostID, candidate)
}

func (s *Service) check(ctx context.Context, hostID string, candidate domain.TimeRange) (CheckResult, error) {
	policy, err := s.policy(ctx, hostID)
	if err != nil {
		return CheckResult{}, err
	}

	// Query whole policy days so the cache is shared with slot listings.
	window := domain.TimeRange{
		Start: policy.Day(candidate.Start).Start,
		End:   policy.Day(candidate.End.Add(-time.Nanosecond)).End,
	}
	busy, sync, err := s.busyIntervals(ctx, hostID, window)
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{Available: availability.Check(candidate, busy), ExternalSync: sync}, nil
}

type CreateBookingInput struct {
	HostID         string
	ClientID       string
	StartTime      time.Time
	EndTime        time.Time
	Notes          string
	IdempotencyKey string
}

// CreateBooking books [StartTime, EndTime) for the client. Calendar sync
// problems never fail the booking; the push to the host's calendar happens
// asynchronously.
func (s *Service) CreateBooking(ctx context.Context, in CreateBookingInput) (domain.Booking, error) {
	p, err := auth.Require(ctx)
	if err != nil {
		return domain.Booking{}, err
	}

	hostID := strings.TrimSpace(in.HostID)
	if hostID == "" {
		return domain.Booking{}, validationError(CodeMissingField, "host_id is required")
	}
	clientID := strings.TrimSpace(in.ClientID)
	if clientID == "" && p.Role == auth.RoleClient {
		clientID = p.UserID
	}
	if clientID == "" {
		return domain.Booking{}, validationError(CodeMissingField, "client_id is required")
	}
	if !p.ActsFor(hostID) && clientID != p.UserID {
		return domain.Booking{}, auth.ErrForbidden
	}

	r, err := domain.NewTimeRange(in.StartTime.UTC(), in.EndTime.UTC())
	if err != nil {
		return domain.Booking{}, validationError(CodeInvalidRange, "end_time must be after start_time")
	}
	if d := r.Duration(); d < MinDuration || d > MaxDuration {
		return domain.Booking{}, validationError(CodeInvalidDuration, "duration must be between 15 and 480 minutes")
	}
	if !r.Start.After(s.now()) {
		return domain.Booking{}, validationError(CodeInvalidRange, "start_time must be in the future")
	}

	b := domain.Booking{
		HostID:    hostID,
		ClientID:  clientID,
		StartTime: r.Start,
		EndTime:   r.End,
		Notes:     in.Notes,
	}

	replay := false
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		if len(key) > maxIdempotencyKeyLen {
			return domain.Booking{}, validationError(CodeInvalidField, "idempotency_key too long")
		}
		b.ID = domain.BookingIDFromKey(hostID, clientID, key)
		if _, err := s.bookings.GetBooking(ctx, hostID, b.ID); err == nil {
			replay = true
		} else if !errors.Is(err, store.ErrNotFound) {
			return domain.Booking{}, err
		}
	}

	if !replay {
		pre, err := s.check(ctx, hostID, r)
		if err != nil {
			return domain.Booking{}, err
		}
		if !pre.Available {
			return domain.Booking{}, domain.ErrSlotTaken
		}
	}

	created, err := s.guard.Create(ctx, b)
	if err != nil {
		return domain.Booking{}, err
	}

	log := s.log.With(slog.String("booking_id", created.ID.String()), slog.String("host_id", hostID))
	if replay {
		log.Info("booking create replayed")
		return created, nil
	}
	log.Info("booking created", slog.String("client_id", clientID), slog.Time("start_time", created.StartTime))

	s.enqueuePush(ctx, created)
	return created, nil
}

func (s *Service) enqueuePush(ctx context.Context, b domain.Booking) {
	// On a status error the job is queued anyway; the worker drops it if the
	// host turns out not to be connected.
	status, err := s.calendar.Status(ctx, b.HostID)
	if err != nil {
		s.log.Warn("calendar status lookup failed", slog.String("host_id", b.HostID), slog.Any("err", err))
	} else if !status.Connected || !status.SyncEnabled {
		return
	}
	if err := s.queue.EnqueuePush(ctx, b); err != nil {
		s.log.Error("enqueue calendar push failed", slog.String("booking_id", b.ID.String()), slog.Any("err", err))
	}
}

// CancelBooking cancels a booking. Cancelling an already cancelled booking
// returns it unchanged.
func (s *Service) CancelBooking(ctx context.Context, hostID string, id uuid.UUID) (domain.Booking, error) {
	p, err := auth.Require(ctx)
	if err != nil {
		return domain.Booking{}, err
	}
	if strings.TrimSpace(hostID) == "" {
		return domain.Booking{}, validationError(CodeMissingField, "host_id is required")
	}
	if id == uuid.Nil {
		return domain.Booking{}, validationError(CodeMissingField, "booking_id is required")
	}

	existing, err := s.bookings.GetBooking(ctx, hostID, id)
	if err != nil {
		return domain.Booking{}, err
	}
	if !p.ActsFor(hostID) && existing.ClientID != p.UserID {
		return domain.Booking{}, auth.ErrForbidden
	}

	b, changed, err := s.guard.Cancel(ctx, hostID, id)
	if err != nil {
		return domain.Booking{}, err
	}
	if !changed {
		return b, nil
	}

	s.log.Info("booking cancelled", slog.String("booking_id", id.String()), slog.String("host_id", hostID))
	if b.ProviderEventID != "" {
		if err := s.queue.EnqueueDelete(ctx, hostID, b.ID, b.ProviderEventID); err != nil {
			s.log.Error("enqueue calendar delete failed", slog.String("booking_id", id.String()), slog.Any("err", err))
		}
	}
	return b, nil
}

// ConnectCalendar returns the provider URL the host must visit to grant
// calendar access.
func (s *Service) ConnectCalendar(ctx context.Context, hostID, provider string) (string, error) {
	if strings.TrimSpace(hostID) == "" {
		return "", validationError(CodeMissingField, "host_id is required")
	}
	if _, err := auth.RequireHost(ctx, hostID); err != nil {
		return "", err
	}
	prov, ok := domain.ParseProvider(strings.ToLower(strings.TrimSpace(provider)))
	if !ok {
		return "", validationError(CodeInvalidProvider, "provider must be google or microsoft")
	}

	url, err := s.calendar.AuthCodeURL(hostID, prov)
	if err != nil {
		if errors.Is(err, oauth.ErrProviderNotConfigured) {
			return "", validationError(CodeInvalidProvider, "provider is not enabled")
		}
		return "", err
	}
	return url, nil
}

// CompleteCalendarConnection finishes the authorization-code flow started by
// ConnectCalendar. The state parameter identifies the host.
func (s *Service) CompleteCalendarConnection(ctx context.Context, state, code string) (domain.CalendarConnection, error) {
	if state == "" || code == "" {
		return domain.CalendarConnection{}, validationError(CodeMissingField, "state and code are required")
	}
	conn, err := s.calendar.Exchange(ctx, state, code)
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidState) {
			return domain.CalendarConnection{}, validationError(CodeInvalidState, "authorization request expired or invalid")
		}
		return domain.CalendarConnection{}, err
	}
	s.cache.purgeHost(conn.HostID)
	return conn, nil
}

// DisconnectCalendar removes the host's calendar connection. It succeeds
// when none exists.
func (s *Service) DisconnectCalendar(ctx context.Context, hostID string) error {
	if strings.TrimSpace(hostID) == "" {
		return validationError(CodeMissingField, "host_id is required")
	}
	if _, err := auth.RequireHost(ctx, hostID); err != nil {
		return err
	}
	if err := s.calendar.Disconnect(ctx, hostID); err != nil {
		return err
	}
	s.cache.purgeHost(hostID)
	s.log.Info("calendar disconnected", slog.String("host_id", hostID))
	return nil
}

func (s *Service) CalendarStatus(ctx context.Context, hostID string) (oauth.ConnectionStatus, error) {
	if strings.TrimSpace(hostID) == "" {
		return oauth.ConnectionStatus{}, validationError(CodeMissingField, "host_id is required")
	}
	if _, err := auth.RequireHost(ctx, hostID); err != nil {
		return oauth.ConnectionStatus{}, err
	}
	return s.calendar.Status(ctx, hostID)
}

func (s *Service) policy(ctx context.Context, hostID string) (domain.WorkingHoursPolicy, error) {
	p, err := s.policies.GetPolicy(ctx, hostID)
	if errors.Is(err, store.ErrNotFound) {
		p = s.defaultPolicy
		p.HostID = hostID
	} else if err != nil {
		return domain.WorkingHoursPolicy{}, fmt.Errorf("load working hours: %w", err)
	}
	if p.Location == nil {
		p.Location = time.UTC
	}
	return p, nil
}

// busyIntervals unions confirmed bookings with external busy time for
// window. Provider failures degrade the answer to internal bookings only.
func (s *Service) busyIntervals(ctx context.Context, hostID string, window domain.TimeRange) ([]domain.TimeRange, domain.SyncState, error) {
	bookings, err := s.bookings.ListConfirmed(ctx, hostID, window)
	if err != nil {
		return nil, "", fmt.Errorf("list bookings: %w", err)
	}
	busy := make([]domain.TimeRange, 0, len(bookings))
	for _, b := range bookings {
		busy = append(busy, b.Range())
	}

	external, sync := s.externalBusy(ctx, hostID, window)
	s.metrics.RecordAvailability(string(sync))
	return append(busy, external...), sync, nil
}

func (s *Service) externalBusy(ctx context.Context, hostID string, window domain.TimeRange) ([]domain.TimeRange, domain.SyncState) {
	external, cached, err := s.cache.get(ctx, hostID, window, func(ctx context.Context) ([]domain.TimeRange, error) {
		return s.busy.ListBusy(ctx, hostID, window)
	})
	if err == nil {
		s.metrics.RecordBusyCache(cached)
		if cached {
			return external, domain.SyncCached
		}
		return external, domain.SyncOK
	}

	log := s.log.With(slog.String("host_id", hostID))
	switch {
	case errors.Is(err, domain.ErrNoConnection):
		return nil, domain.SyncNone
	case errors.Is(err, domain.ErrCredentialRevoked):
		log.Debug("calendar access revoked, using internal bookings only")
		return nil, domain.SyncRevoked
	default:
		log.Warn("external busy lookup failed, using internal bookings only", slog.Any("err", err))
		return nil, domain.SyncDegraded
	}
}
