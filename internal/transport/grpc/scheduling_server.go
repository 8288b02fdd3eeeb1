package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"bookcal/backend/internal/auth"
	"bookcal/backend/internal/domain"
	"bookcal/backend/internal/oauth"
	"bookcal/backend/internal/service/scheduling"
	"bookcal/backend/internal/store"
)

type SchedulingServer struct {
	svc schedulingService
	log *slog.Logger
}

type schedulingService interface {
	GetAvailableSlots(ctx context.Context, hostID, date string, durationMinutes int) (scheduling.SlotsResult, error)
	CheckAvailability(ctx context.Context, hostID string, start, end time.Time) (scheduling.CheckResult, error)
	CreateBooking(ctx context.Context, in scheduling.CreateBookingInput) (domain.Booking, error)
	CancelBooking(ctx context.Context, hostID string, id uuid.UUID) (domain.Booking, error)
	ConnectCalendar(ctx context.Context, hostID, provider string) (string, error)
	DisconnectCalendar(ctx context.Context, hostID string) error
	CalendarStatus(ctx context.Context, hostID string) (oauth.ConnectionStatus, error)
}

func NewSchedulingServer(svc schedulingService, log *slog.Logger) *SchedulingServer {
	if log == nil {
		log = slog.Default()
	}
	return &SchedulingServer{
		svc: svc,
		log: log.With(slog.String("component", "grpc.scheduling")),
	}
}

func (s *SchedulingServer) GetAvailableSlots(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "GetAvailableSlots"))
	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	hostID := stringField(req, "host_id")
	duration, err := intField(req, "duration_minutes")
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "bad_duration"))
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.svc.GetAvailableSlots(ctx, hostID, stringField(req, "date"), duration)
	if err != nil {
		return nil, statusError(log.With(slog.String("host_id", hostID)), "available slots lookup failed", err)
	}

	slots := make([]any, 0, len(res.Slots))
	available := 0
	for _, slot := range res.Slots {
		if slot.Available {
			available++
		}
		slots = append(slots, map[string]any{
			"start_time": formatTime(slot.Start),
			"end_time":   formatTime(slot.End),
			"available":  slot.Available,
		})
	}

	log.Debug(
		"available slots listed",
		slog.String("host_id", hostID),
		slog.String("date", res.Date),
		slog.Int("slots", len(slots)),
		slog.Int("available", available),
		slog.String("external_sync", string(res.ExternalSync)),
	)

	return newResponse(log, map[string]any{
		"host_id":          res.HostID,
		"date":             res.Date,
		"duration_minutes": res.Duration.Minutes(),
		"external_sync":    string(res.ExternalSync),
		"degraded":         res.ExternalSync.Degraded(),
		"slots":            slots,
	})
}

func (s *SchedulingServer) CheckAvailability(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "CheckAvailability"))
	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	hostID := stringField(req, "host_id")
	start, end, err := timeRangeFields(req)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_times"), slog.String("host_id", hostID))
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	res, err := s.svc.CheckAvailability(ctx, hostID, start, end)
	if err != nil {
		return nil, statusError(log.With(slog.String("host_id", hostID)), "availability check failed", err)
	}

	return newResponse(log, map[string]any{
		"available":     res.Available,
		"external_sync": string(res.ExternalSync),
		"degraded":      res.ExternalSync.Degraded(),
	})
}

func (s *SchedulingServer) CreateBooking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "CreateBooking"))
	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	hostID := stringField(req, "host_id")
	start, end, err := timeRangeFields(req)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_times"), slog.String("host_id", hostID))
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	b, err := s.svc.CreateBooking(ctx, scheduling.CreateBookingInput{
		HostID:         hostID,
		ClientID:       stringField(req, "client_id"),
		StartTime:      start,
		EndTime:        end,
		Notes:          stringField(req, "notes"),
		IdempotencyKey: idempotencyKey(ctx),
	})
	if err != nil {
		return nil, statusError(
			log.With(slog.String("host_id", hostID), slog.Time("start_time", start), slog.Time("end_time", end)),
			"booking create failed",
			err,
		)
	}

	return newResponse(log, map[string]any{"booking": bookingFields(b)})
}

func (s *SchedulingServer) CancelBooking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "CancelBooking"))
	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	hostID := stringField(req, "host_id")
	id, err := uuid.Parse(stringField(req, "booking_id"))
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_uuid"), slog.String("host_id", hostID))
		return nil, status.Error(codes.InvalidArgument, "booking_id must be a UUID")
	}

	b, err := s.svc.CancelBooking(ctx, hostID, id)
	if err != nil {
		return nil, statusError(log.With(slog.String("host_id", hostID), slog.String("booking_id", id.String())), "booking cancel failed", err)
	}
	return newResponse(log, map[string]any{"booking": bookingFields(b)})
}

func (s *SchedulingServer) ConnectCalendar(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "ConnectCalendar"))
	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	hostID := stringField(req, "host_id")
	provider := stringField(req, "provider")
	url, err := s.svc.ConnectCalendar(ctx, hostID, provider)
	if err != nil {
		return nil, statusError(log.With(slog.String("host_id", hostID), slog.String("provider", provider)), "calendar connect failed", err)
	}

	log.Info("calendar authorization started", slog.String("host_id", hostID), slog.String("provider", provider))
	return newResponse(log, map[string]any{"authorization_url": url})
}

func (s *SchedulingServer) DisconnectCalendar(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "DisconnectCalendar"))
	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	hostID := stringField(req, "host_id")
	if err := s.svc.DisconnectCalendar(ctx, hostID); err != nil {
		return nil, statusError(log.With(slog.String("host_id", hostID)), "calendar disconnect failed", err)
	}
	return &structpb.Struct{}, nil
}

func (s *SchedulingServer) CalendarStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "CalendarStatus"))
	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	hostID := stringField(req, "host_id")
	st, err := s.svc.CalendarStatus(ctx, hostID)
	if err != nil {
		return nil, statusError(log.With(slog.String("host_id", hostID)), "calendar status failed", err)
	}

	out := map[string]any{
		"connected":    st.Connected,
		"provider":     string(st.Provider),
		"expired":      st.Expired,
		"sync_enabled": st.SyncEnabled,
		"state":        string(st.State),
	}
	if !st.TokenExpiry.IsZero() {
		out["token_expiry"] = formatTime(st.TokenExpiry)
	}
	return newResponse(log, out)
}

// statusError maps service errors to gRPC status codes and logs them at a
// level matching who is at fault.
func statusError(log *slog.Logger, msg string, err error) error {
	var vErr *scheduling.ValidationError
	switch {
	case errors.As(err, &vErr):
		log.Warn("invalid request", slog.String("code", vErr.Code), slog.Any("err", err))
		return status.Error(codes.InvalidArgument, vErr.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		log.Warn("unauthenticated request")
		return status.Error(codes.Unauthenticated, "authentication required")
	case errors.Is(err, auth.ErrForbidden):
		log.Warn("permission denied")
		return status.Error(codes.PermissionDenied, "not allowed to act for this host")
	case errors.Is(err, domain.ErrSlotTaken):
		log.Info("slot taken")
		return status.Error(codes.AlreadyExists, "That time is no longer available. Pick a different slot.")
	case errors.Is(err, store.ErrIdempotencyConflict):
		log.Info("idempotency conflict")
		return status.Error(codes.AlreadyExists, "This request key was already used for a different booking. Try again.")
	case errors.Is(err, store.ErrNotFound):
		log.Info("not found")
		return status.Error(codes.NotFound, "booking not found")
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn(msg, slog.Any("err", err))
		return status.Error(codes.DeadlineExceeded, "request timed out")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request cancelled")
	}
	log.Error(msg, slog.Any("err", err))
	return status.Error(codes.Internal, "internal error")
}

func newResponse(log *slog.Logger, fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		log.Error("response encode failed", slog.Any("err", err))
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}

func bookingFields(b domain.Booking) map[string]any {
	out := map[string]any{
		"id":         b.ID.String(),
		"host_id":    b.HostID,
		"client_id":  b.ClientID,
		"start_time": formatTime(b.StartTime),
		"end_time":   formatTime(b.EndTime),
		"status":     string(b.Status),
		"notes":      b.Notes,
		"created_at": formatTime(b.CreatedAt),
		"updated_at": formatTime(b.UpdatedAt),
	}
	if b.ProviderEventID != "" {
		out["provider_event_id"] = b.ProviderEventID
	}
	if b.CancelledAt != nil {
		out["cancelled_at"] = formatTime(*b.CancelledAt)
	}
	return out
}

func stringField(req *structpb.Struct, name string) string {
	return strings.TrimSpace(req.GetFields()[name].GetStringValue())
}

// intField reads a whole number. A missing field reads as zero.
func intField(req *structpb.Struct, name string) (int, error) {
	n := req.GetFields()[name].GetNumberValue()
	if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) || n < math.MinInt32 || n > math.MaxInt32 {
		return 0, fmt.Errorf("%s must be a whole number", name)
	}
	return int(n), nil
}

func timeRangeFields(req *structpb.Struct) (time.Time, time.Time, error) {
	rawStart, rawEnd := stringField(req, "start_time"), stringField(req, "end_time")
	if rawStart == "" || rawEnd == "" {
		return time.Time{}, time.Time{}, errors.New("start_time and end_time are required")
	}
	start, err := time.Parse(time.RFC3339, rawStart)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("start_time must be an RFC 3339 timestamp")
	}
	end, err := time.Parse(time.RFC3339, rawEnd)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("end_time must be an RFC 3339 timestamp")
	}
	return start, end, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func idempotencyKey(ctx context.Context) string {
	if key := firstMetadata(ctx, "idempotency-key"); key != "" {
		return key
	}
	return firstMetadata(ctx, "x-idempotency-key")
}
