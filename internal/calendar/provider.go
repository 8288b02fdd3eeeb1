// Package calendar reads busy time from and writes booking events to a
// host's external calendar.
package calendar

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"bookcal/backend/internal/domain"
)

var (
	// ErrUnauthorized means the provider rejected the access token.
	ErrUnauthorized = errors.New("calendar provider rejected access token")
	// ErrEventGone means the event no longer exists on the provider side.
	ErrEventGone = errors.New("calendar event not found")
)

// Provider is one external calendar API. Implementations build their SDK
// client from tok on every call; they never refresh tokens themselves.
type Provider interface {
	ListBusy(ctx context.Context, tok *oauth2.Token, calendarID string, window domain.TimeRange) ([]domain.TimeRange, error)
	CreateEvent(ctx context.Context, tok *oauth2.Token, calendarID string, b domain.Booking) (string, error)
	DeleteEvent(ctx context.Context, tok *oauth2.Token, calendarID, eventID string) error
}

func eventSummary(b domain.Booking) string {
	return fmt.Sprintf("Booking with %s", b.ClientID)
}
