package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bookcal/backend/internal/domain"
	"bookcal/backend/internal/metrics"
	"bookcal/backend/internal/oauth"
)

const DefaultTimeout = 10 * time.Second

// Credentials hands out usable access tokens; oauth.Manager implements it.
type Credentials interface {
	Token(ctx context.Context, hostID string) (oauth.Credential, error)
	ForceRefresh(ctx context.Context, hostID, rejectedAccessToken string) (oauth.Credential, error)
}

type Client struct {
	creds     Credentials
	providers map[domain.Provider]Provider
	timeout   time.Duration
	metrics   *metrics.Metrics
	log       *slog.Logger
}

func NewClient(creds Credentials, providers map[domain.Provider]Provider, timeout time.Duration, m *metrics.Metrics, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		creds:     creds,
		providers: providers,
		timeout:   timeout,
		metrics:   m,
		log:       log.With(slog.String("component", "calendar.client")),
	}
}

// ListBusy returns the host's external busy ranges overlapping window.
func (c *Client) ListBusy(ctx context.Context, hostID string, window domain.TimeRange) ([]domain.TimeRange, error) {
	var busy []domain.TimeRange
	err := c.do(ctx, hostID, "list_busy", func(ctx context.Context, p Provider, cred oauth.Credential) error {
		var err error
		busy, err = p.ListBusy(ctx, cred.Token, cred.CalendarID, window)
		return err
	})
	if err != nil {
		return nil, err
	}
	return domain.Clip(busy, window), nil
}

// PushBooking creates an event for b on the host's calendar and returns the
// provider's event id.
func (c *Client) PushBooking(ctx context.Context, b domain.Booking) (string, error) {
	var eventID string
	err := c.do(ctx, b.HostID, "push", func(ctx context.Context, p Provider, cred oauth.Credential) error {
		var err error
		eventID, err = p.CreateEvent(ctx, cred.Token, cred.CalendarID, b)
		return err
	})
	return eventID, err
}

// DeleteBooking removes a previously pushed event. An event that is already
// gone counts as deleted.
func (c *Client) DeleteBooking(ctx context.Context, hostID, eventID string) error {
	err := c.do(ctx, hostID, "delete", func(ctx context.Context, p Provider, cred oauth.Credential) error {
		err := p.DeleteEvent(ctx, cred.Token, cred.CalendarID, eventID)
		if errors.Is(err, ErrEventGone) {
			return nil
		}
		return err
	})
	return err
}

type callFunc func(ctx context.Context, p Provider, cred oauth.Credential) error

func (c *Client) do(ctx context.Context, hostID, op string, fn callFunc) error {
	cred, err := c.creds.Token(ctx, hostID)
	if err != nil {
		return err
	}
	p, ok := c.providers[cred.Provider]
	if !ok {
		return fmt.Errorf("%w: provider %q not configured", domain.ErrProviderUnavailable, cred.Provider)
	}

	err = c.attempt(ctx, op, p, cred, fn)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	c.log.Info("access token rejected, refreshing", slog.String("host_id", hostID), slog.String("operation", op))
	cred, err = c.creds.ForceRefresh(ctx, hostID, cred.Token.AccessToken)
	if err != nil {
		return err
	}
	err = c.attempt(ctx, op, p, cred, fn)
	if errors.Is(err, ErrUnauthorized) {
		return fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
	}
	return err
}

func (c *Client) attempt(ctx context.Context, op string, p Provider, cred oauth.Credential, fn callFunc) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	err := fn(cctx, p, cred)
	elapsed := time.Since(started)

	switch {
	case err == nil:
		c.metrics.RecordProviderCall(string(cred.Provider), op, "ok", elapsed)
		return nil
	case errors.Is(err, ErrUnauthorized):
		c.metrics.RecordProviderCall(string(cred.Provider), op, "unauthorized", elapsed)
		return err
	case ctx.Err() != nil:
		c.metrics.RecordProviderCall(string(cred.Provider), op, "cancelled", elapsed)
		return ctx.Err()
	case cctx.Err() != nil:
		c.metrics.RecordProviderCall(string(cred.Provider), op, "timeout", elapsed)
		return fmt.Errorf("%w: %s timed out after %s", domain.ErrProviderUnavailable, op, c.timeout)
	default:
		c.metrics.RecordProviderCall(string(cred.Provider), op, "error", elapsed)
		return fmt.Errorf("%w: %s: %w", domain.ErrProviderUnavailable, op, err)
	}
}
