package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"bookcal/backend/internal/domain"
)

const googleDateLayout = "2006-01-02"

// bookingIDProperty tags events created from bookings. Those events are
// already internal busy time, so busy listing skips them.
const bookingIDProperty = "bookcalBookingId"

type GoogleProvider struct {
	base     *http.Client
	endpoint string
}

type GoogleOption func(*GoogleProvider)

// WithGoogleHTTPClient sets the transport used underneath the OAuth2 client.
func WithGoogleHTTPClient(c *http.Client) GoogleOption {
	return func(g *GoogleProvider) { g.base = c }
}

// WithGoogleEndpoint overrides the Calendar API base URL.
func WithGoogleEndpoint(url string) GoogleOption {
	return func(g *GoogleProvider) { g.endpoint = url }
}

func NewGoogleProvider(opts ...GoogleOption) *GoogleProvider {
	g := &GoogleProvider{}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GoogleProvider) service(ctx context.Context, tok *oauth2.Token) (*gcal.Service, error) {
	hctx := ctx
	if g.base != nil {
		hctx = context.WithValue(ctx, oauth2.HTTPClient, g.base)
	}
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(hctx, oauth2.StaticTokenSource(tok)))}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	return gcal.NewService(ctx, opts...)
}

func (g *GoogleProvider) ListBusy(ctx context.Context, tok *oauth2.Token, calendarID string, window domain.TimeRange) ([]domain.TimeRange, error) {
	svc, err := g.service(ctx, tok)
	if err != nil {
		return nil, err
	}

	var busy []domain.TimeRange
	pageToken := ""
	for {
		req := svc.Events.List(calendarID).
			ShowDeleted(false).
			SingleEvents(true).
			TimeMin(window.Start.UTC().Format(time.RFC3339)).
			TimeMax(window.End.UTC().Format(time.RFC3339)).
			MaxResults(250).
			Context(ctx)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		page, err := req.Do()
		if err != nil {
			return nil, googleError(err)
		}

		loc := time.UTC
		if page.TimeZone != "" {
			if l, err := time.LoadLocation(page.TimeZone); err == nil {
				loc = l
			}
		}
		for _, item := range page.Items {
			if r, ok := googleBusyRange(item, loc); ok {
				busy = append(busy, r)
			}
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return busy, nil
}

// googleBusyRange converts an event into the time it blocks. All-day events
// use date-only boundaries interpreted in the calendar's zone.
func googleBusyRange(item *gcal.Event, loc *time.Location) (domain.TimeRange, bool) {
	if item == nil || item.Status == "cancelled" || item.Transparency == "transparent" {
		return domain.TimeRange{}, false
	}
	if item.Start == nil || item.End == nil {
		return domain.TimeRange{}, false
	}
	if p := item.ExtendedProperties; p != nil && p.Private[bookingIDProperty] != "" {
		return domain.TimeRange{}, false
	}

	var start, end time.Time
	var err error
	if item.Start.DateTime != "" {
		if start, err = time.Parse(time.RFC3339, item.Start.DateTime); err != nil {
			return domain.TimeRange{}, false
		}
		if end, err = time.Parse(time.RFC3339, item.End.DateTime); err != nil {
			return domain.TimeRange{}, false
		}
	} else {
		if start, err = time.ParseInLocation(googleDateLayout, item.Start.Date, loc); err != nil {
			return domain.TimeRange{}, false
		}
		if end, err = time.ParseInLocation(googleDateLayout, item.End.Date, loc); err != nil {
			return domain.TimeRange{}, false
		}
	}

	r, err := domain.NewTimeRange(start.UTC(), end.UTC())
	if err != nil {
		return domain.TimeRange{}, false
	}
	return r, true
}

func (g *GoogleProvider) CreateEvent(ctx context.Context, tok *oauth2.Token, calendarID string, b domain.Booking) (string, error) {
	svc, err := g.service(ctx, tok)
	if err != nil {
		return "", err
	}

	event := &gcal.Event{
		Summary:     eventSummary(b),
		Description: b.Notes,
		Start:       &gcal.EventDateTime{DateTime: b.StartTime.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		End:         &gcal.EventDateTime{DateTime: b.EndTime.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{bookingIDProperty: b.ID.String()},
		},
	}
	created, err := svc.Events.Insert(calendarID, event).Context(ctx).Do()
	if err != nil {
		return "", googleError(err)
	}
	return created.Id, nil
}

func (g *GoogleProvider) DeleteEvent(ctx context.Context, tok *oauth2.Token, calendarID, eventID string) error {
	svc, err := g.service(ctx, tok)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return googleError(err)
	}
	return nil
}

func googleError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch gerr.Code {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: %w", ErrEventGone, err)
	}
	return err
}
