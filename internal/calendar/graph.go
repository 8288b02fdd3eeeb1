package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"

	"bookcal/backend/internal/domain"
)

const defaultGraphCalendar = "default"

var graphScopes = []string{"https://graph.microsoft.com/.default"}

// staticCredential hands an already refreshed OAuth2 token to the Graph SDK.
type staticCredential struct {
	tok *oauth2.Token
}

func (c staticCredential) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expires := c.tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: c.tok.AccessToken, ExpiresOn: expires}, nil
}

type GraphProvider struct{}

func NewGraphProvider() *GraphProvider {
	return &GraphProvider{}
}

func (g *GraphProvider) client(tok *oauth2.Token) (*msgraphsdk.GraphServiceClient, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(staticCredential{tok: tok}, graphScopes)
	if err != nil {
		return nil, fmt.Errorf("create graph client: %w", err)
	}
	return client, nil
}

func (g *GraphProvider) ListBusy(ctx context.Context, tok *oauth2.Token, calendarID string, window domain.TimeRange) ([]domain.TimeRange, error) {
	client, err := g.client(tok)
	if err != nil {
		return nil, err
	}

	startStr := window.Start.UTC().Format(time.RFC3339)
	endStr := window.End.UTC().Format(time.RFC3339)
	selectFields := []string{"id", "start", "end", "showAs", "isCancelled", "isAllDay", "originalStartTimeZone"}
	top := int32(100)

	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", `outlook.timezone="UTC"`)

	var result models.EventCollectionResponseable
	if calendarID == "" || calendarID == defaultGraphCalendar {
		result, err = client.Me().CalendarView().Get(ctx, &users.ItemCalendarViewRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemCalendarViewRequestBuilderGetQueryParameters{
				StartDateTime: &startStr,
				EndDateTime:   &endStr,
				Select:        selectFields,
				Top:           &top,
			},
			Headers: headers,
		})
	} else {
		result, err = client.Me().Calendars().ByCalendarId(calendarID).CalendarView().Get(ctx, &users.ItemCalendarsItemCalendarViewRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemCalendarsItemCalendarViewRequestBuilderGetQueryParameters{
				StartDateTime: &startStr,
				EndDateTime:   &endStr,
				Select:        selectFields,
				Top:           &top,
			},
			Headers: headers,
		})
	}
	if err != nil {
		return nil, graphError(err)
	}

	it, err := msgraphcore.NewPageIterator[models.Eventable](
		result,
		client.GetAdapter(),
		models.CreateEventCollectionResponseFromDiscriminatorValue,
	)
	if err != nil {
		return nil, fmt.Errorf("create page iterator: %w", err)
	}

	var busy []domain.TimeRange
	err = it.Iterate(ctx, func(item models.Eventable) bool {
		if r, ok := graphBusyRange(item); ok {
			busy = append(busy, r)
		}
		return true
	})
	if err != nil {
		return nil, graphError(err)
	}
	return busy, nil
}

func graphBusyRange(item models.Eventable) (domain.TimeRange, bool) {
	if item == nil {
		return domain.TimeRange{}, false
	}
	if c := item.GetIsCancelled(); c != nil && *c {
		return domain.TimeRange{}, false
	}
	if s := item.GetShowAs(); s != nil && *s == models.FREE_FREEBUSYSTATUS {
		return domain.TimeRange{}, false
	}

	parse := parseGraphDateTime
	if a := item.GetIsAllDay(); a != nil && *a {
		loc := graphLocation(item.GetOriginalStartTimeZone(), item.GetStart())
		parse = func(dt models.DateTimeTimeZoneable) (time.Time, bool) {
			return parseGraphDate(dt, loc)
		}
	}
	start, ok := parse(item.GetStart())
	if !ok {
		return domain.TimeRange{}, false
	}
	end, ok := parse(item.GetEnd())
	if !ok {
		return domain.TimeRange{}, false
	}
	r, err := domain.NewTimeRange(start, end)
	if err != nil {
		return domain.TimeRange{}, false
	}
	return r, true
}

var graphDateTimeLayouts = []string{"2006-01-02T15:04:05.0000000", "2006-01-02T15:04:05"}

// parseGraphDateTime reads a DateTimeTimeZone returned with the UTC Prefer
// header.
func parseGraphDateTime(dt models.DateTimeTimeZoneable) (time.Time, bool) {
	if dt == nil || dt.GetDateTime() == nil {
		return time.Time{}, false
	}
	for _, layout := range graphDateTimeLayouts {
		if t, err := time.Parse(layout, *dt.GetDateTime()); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseGraphDate reads the calendar date of an all-day boundary as
// midnight in loc. Graph returns all-day boundaries as floating midnights.
func parseGraphDate(dt models.DateTimeTimeZoneable, loc *time.Location) (time.Time, bool) {
	if dt == nil || dt.GetDateTime() == nil {
		return time.Time{}, false
	}
	raw := *dt.GetDateTime()
	if len(raw) < len(googleDateLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(googleDateLayout, raw[:len(googleDateLayout)], loc)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// graphLocation picks the zone an all-day event belongs to: the zone it was
// created in, else the zone on its start, else UTC.
//
// TODO: map Windows zone names ("W. Europe Standard Time") to IANA so
// all-day events created in Outlook desktop resolve to the right zone.
func graphLocation(original *string, start models.DateTimeTimeZoneable) *time.Location {
	names := []*string{original}
	if start != nil {
		names = append(names, start.GetTimeZone())
	}
	for _, name := range names {
		if name == nil || *name == "" {
			continue
		}
		if l, err := time.LoadLocation(*name); err == nil {
			return l
		}
	}
	return time.UTC
}

func graphDateTime(t time.Time) models.DateTimeTimeZoneable {
	dt := models.NewDateTimeTimeZone()
	s := t.UTC().Format("2006-01-02T15:04:05")
	tz := "UTC"
	dt.SetDateTime(&s)
	dt.SetTimeZone(&tz)
	return dt
}

func graphEvent(b domain.Booking) models.Eventable {
	ev := models.NewEvent()
	subject := eventSummary(b)
	ev.SetSubject(&subject)
	if b.Notes != "" {
		body := models.NewItemBody()
		ct := models.TEXT_BODYTYPE
		content := b.Notes
		body.SetContentType(&ct)
		body.SetContent(&content)
		ev.SetBody(body)
	}
	ev.SetStart(graphDateTime(b.StartTime))
	ev.SetEnd(graphDateTime(b.EndTime))
	showAs := models.BUSY_FREEBUSYSTATUS
	ev.SetShowAs(&showAs)
	return ev
}

func (g *GraphProvider) CreateEvent(ctx context.Context, tok *oauth2.Token, calendarID string, b domain.Booking) (string, error) {
	client, err := g.client(tok)
	if err != nil {
		return "", err
	}

	var created models.Eventable
	if calendarID == "" || calendarID == defaultGraphCalendar {
		created, err = client.Me().Events().Post(ctx, graphEvent(b), nil)
	} else {
		created, err = client.Me().Calendars().ByCalendarId(calendarID).Events().Post(ctx, graphEvent(b), nil)
	}
	if err != nil {
		return "", graphError(err)
	}
	if created == nil || created.GetId() == nil {
		return "", errors.New("graph returned event without id")
	}
	return *created.GetId(), nil
}

func (g *GraphProvider) DeleteEvent(ctx context.Context, tok *oauth2.Token, _ string, eventID string) error {
	client, err := g.client(tok)
	if err != nil {
		return err
	}
	if err := client.Me().Events().ByEventId(eventID).Delete(ctx, nil); err != nil {
		return graphError(err)
	}
	return nil
}

type statusCoder interface {
	GetStatusCode() int
}

func graphError(err error) error {
	var sc statusCoder
	if !errors.As(err, &sc) {
		return err
	}
	switch sc.GetStatusCode() {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: %w", ErrEventGone, err)
	}
	return err
}
