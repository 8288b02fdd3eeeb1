package calendar

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"

	"bookcal/backend/internal/domain"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return v
}

func newGoogleServer(t *testing.T, h http.HandlerFunc) (*httptest.Server, *GoogleProvider) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, NewGoogleProvider(WithGoogleHTTPClient(srv.Client()), WithGoogleEndpoint(srv.URL+"/"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestGoogleProvider_ListBusyFollowsPagesAndFilters(t *testing.T) {
	var requests atomic.Int32
	_, p := newGoogleServer(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/calendars/primary/events", r.URL.Path)
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		assert.Equal(t, "true", r.URL.Query().Get("singleEvents"))

		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, gcal.Events{
				TimeZone:      "America/New_York",
				NextPageToken: "p2",
				Items: []*gcal.Event{
					{Start: &gcal.EventDateTime{DateTime: "2026-03-02T10:00:00-05:00"}, End: &gcal.EventDateTime{DateTime: "2026-03-02T10:30:00-05:00"}},
					{Transparency: "transparent", Start: &gcal.EventDateTime{DateTime: "2026-03-02T11:00:00-05:00"}, End: &gcal.EventDateTime{DateTime: "2026-03-02T12:00:00-05:00"}},
					{
						Start:              &gcal.EventDateTime{DateTime: "2026-03-02T12:00:00-05:00"},
						End:                &gcal.EventDateTime{DateTime: "2026-03-02T12:30:00-05:00"},
						ExtendedProperties: &gcal.EventExtendedProperties{Private: map[string]string{bookingIDProperty: uuid.NewString()}},
					},
				},
			})
			return
		}
		writeJSON(w, http.StatusOK, gcal.Events{
			TimeZone: "America/New_York",
			Items: []*gcal.Event{
				{Status: "cancelled", Start: &gcal.EventDateTime{DateTime: "2026-03-02T13:00:00-05:00"}, End: &gcal.EventDateTime{DateTime: "2026-03-02T13:30:00-05:00"}},
				{Start: &gcal.EventDateTime{Date: "2026-03-03"}, End: &gcal.EventDateTime{Date: "2026-03-04"}},
			},
		})
	})

	window := domain.TimeRange{Start: mustTime(t, "2026-03-02T00:00:00Z"), End: mustTime(t, "2026-03-05T00:00:00Z")}
	busy, err := p.ListBusy(context.Background(), &oauth2.Token{AccessToken: "at-1"}, "primary", window)
	require.NoError(t, err)
	assert.Equal(t, int32(2), requests.Load())

	require.Len(t, busy, 2)
	assert.True(t, busy[0].Start.Equal(mustTime(t, "2026-03-02T15:00:00Z")))
	assert.True(t, busy[0].End.Equal(mustTime(t, "2026-03-02T15:30:00Z")))
	// All-day event spans local midnight to midnight in the calendar zone.
	assert.True(t, busy[1].Start.Equal(mustTime(t, "2026-03-03T05:00:00Z")))
	assert.True(t, busy[1].End.Equal(mustTime(t, "2026-03-04T05:00:00Z")))
}

func TestGoogleProvider_MapsStatusCodes(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusUnauthorized)
	_, p := newGoogleServer(t, func(w http.ResponseWriter, r *http.Request) {
		code := int(status.Load())
		writeJSON(w, code, map[string]any{"error": map[string]any{"code": code, "message": "nope"}})
	})
	tok := &oauth2.Token{AccessToken: "at-1"}
	window := domain.TimeRange{Start: mustTime(t, "2026-03-02T00:00:00Z"), End: mustTime(t, "2026-03-03T00:00:00Z")}

	_, err := p.ListBusy(context.Background(), tok, "primary", window)
	assert.ErrorIs(t, err, ErrUnauthorized)

	status.Store(http.StatusGone)
	err = p.DeleteEvent(context.Background(), tok, "primary", "ev-1")
	assert.ErrorIs(t, err, ErrEventGone)

	status.Store(http.StatusInternalServerError)
	_, err = p.ListBusy(context.Background(), tok, "primary", window)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestGoogleProvider_CreateEvent(t *testing.T) {
	var got gcal.Event
	_, p := newGoogleServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/calendars/primary/events", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		writeJSON(w, http.StatusOK, gcal.Event{Id: "ev-42"})
	})

	b := domain.Booking{
		ID:        uuid.New(),
		HostID:    "h1",
		ClientID:  "c1",
		StartTime: mustTime(t, "2026-03-02T15:00:00Z"),
		EndTime:   mustTime(t, "2026-03-02T15:30:00Z"),
		Notes:     "intro call",
	}
	id, err := p.CreateEvent(context.Background(), &oauth2.Token{AccessToken: "at-1"}, "primary", b)
	require.NoError(t, err)
	assert.Equal(t, "ev-42", id)
	assert.Equal(t, "2026-03-02T15:00:00Z", got.Start.DateTime)
	assert.Equal(t, "intro call", got.Description)
	assert.Equal(t, b.ID.String(), got.ExtendedProperties.Private[bookingIDProperty])
}
