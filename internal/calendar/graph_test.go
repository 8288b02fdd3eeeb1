package calendar

import (
	"errors"
	"testing"
	"time"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookcal/backend/internal/domain"
)

func graphTestEvent(start, end string, showAs models.FreeBusyStatus, cancelled bool) models.Eventable {
	ev := models.NewEvent()
	s := models.NewDateTimeTimeZone()
	s.SetDateTime(&start)
	e := models.NewDateTimeTimeZone()
	e.SetDateTime(&end)
	ev.SetStart(s)
	ev.SetEnd(e)
	ev.SetShowAs(&showAs)
	ev.SetIsCancelled(&cancelled)
	return ev
}

func TestGraphBusyRange(t *testing.T) {
	r, ok := graphBusyRange(graphTestEvent("2026-03-02T15:00:00.0000000", "2026-03-02T15:30:00.0000000", models.BUSY_FREEBUSYSTATUS, false))
	require.True(t, ok)
	assert.True(t, r.Start.Equal(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)))
	assert.Equal(t, 30*time.Minute, r.Duration())

	_, ok = graphBusyRange(graphTestEvent("2026-03-02T15:00:00", "2026-03-02T16:00:00", models.TENTATIVE_FREEBUSYSTATUS, false))
	assert.True(t, ok, "tentative blocks time")

	_, ok = graphBusyRange(graphTestEvent("2026-03-02T15:00:00", "2026-03-02T16:00:00", models.FREE_FREEBUSYSTATUS, false))
	assert.False(t, ok, "free does not block time")

	_, ok = graphBusyRange(graphTestEvent("2026-03-02T15:00:00", "2026-03-02T16:00:00", models.BUSY_FREEBUSYSTATUS, true))
	assert.False(t, ok, "cancelled does not block time")

	_, ok = graphBusyRange(graphTestEvent("garbage", "2026-03-02T16:00:00", models.BUSY_FREEBUSYSTATUS, false))
	assert.False(t, ok, "unparseable start")

	_, ok = graphBusyRange(graphTestEvent("2026-03-02T15:00:00", "garbage", models.BUSY_FREEBUSYSTATUS, false))
	assert.False(t, ok, "unparseable end")

	noStart := graphTestEvent("2026-03-02T15:00:00", "2026-03-02T16:00:00", models.BUSY_FREEBUSYSTATUS, false)
	noStart.SetStart(nil)
	_, ok = graphBusyRange(noStart)
	assert.False(t, ok, "missing start")
}

func TestGraphBusyRange_AllDayUsesEventZone(t *testing.T) {
	ev := graphTestEvent("2026-03-02T00:00:00.0000000", "2026-03-03T00:00:00.0000000", models.BUSY_FREEBUSYSTATUS, false)
	allDay := true
	zone := "Europe/Berlin"
	ev.SetIsAllDay(&allDay)
	ev.SetOriginalStartTimeZone(&zone)

	r, ok := graphBusyRange(ev)
	require.True(t, ok)
	assert.True(t, r.Start.Equal(time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)), "start = %s", r.Start)
	assert.True(t, r.End.Equal(time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)), "end = %s", r.End)

	unknown := "W. Europe Standard Time"
	ev.SetOriginalStartTimeZone(&unknown)
	r, ok = graphBusyRange(ev)
	require.True(t, ok)
	assert.True(t, r.Start.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)), "start = %s", r.Start)
	assert.Equal(t, 24*time.Hour, r.Duration())
}

func TestGraphEvent(t *testing.T) {
	b := domain.Booking{
		ClientID:  "c1",
		StartTime: time.Date(2026, 3, 2, 10, 0, 0, 0, time.FixedZone("EST", -5*3600)),
		EndTime:   time.Date(2026, 3, 2, 10, 30, 0, 0, time.FixedZone("EST", -5*3600)),
	}
	ev := graphEvent(b)
	assert.Equal(t, "2026-03-02T15:00:00", *ev.GetStart().GetDateTime())
	assert.Equal(t, "UTC", *ev.GetStart().GetTimeZone())
	assert.Equal(t, "Booking with c1", *ev.GetSubject())
	assert.Nil(t, ev.GetBody())
}

func TestGraphError(t *testing.T) {
	unauthorized := &abstractions.ApiError{ResponseStatusCode: 401}
	assert.ErrorIs(t, graphError(unauthorized), ErrUnauthorized)

	gone := &abstractions.ApiError{ResponseStatusCode: 404}
	assert.ErrorIs(t, graphError(gone), ErrEventGone)

	plain := errors.New("dial tcp: timeout")
	assert.Equal(t, plain, graphError(plain))
}
