package domain

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// ClockTime is a wall-clock offset from local midnight, in minutes.
type ClockTime int

const endOfDay ClockTime = 24 * 60

func ParseClockTime(s string) (ClockTime, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || h < 0 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	c := ClockTime(h*60 + m)
	if c > endOfDay {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return c, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

type WorkingWindow struct {
	Weekday time.Weekday
	Open    ClockTime
	Close   ClockTime
}

// WorkingHoursPolicy is read-only input to availability. Windows are wall-clock
// times interpreted in Location.
type WorkingHoursPolicy struct {
	HostID          string
	Location        *time.Location
	Windows         []WorkingWindow
	Granularity     time.Duration
	MinimumLeadTime time.Duration
}

func (p WorkingHoursPolicy) Validate() error {
	if p.Granularity <= 0 {
		return errors.New("granularity must be positive")
	}
	if p.MinimumLeadTime < 0 {
		return errors.New("minimum lead time must not be negative")
	}
	for _, w := range p.Windows {
		if w.Weekday < time.Sunday || w.Weekday > time.Saturday {
			return fmt.Errorf("invalid weekday %d", w.Weekday)
		}
		if w.Open >= w.Close {
			return fmt.Errorf("window %s-%s on %s must open before it closes", w.Open, w.Close, w.Weekday)
		}
	}
	return nil
}

func (p WorkingHoursPolicy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// Day returns the local calendar day containing t as [midnight, next midnight).
func (p WorkingHoursPolicy) Day(t time.Time) TimeRange {
	loc := p.location()
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	return TimeRange{Start: start.UTC(), End: end.UTC()}
}

// WindowsOn returns the working windows of the local day containing day,
// sorted by opening time, as absolute instants.
func (p WorkingHoursPolicy) WindowsOn(day time.Time) []TimeRange {
	loc := p.location()
	local := day.In(loc)

	out := make([]TimeRange, 0, 2)
	for _, w := range p.Windows {
		if w.Weekday != local.Weekday() {
			continue
		}
		open := atClock(local, w.Open, loc)
		closing := atClock(local, w.Close, loc)
		if !open.Before(closing) {
			continue
		}
		out = append(out, TimeRange{Start: open.UTC(), End: closing.UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func atClock(day time.Time, c ClockTime, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), int(c)/60, int(c)%60, 0, 0, loc)
}

// HostSettings and WorkingHours are the persisted form of a policy.
type HostSettings struct {
	bun.BaseModel `bun:"table:host_settings"`

	HostID             string    `bun:"host_id,pk"`
	TimeZone           string    `bun:"time_zone,notnull"`
	GranularityMinutes int       `bun:"granularity_minutes,notnull"`
	MinLeadMinutes     int       `bun:"min_lead_minutes,notnull"`
	UpdatedAt          time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

type WorkingHours struct {
	bun.BaseModel `bun:"table:working_hours"`

	ID        int64  `bun:"id,pk,autoincrement"`
	HostID    string `bun:"host_id,notnull"`
	Weekday   int16  `bun:"weekday,notnull"`
	OpenTime  string `bun:"open_time,notnull"`
	CloseTime string `bun:"close_time,notnull"`
}

func BuildPolicy(settings HostSettings, rows []WorkingHours) (WorkingHoursPolicy, error) {
	loc, err := time.LoadLocation(settings.TimeZone)
	if err != nil {
		return WorkingHoursPolicy{}, fmt.Errorf("invalid time_zone %q: %w", settings.TimeZone, err)
	}

	p := WorkingHoursPolicy{
		HostID:          settings.HostID,
		Location:        loc,
		Granularity:     time.Duration(settings.GranularityMinutes) * time.Minute,
		MinimumLeadTime: time.Duration(settings.MinLeadMinutes) * time.Minute,
		Windows:         make([]WorkingWindow, 0, len(rows)),
	}
	for _, r := range rows {
		open, err := ParseClockTime(r.OpenTime)
		if err != nil {
			return WorkingHoursPolicy{}, err
		}
		closing, err := ParseClockTime(r.CloseTime)
		if err != nil {
			return WorkingHoursPolicy{}, err
		}
		p.Windows = append(p.Windows, WorkingWindow{Weekday: time.Weekday(r.Weekday), Open: open, Close: closing})
	}
	if err := p.Validate(); err != nil {
		return WorkingHoursPolicy{}, err
	}
	return p, nil
}
