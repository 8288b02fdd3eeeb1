package domain

import (
	"errors"
	"sort"
	"time"
)

var ErrInvalidRange = errors.New("range start must be before end")

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

func NewTimeRange(start, end time.Time) (TimeRange, error) {
	if !start.Before(end) {
		return TimeRange{}, ErrInvalidRange
	}
	return TimeRange{Start: start.UTC(), End: end.UTC()}, nil
}

func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

func (r TimeRange) Contains(other TimeRange) bool {
	return !other.Start.Before(r.Start) && !other.End.After(r.End)
}

// Overlaps reports whether a and b share any instant. Ranges that only touch
// (a.End == b.Start) do not overlap.
func Overlaps(a, b TimeRange) bool {
	return a.Start.Before(b.End) && a.End.After(b.Start)
}

// Normalize returns the ranges sorted by start with overlapping and adjacent
// ranges merged. Empty or inverted ranges are dropped. The input is not modified.
func Normalize(ranges []TimeRange) []TimeRange {
	if len(ranges) == 0 {
		return nil
	}

	sorted := make([]TimeRange, 0, len(ranges))
	for _, r := range ranges {
		if !r.Start.Before(r.End) {
			continue
		}
		sorted = append(sorted, TimeRange{Start: r.Start.UTC(), End: r.End.UTC()})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].End.Before(sorted[j].End)
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})

	out := make([]TimeRange, 0, len(sorted))
	for _, r := range sorted {
		n := len(out)
		if n > 0 && !r.Start.After(out[n-1].End) {
			if r.End.After(out[n-1].End) {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Clip returns the parts of ranges that fall inside window.
func Clip(ranges []TimeRange, window TimeRange) []TimeRange {
	out := make([]TimeRange, 0, len(ranges))
	for _, r := range ranges {
		if !Overlaps(r, window) {
			continue
		}
		if r.Start.Before(window.Start) {
			r.Start = window.Start
		}
		if r.End.After(window.End) {
			r.End = window.End
		}
		out = append(out, r)
	}
	return out
}
