// Package availability computes offerable slots from a working-hours policy
// and a set of busy intervals. Nothing here performs I/O.
package availability

import (
	"time"

	"bookcal/backend/internal/domain"
)

// ComputeSlots lists candidate slots of length d for the local day containing
// day. Candidates start on policy.Granularity steps from each window's opening
// time, end no later than its closing time and start no earlier than
// now+policy.MinimumLeadTime. A slot is available when it overlaps none of the
// busy intervals.
//
// The result is empty when the policy has no window on that day or no window is
// long enough for d.
func ComputeSlots(policy domain.WorkingHoursPolicy, d time.Duration, busy []domain.TimeRange, day, now time.Time) []domain.AvailabilitySlot {
	if d <= 0 || policy.Granularity <= 0 {
		return nil
	}
	windows := policy.WindowsOn(day)
	if len(windows) == 0 {
		return nil
	}

	merged := domain.Normalize(busy)
	earliest := now.Add(policy.MinimumLeadTime)

	var (
		out  []domain.AvailabilitySlot
		last time.Time
	)
	for _, w := range windows {
		if w.Duration() < d {
			continue
		}
		cursor := 0
		for s := w.Start; !s.Add(d).After(w.End); s = s.Add(policy.Granularity) {
			if s.Before(earliest) {
				continue
			}
			if len(out) > 0 && !s.After(last) {
				continue
			}
			slot := domain.TimeRange{Start: s, End: s.Add(d)}

			// merged is sorted and disjoint, so only the first interval still
			// ending after s can overlap the slot.
			for cursor < len(merged) && !merged[cursor].End.After(s) {
				cursor++
			}
			available := cursor >= len(merged) || !domain.Overlaps(slot, merged[cursor])

			out = append(out, domain.AvailabilitySlot{Start: slot.Start, End: slot.End, Available: available})
			last = s
		}
	}
	return out
}

// Check reports whether candidate is free of every busy interval, using the
// same predicate as ComputeSlots.
func Check(candidate domain.TimeRange, busy []domain.TimeRange) bool {
	for _, b := range domain.Normalize(busy) {
		if !b.Start.Before(candidate.End) {
			break
		}
		if domain.Overlaps(candidate, b) {
			return false
		}
	}
	return true
}

// Available filters slots down to the offerable ones.
func Available(slots []domain.AvailabilitySlot) []domain.AvailabilitySlot {
	out := make([]domain.AvailabilitySlot, 0, len(slots))
	for _, s := range slots {
		if s.Available {
			out = append(out, s)
		}
	}
	return out
}
