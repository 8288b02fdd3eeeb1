package domain

import "time"

type AvailabilitySlot struct {
	Start     time.Time
	End       time.Time
	Available bool
}

// SyncState describes how external busy time contributed to an answer.
type SyncState string

const (
	SyncNone     SyncState = "none"
	SyncOK       SyncState = "ok"
	SyncCached   SyncState = "cached"
	SyncDegraded SyncState = "degraded"
	SyncRevoked  SyncState = "revoked"
)

// Degraded reports whether external busy time may be missing from the answer.
func (s SyncState) Degraded() bool {
	return s == SyncDegraded || s == SyncRevoked
}
