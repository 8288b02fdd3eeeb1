package domain

import "errors"

var (
	ErrSlotTaken           = errors.New("slot taken")
	ErrCredentialRevoked   = errors.New("calendar credential revoked")
	ErrProviderUnavailable = errors.New("calendar provider unavailable")
	ErrNoConnection        = errors.New("no calendar connection")
)
