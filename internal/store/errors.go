package store

import "errors"

var (
	ErrConflict            = errors.New("conflict")
	ErrNotFound            = errors.New("not found")
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
	// ErrRetryable marks a transaction aborted by the database (serialization
	// failure or deadlock) that is safe to run again.
	ErrRetryable = errors.New("transaction should be retried")
)
