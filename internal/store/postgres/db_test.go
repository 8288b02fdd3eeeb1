package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"bookcal/backend/internal/store"
)

func TestMapTxError_RetryableCodes(t *testing.T) {
	for _, code := range []string{codeSerializationFailure, codeDeadlockDetected} {
		err := mapTxError(fmt.Errorf("commit: %w", &pgconn.PgError{Code: code}))
		if !errors.Is(err, store.ErrRetryable) {
			t.Fatalf("code %s: err = %v, want ErrRetryable", code, err)
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			t.Fatalf("code %s: original error lost", code)
		}
	}
}

func TestMapTxError_PassesThroughOtherErrors(t *testing.T) {
	if err := mapTxError(nil); err != nil {
		t.Fatalf("mapTxError(nil) = %v", err)
	}
	orig := &pgconn.PgError{Code: codeUniqueViolation}
	if err := mapTxError(orig); errors.Is(err, store.ErrRetryable) {
		t.Fatalf("unique violation mapped to retryable")
	}
	if err := mapTxError(store.ErrConflict); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestNotFound(t *testing.T) {
	if err := notFound(sql.ErrNoRows); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	other := errors.New("x")
	if err := notFound(other); err != other {
		t.Fatalf("err = %v, want passthrough", err)
	}
}

func TestPgCode(t *testing.T) {
	code, constraint := pgCode(fmt.Errorf("insert: %w", &pgconn.PgError{Code: codeExclusionViolation, ConstraintName: "bookings_no_overlap"}))
	if code != codeExclusionViolation || constraint != "bookings_no_overlap" {
		t.Fatalf("pgCode = %q, %q", code, constraint)
	}
	if code, _ := pgCode(errors.New("plain")); code != "" {
		t.Fatalf("pgCode(plain) = %q, want empty", code)
	}
}
