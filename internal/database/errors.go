package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Sentinel errors returned by the repositories. Engines branch on these
// explicitly instead of inspecting driver errors.
var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrConflict wraps unique-constraint violations.
	ErrConflict = errors.New("conflict")

	// ErrConcurrentModification is returned by optimistic updates when
	// the expected version no longer matches.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// ActiveJobError is returned when a reconciliation job is created for an
// (address, chain) pair that already has a non-terminal job. It carries
// the active job's id so callers can surface it.
type ActiveJobError struct {
	JobID      uuid.UUID
	Address    string
	ChainAlias string
}

func (e *ActiveJobError) Error() string {
	return fmt.Sprintf("active reconciliation job %s already exists for %s on %s", e.JobID, e.Address, e.ChainAlias)
}

const pqUniqueViolation = "23505"

// translateError maps driver-level errors onto the sentinel taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	return err
}
