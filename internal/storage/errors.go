package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/kanri/internal/model"
)

// Sentinel errors returned by every Store implementation. They wrap the
// model taxonomy so service layers can match on either.
var (
	// ErrNotFound is returned when a requested entity does not exist or
	// belongs to another principal.
	ErrNotFound = fmt.Errorf("storage: %w", model.ErrNotFound)

	// ErrConflict is returned when a guarded write finds the row in an
	// unexpected state, or a unique constraint is violated.
	ErrConflict = fmt.Errorf("storage: %w", model.ErrConflict)
)

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
