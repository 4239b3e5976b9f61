package permissions

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a grant does not exist
	ErrNotFound = errors.New("permissions: not found")
	// ErrConflict is returned when a write violates a uniqueness constraint
	ErrConflict = errors.New("permissions: conflict")
	// ErrInvalidGrant is returned when a grant breaks a structural invariant
	ErrInvalidGrant = errors.New("permissions: invalid grant")
	// ErrForbidden is the single opaque denial signal of every access check
	ErrForbidden = errors.New("forbidden")
	// ErrGlobalAdminImmutable is returned on attempts to modify or delete the global admin grant
	ErrGlobalAdminImmutable = errors.New("permissions: the global admin grant cannot be modified or deleted")
)

const pgUniqueViolation = "23505"

// IsUniqueViolation recognizes unique violations from both lib/pq and pgx
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}
