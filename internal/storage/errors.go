// Package storage holds helpers shared by the Postgres repositories.
package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the repositories branch on.
const (
	uniqueViolation           = "23505"
	invalidTextRepresentation = "22P02"
)

// Error wraps a failure from the underlying database. Handlers treat it as an
// internal error and leave state unchanged.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns nil for a nil err, otherwise an *Error tagged with op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// IsStorageError reports whether err came out of a repository.
func IsStorageError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

// IsUniqueViolation reports whether err is a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// IsNoRows reports whether err signals an empty single-row result.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsInvalidText reports whether Postgres rejected a parameter it could not
// parse, such as a malformed uuid.
func IsInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation
}

// IsMissing reports whether a lookup by key found nothing, either because no
// row matched or because the key can never match.
func IsMissing(err error) bool {
	return IsNoRows(err) || IsInvalidText(err)
}
