// Package repository defines the SQL data access for accounts and sessions
// and the error types reused across repositories.  These sentinel values let
// higher layers distinguish a missing row from a storage failure.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// ErrAccountNotFound is returned when no account matches the lookup.
var ErrAccountNotFound = errors.New("account not found")

// ErrSessionNotFound is returned when no session matches the lookup.
var ErrSessionNotFound = errors.New("session not found")

// ErrConflict is returned when a unique column already holds the value,
// such as a username that is taken.  Handlers translate it into 409.
var ErrConflict = errors.New("conflict")

// DBTX is satisfied by both *sql.DB and *sql.Tx.  Every repository method
// takes one so that callers own the transaction boundary.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// isDuplicate recognises unique violations from MySQL (1062) and SQLite.
func isDuplicate(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "1062") || strings.Contains(msg, "unique constraint")
}
