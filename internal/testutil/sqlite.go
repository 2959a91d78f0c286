// Package testutil provides an in-memory SQLite database with the service
// schema for repository and service tests.
package testutil

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/iliyamo/account-guard/internal/database"
)

// SQLiteSchema mirrors database.MySQLSchema in SQLite syntax.
var SQLiteSchema = []string{
	`CREATE TABLE accounts (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT    NOT NULL UNIQUE,
		password_hash TEXT    NOT NULL,
		role          TEXT    NOT NULL,
		disabled      INTEGER NOT NULL DEFAULT 0,
		totp_enabled  INTEGER NOT NULL DEFAULT 0,
		web_token     BLOB,
		app_token     BLOB,
		credentials   BLOB,
		permissions   BLOB,
		created_on    INTEGER NOT NULL,
		updated_on    INTEGER NOT NULL,
		checksum      BLOB
	)`,
	`CREATE TABLE sessions (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		kind          TEXT    NOT NULL,
		token         BLOB    NOT NULL UNIQUE,
		account_id    INTEGER NOT NULL REFERENCES accounts (id),
		ip            TEXT    NOT NULL,
		issued_on     INTEGER NOT NULL,
		last_used_on  INTEGER NOT NULL,
		last_2fa_code TEXT,
		last_2fa_on   INTEGER NOT NULL DEFAULT 0,
		archived      INTEGER NOT NULL DEFAULT 0,
		secret        BLOB    NOT NULL,
		checksum      BLOB
	)`,
	`CREATE INDEX ix_sessions_ip_issued ON sessions (ip, issued_on)`,
}

// OpenSQLite returns a migrated in-memory database closed at test cleanup.
// The pool is pinned to one connection so every query sees the same
// database; callers must run statements on the open transaction while one
// is in progress.
func OpenSQLite(t testing.TB) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	if err := database.Migrate(context.Background(), db, SQLiteSchema); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return db
}
