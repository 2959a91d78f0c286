package database

import (
	"context"
	"database/sql"
	"fmt"
)

// MySQLSchema creates the tables owned by this service.  Timestamps are
// unsigned Unix seconds; sealed blobs are capped at 4096 bytes.
var MySQLSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id            BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		username      VARCHAR(64)     NOT NULL,
		password_hash VARCHAR(255)    NOT NULL,
		role          VARCHAR(16)     NOT NULL,
		disabled      TINYINT(1)      NOT NULL DEFAULT 0,
		totp_enabled  TINYINT(1)      NOT NULL DEFAULT 0,
		web_token     BINARY(32)      NULL,
		app_token     BINARY(32)      NULL,
		credentials   VARBINARY(4096) NULL,
		permissions   VARBINARY(4096) NULL,
		created_on    INT UNSIGNED    NOT NULL,
		updated_on    INT UNSIGNED    NOT NULL,
		checksum      BINARY(20)      NULL,
		UNIQUE KEY uq_accounts_username (username)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id            BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		kind          VARCHAR(8)      NOT NULL,
		token         BINARY(32)      NOT NULL,
		account_id    BIGINT UNSIGNED NOT NULL,
		ip            VARCHAR(45)     NOT NULL,
		issued_on     INT UNSIGNED    NOT NULL,
		last_used_on  INT UNSIGNED    NOT NULL,
		last_2fa_code CHAR(6)         NULL,
		last_2fa_on   INT UNSIGNED    NOT NULL DEFAULT 0,
		archived      TINYINT(1)      NOT NULL DEFAULT 0,
		secret        VARBINARY(4096) NOT NULL,
		checksum      BINARY(20)      NULL,
		UNIQUE KEY uq_sessions_token (token),
		KEY ix_sessions_ip_issued (ip, issued_on),
		KEY ix_sessions_account (account_id),
		CONSTRAINT fk_sessions_account FOREIGN KEY (account_id) REFERENCES accounts (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate runs each statement in order.
func Migrate(ctx context.Context, db *sql.DB, stmts []string) error {
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
