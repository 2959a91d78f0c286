package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/iliyamo/account-guard/internal/model"
)

const accountColumns = `id, username, password_hash, role, disabled, totp_enabled, web_token, app_token,
	credentials, permissions, created_on, updated_on, checksum`

// AccountRepo persists rows of the `accounts` table.
type AccountRepo struct{ DB *sql.DB }

func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{DB: db} }

// CreateTx inserts the account and returns its ID.  The checksum is written
// separately once the ID is known.
func (r *AccountRepo) CreateTx(ctx context.Context, q DBTX, a *model.Account) (uint64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO accounts (username, password_hash, role, disabled, totp_enabled, web_token, app_token,
			credentials, permissions, created_on, updated_on, checksum)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		strings.ToLower(strings.TrimSpace(a.Username)), a.PasswordHash, a.Role, a.Disabled, a.TOTPEnabled,
		a.WebToken, a.AppToken, a.Credentials, a.Permissions, a.CreatedOn, a.UpdatedOn, a.Checksum)
	if err != nil {
		if isDuplicate(err) {
			return 0, ErrConflict
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// UpdateTx writes every mutable column together with the checksum.
func (r *AccountRepo) UpdateTx(ctx context.Context, q DBTX, a *model.Account) error {
	res, err := q.ExecContext(ctx,
		`UPDATE accounts SET password_hash=?, role=?, disabled=?, totp_enabled=?, web_token=?, app_token=?,
			credentials=?, permissions=?, updated_on=?, checksum=? WHERE id=?`,
		a.PasswordHash, a.Role, a.Disabled, a.TOTPEnabled, a.WebToken, a.AppToken,
		a.Credentials, a.Permissions, a.UpdatedOn, a.Checksum, a.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// GetByIDTx fetches an account by id.
func (r *AccountRepo) GetByIDTx(ctx context.Context, q DBTX, id uint64) (*model.Account, error) {
	return scanAccount(q.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id=? LIMIT 1", id))
}

// GetByUsernameTx fetches an account by normalized username.
func (r *AccountRepo) GetByUsernameTx(ctx context.Context, q DBTX, username string) (*model.Account, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	return scanAccount(q.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE username=? LIMIT 1", username))
}

// GetByID fetches an account outside any transaction.
func (r *AccountRepo) GetByID(ctx context.Context, id uint64) (*model.Account, error) {
	return r.GetByIDTx(ctx, r.DB, id)
}

// List returns accounts ordered by id.
func (r *AccountRepo) List(ctx context.Context, limit, offset int) ([]*model.Account, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts ORDER BY id LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*model.Account, error) {
	a := &model.Account{}
	err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.Role, &a.Disabled, &a.TOTPEnabled,
		&a.WebToken, &a.AppToken, &a.Credentials, &a.Permissions, &a.CreatedOn, &a.UpdatedOn, &a.Checksum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return a, nil
}
