package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/account-guard/internal/model"
)

const sessionColumns = `id, kind, token, account_id, ip, issued_on, last_used_on, last_2fa_code, last_2fa_on,
	archived, secret, checksum`

// SessionRepo persists rows of the `sessions` table.
type SessionRepo struct{ DB *sql.DB }

func NewSessionRepo(db *sql.DB) *SessionRepo { return &SessionRepo{DB: db} }

// CreateTx inserts a session and returns the ID assigned by the database.
func (r *SessionRepo) CreateTx(ctx context.Context, q DBTX, s *model.Session) (uint64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO sessions (kind, token, account_id, ip, issued_on, last_used_on, last_2fa_code, last_2fa_on,
			archived, secret, checksum)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		string(s.Kind), s.Token, s.AccountID, s.IP, s.IssuedOn, s.LastUsedOn, nullString(s.Last2FACode),
		s.Last2FAOn, s.Archived, s.Secret, s.Checksum)
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

// UpdateTx writes the checksummed mutable columns.
func (r *SessionRepo) UpdateTx(ctx context.Context, q DBTX, s *model.Session) error {
	res, err := q.ExecContext(ctx,
		`UPDATE sessions SET last_2fa_code=?, last_2fa_on=?, archived=?, secret=?, checksum=? WHERE id=?`,
		nullString(s.Last2FACode), s.Last2FAOn, s.Archived, s.Secret, s.Checksum, s.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// TouchTx records use of the session.  last_used_on is not checksummed.
func (r *SessionRepo) TouchTx(ctx context.Context, q DBTX, id uint64, usedOn uint32) error {
	_, err := q.ExecContext(ctx, "UPDATE sessions SET last_used_on=? WHERE id=?", usedOn, id)
	return err
}

// GetByTokenTx fetches a session by its raw token.
func (r *SessionRepo) GetByTokenTx(ctx context.Context, q DBTX, token []byte) (*model.Session, error) {
	return scanSession(q.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE token=? LIMIT 1", token))
}

// GetByIDTx fetches a session by id.
func (r *SessionRepo) GetByIDTx(ctx context.Context, q DBTX, id uint64) (*model.Session, error) {
	return scanSession(q.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id=? LIMIT 1", id))
}

// LatestIssuedOnByIPTx returns when the address was last issued a session.
func (r *SessionRepo) LatestIssuedOnByIPTx(ctx context.Context, q DBTX, ip string) (uint32, bool, error) {
	var issued sql.NullInt64
	err := q.QueryRowContext(ctx, "SELECT MAX(issued_on) FROM sessions WHERE ip=?", ip).Scan(&issued)
	if err != nil {
		return 0, false, err
	}
	if !issued.Valid {
		return 0, false, nil
	}
	return uint32(issued.Int64), true, nil
}

// ListIssuedBeforeTx returns live sessions issued before cutoff with an id
// above afterID, in id order.  It backs the retention purge, which pages
// through them so rows it leaves alone never hide the ones behind them.
func (r *SessionRepo) ListIssuedBeforeTx(ctx context.Context, q DBTX, cutoff uint32, afterID uint64, limit int) ([]*model.Session, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE archived=0 AND issued_on < ? AND id > ? ORDER BY id LIMIT ?",
		cutoff, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanSession(row scanner) (*model.Session, error) {
	s := &model.Session{}
	var (
		kind string
		code sql.NullString
	)
	err := row.Scan(&s.ID, &kind, &s.Token, &s.AccountID, &s.IP, &s.IssuedOn, &s.LastUsedOn, &code,
		&s.Last2FAOn, &s.Archived, &s.Secret, &s.Checksum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	s.Kind = model.DeviceKind(kind)
	if code.Valid {
		c := code.String
		s.Last2FACode = &c
	}
	return s, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
