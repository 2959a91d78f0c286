// Package session issues and validates bearer sessions.
//
// A session is Issued with a fresh token and HMAC secret and is Active from
// that moment.  Issuing a newer session of the same device kind overwrites
// the account's pointer, which leaves the older session Superseded: its own
// checksum stays valid but the cross-check against the account fails.
// Archived is terminal.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/account-guard/internal/autherr"
	"github.com/iliyamo/account-guard/internal/integrity"
	"github.com/iliyamo/account-guard/internal/keyring"
	"github.com/iliyamo/account-guard/internal/model"
	"github.com/iliyamo/account-guard/internal/repository"
	"github.com/iliyamo/account-guard/internal/totp"
	"github.com/iliyamo/account-guard/internal/utils"
	"github.com/iliyamo/account-guard/internal/vault"
)

const (
	TokenSize  = 32
	SecretSize = 16
	// DefaultThrottle is the minimum gap between two sessions issued to the
	// same address.
	DefaultThrottle = 60 * time.Second
)

// SessionStore is the persistence the ledger needs for sessions.
type SessionStore interface {
	CreateTx(ctx context.Context, q repository.DBTX, s *model.Session) (uint64, error)
	UpdateTx(ctx context.Context, q repository.DBTX, s *model.Session) error
	TouchTx(ctx context.Context, q repository.DBTX, id uint64, usedOn uint32) error
	GetByTokenTx(ctx context.Context, q repository.DBTX, token []byte) (*model.Session, error)
	LatestIssuedOnByIPTx(ctx context.Context, q repository.DBTX, ip string) (uint32, bool, error)
}

// AccountStore is the persistence the ledger needs for accounts.
type AccountStore interface {
	GetByIDTx(ctx context.Context, q repository.DBTX, id uint64) (*model.Account, error)
	UpdateTx(ctx context.Context, q repository.DBTX, a *model.Account) error
}

// Ledger issues, validates and archives sessions.  It never opens a
// transaction; every method runs on the DBTX handed in by the caller.
type Ledger struct {
	ring     *keyring.Ring
	checker  *integrity.Checker
	sessions SessionStore
	accounts AccountStore

	Now      func() time.Time
	Throttle time.Duration
	StepUp   time.Duration
}

// NewLedger wires a ledger with default windows.
func NewLedger(ring *keyring.Ring, checker *integrity.Checker, sessions SessionStore, accounts AccountStore) *Ledger {
	return &Ledger{
		ring:     ring,
		checker:  checker,
		sessions: sessions,
		accounts: accounts,
		Now:      time.Now,
		Throttle: DefaultThrottle,
		StepUp:   totp.StepUpWindow,
	}
}

// IssueOptions carries a second-factor code already consumed while signing
// in, so the new session starts with it as its single-use boundary.
type IssueOptions struct {
	Last2FACode *string
	Last2FAOn   uint32
}

// Issued is returned once; the token and secret are never readable again.
type Issued struct {
	Session *model.Session
	Token   []byte
	Secret  string
}

// Issue creates a session for acct and makes it the account's current
// session for kind.  Both rows are written with fresh checksums.
func (l *Ledger) Issue(ctx context.Context, q repository.DBTX, acct *model.Account, kind model.DeviceKind, ip string, opts IssueOptions) (*Issued, error) {
	if !kind.Valid() {
		return nil, autherr.WithParam(autherr.KindInvalidParameter, "kind", "unknown device kind")
	}
	now := model.Unix(l.Now())

	last, ok, err := l.sessions.LatestIssuedOnByIPTx(ctx, q, ip)
	if err != nil {
		return nil, fmt.Errorf("session throttle: %w", err)
	}
	if ok && int64(now)-int64(last) < int64(l.Throttle/time.Second) {
		return nil, autherr.ErrTooManySessions
	}

	token, err := utils.RandomBytes(TokenSize)
	if err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}
	secret, err := utils.RandomSecret(SecretSize)
	if err != nil {
		return nil, fmt.Errorf("session secret: %w", err)
	}
	key, err := acct.Keys(l.ring).Key(keyring.Secondary)
	if err != nil {
		return nil, err
	}
	sealed, err := vault.Seal(key, model.SealedHMACSecret, acct.ID, secret)
	if err != nil {
		return nil, err
	}

	s := &model.Session{
		Kind:        kind,
		Token:       token,
		AccountID:   acct.ID,
		IP:          ip,
		IssuedOn:    now,
		LastUsedOn:  now,
		Last2FACode: opts.Last2FACode,
		Last2FAOn:   opts.Last2FAOn,
		Secret:      sealed,
	}
	id, err := l.sessions.CreateTx(ctx, q, s)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.ID = id
	if err := l.Reseal(ctx, q, s); err != nil {
		return nil, err
	}

	acct.SetCurrentToken(kind, token)
	acct.UpdatedOn = now
	if err := l.ResealAccount(ctx, q, acct); err != nil {
		return nil, err
	}
	return &Issued{Session: s, Token: token, Secret: secret}, nil
}

// ValidateOptions relaxes validation for the endpoint that performs the
// step-up itself.
type ValidateOptions struct {
	AllowStepUp bool
}

// Authenticated is the outcome of a successful validation.
type Authenticated struct {
	Session *model.Session
	Account *model.Account
}

// Validate resolves token and checks, in order: the session checksum, the
// owning account's checksum, the account's current-session pointer and, for
// long-lived sessions of accounts with a second factor, step-up freshness.
// Every failure is closed.  A successful validation records last use.
func (l *Ledger) Validate(ctx context.Context, q repository.DBTX, token []byte, opts ValidateOptions) (*Authenticated, error) {
	if len(token) != TokenSize {
		return nil, autherr.ErrSessionNotFound
	}
	s, err := l.sessions.GetByTokenTx(ctx, q, token)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, autherr.ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s.Archived {
		return nil, autherr.ErrSessionArchived
	}
	if err := l.mustTrust(s); err != nil {
		return nil, err
	}

	acct, err := l.accounts.GetByIDTx(ctx, q, s.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, autherr.ErrSessionNotFound
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	if err := l.mustTrust(acct); err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(acct.CurrentToken(s.Kind), s.Token) != 1 {
		return nil, autherr.ErrSessionSuperseded
	}
	if acct.Disabled {
		return nil, autherr.ErrForbidden
	}
	if acct.TOTPEnabled && s.Kind == model.DeviceApp && !opts.AllowStepUp && !l.recentlyVerified(s) {
		return nil, autherr.WithParam(autherr.KindStepUpRequired, totp.Param, "second factor verification required")
	}

	now := model.Unix(l.Now())
	if err := l.sessions.TouchTx(ctx, q, s.ID, now); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	s.LastUsedOn = now
	return &Authenticated{Session: s, Account: acct}, nil
}

// Secret opens the HMAC secret of a session owned by acct.
func (l *Ledger) Secret(acct *model.Account, s *model.Session) ([]byte, error) {
	key, err := acct.Keys(l.ring).Key(keyring.Secondary)
	if err != nil {
		return nil, err
	}
	var secret string
	if err := vault.Open(key, s.Secret, model.SealedHMACSecret, acct.ID, &secret); err != nil {
		return nil, err
	}
	return []byte(secret), nil
}

// Archive ends the session.  Archived sessions never validate again.
func (l *Ledger) Archive(ctx context.Context, q repository.DBTX, s *model.Session) error {
	s.Archived = true
	return l.Reseal(ctx, q, s)
}

// Reseal recomputes and persists the session checksum after a mutation.
func (l *Ledger) Reseal(ctx context.Context, q repository.DBTX, s *model.Session) error {
	sum, err := l.checker.Compute(s)
	if err != nil {
		return fmt.Errorf("session checksum: %w", err)
	}
	s.Checksum = sum
	if err := l.sessions.UpdateTx(ctx, q, s); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// ResealAccount recomputes and persists the account checksum.
func (l *Ledger) ResealAccount(ctx context.Context, q repository.DBTX, acct *model.Account) error {
	sum, err := l.checker.Compute(acct)
	if err != nil {
		return fmt.Errorf("account checksum: %w", err)
	}
	acct.Checksum = sum
	if err := l.accounts.UpdateTx(ctx, q, acct); err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return nil
}

func (l *Ledger) mustTrust(rec integrity.Record) error {
	res, err := l.checker.Validate(rec)
	if err != nil {
		return err
	}
	return res.Err()
}

func (l *Ledger) recentlyVerified(s *model.Session) bool {
	if s.Last2FAOn == 0 {
		return false
	}
	elapsed := l.Now().Unix() - int64(s.Last2FAOn)
	return elapsed >= 0 && time.Duration(elapsed)*time.Second <= l.StepUp
}
