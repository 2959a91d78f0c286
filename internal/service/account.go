// Package service implements the account operations on top of the session
// ledger, the second-factor gate and the per-account lock.  Every operation
// owns its transaction; the primitives underneath never open one.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iliyamo/account-guard/internal/autherr"
	"github.com/iliyamo/account-guard/internal/integrity"
	"github.com/iliyamo/account-guard/internal/keyring"
	"github.com/iliyamo/account-guard/internal/lock"
	"github.com/iliyamo/account-guard/internal/model"
	q "github.com/iliyamo/account-guard/internal/queue"
	"github.com/iliyamo/account-guard/internal/repository"
	"github.com/iliyamo/account-guard/internal/session"
	"github.com/iliyamo/account-guard/internal/signature"
	"github.com/iliyamo/account-guard/internal/totp"
	"github.com/iliyamo/account-guard/internal/utils"
	"github.com/iliyamo/account-guard/internal/vault"
)

const (
	RoleAdmin    = "ADMIN"
	RoleOperator = "OPERATOR"

	// PermAccountsRead grants the account listing.
	PermAccountsRead = "accounts.read"
	// PermAccountsWrite grants account creation.
	PermAccountsWrite = "accounts.write"

	MinPasswordLen = 8
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{2,63}$`)

// Options tunes the service.  Zero values select defaults.
type Options struct {
	BcryptCost  int
	LockPoll    time.Duration
	LockTimeout time.Duration
	Issuer      string // shown by authenticator apps
}

// AccountService bundles the dependencies of the account operations.
type AccountService struct {
	db       *sql.DB
	ring     *keyring.Ring
	checker  *integrity.Checker
	accounts *repository.AccountRepo
	sessions *repository.SessionRepo
	ledger   *session.Ledger
	gate     *totp.Gate
	locker   *lock.Locker
	verifier *signature.Verifier
	events   Publisher
	opts     Options
	now      func() time.Time

	// purgeSkipped holds session ids the purge already reported untrusted.
	purgeSkipped sync.Map
	// dummyHash is checked for unknown usernames; it has the cost of real hashes.
	dummyHash string
}

// New wires the service.  Every root key label must be configured.
func New(db *sql.DB, ring *keyring.Ring, checker *integrity.Checker, locker *lock.Locker, events Publisher, opts Options) (*AccountService, error) {
	if db == nil || checker == nil || locker == nil {
		return nil, fmt.Errorf("service: nil dependency")
	}
	if err := ring.Require(keyring.Labels...); err != nil {
		return nil, err
	}
	if events == nil {
		events = NopPublisher{}
	}
	if opts.LockPoll <= 0 {
		opts.LockPoll = lock.DefaultPoll
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = lock.DefaultTimeout
	}
	if opts.Issuer == "" {
		opts.Issuer = "account-guard"
	}
	accounts := repository.NewAccountRepo(db)
	sessions := repository.NewSessionRepo(db)
	s := &AccountService{
		db:       db,
		ring:     ring,
		checker:  checker,
		accounts: accounts,
		sessions: sessions,
		ledger:   session.NewLedger(ring, checker, sessions, accounts),
		gate:     totp.NewGate(),
		locker:   locker,
		verifier: signature.NewVerifier(signature.DefaultWindow),
		events:   events,
		opts:     opts,
	}
	dummy, err := utils.HashPassword("account-guard-dummy", opts.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("service: dummy hash: %w", err)
	}
	s.dummyHash = dummy
	s.SetClock(time.Now)
	return s, nil
}

// SetClock replaces the time source of the service and every component it
// drives.
func (s *AccountService) SetClock(now func() time.Time) {
	s.now = now
	s.ledger.Now = now
	s.gate.Now = now
	s.verifier.Now = now
}

// NewAccount is the input of CreateAccount.
type NewAccount struct {
	Username    string
	Password    string
	Role        string
	Permissions []string
}

// CreateAccount stores a new account with sealed, empty credentials and the
// given permission set.
func (s *AccountService) CreateAccount(ctx context.Context, in NewAccount) (*model.Account, error) {
	username := strings.ToLower(strings.TrimSpace(in.Username))
	if !usernamePattern.MatchString(username) {
		return nil, autherr.WithParam(autherr.KindInvalidParameter, "username",
			"username must be 3-64 characters of a-z, 0-9, dot, dash or underscore")
	}
	if len(in.Password) < MinPasswordLen {
		return nil, autherr.WithParam(autherr.KindInvalidParameter, "password",
			fmt.Sprintf("password must be at least %d characters", MinPasswordLen))
	}
	role := strings.ToUpper(strings.TrimSpace(in.Role))
	if role == "" {
		role = RoleOperator
	}
	if role != RoleAdmin && role != RoleOperator {
		return nil, autherr.WithParam(autherr.KindInvalidParameter, "role", "role must be ADMIN or OPERATOR")
	}

	hash, err := utils.HashPassword(in.Password, s.opts.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := model.Unix(s.now())
	a := &model.Account{Username: username, PasswordHash: hash, Role: role, CreatedOn: now, UpdatedOn: now}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		id, err := s.accounts.CreateTx(ctx, tx, a)
		if err != nil {
			return err
		}
		a.ID = id
		if a.Credentials, err = s.seal(a, model.SealedCredentials, model.Credentials{}); err != nil {
			return err
		}
		perms := model.PermissionSet{Permissions: normalizePermissions(in.Permissions)}
		if a.Permissions, err = s.seal(a, model.SealedPermissions, perms); err != nil {
			return err
		}
		return s.ledger.ResealAccount(ctx, tx, a)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("accounts: created %s (id=%d role=%s)", a.Username, a.ID, a.Role)
	return a, nil
}

// AccountView is one row of the account listing.  Untrusted is computed on
// read and never stored.
type AccountView struct {
	ID          uint64 `json:"id"`
	Username    string `json:"username"`
	Role        string `json:"role"`
	Disabled    bool   `json:"disabled"`
	TOTPEnabled bool   `json:"totp_enabled"`
	CreatedOn   uint32 `json:"created_on"`
	UpdatedOn   uint32 `json:"updated_on"`
	Untrusted   bool   `json:"untrusted"`
}

// ListAccounts returns a page of accounts.  A checksum mismatch flags the
// row instead of failing the listing.
func (s *AccountService) ListAccounts(ctx context.Context, limit, offset int) ([]AccountView, error) {
	rows, err := s.accounts.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]AccountView, 0, len(rows))
	for _, a := range rows {
		res, err := s.checker.Validate(a)
		if err != nil {
			return nil, err
		}
		if !res.Trusted() {
			s.untrusted(res.Table, res.ID, "checksum mismatch in listing")
		}
		out = append(out, AccountView{
			ID:          a.ID,
			Username:    a.Username,
			Role:        a.Role,
			Disabled:    a.Disabled,
			TOTPEnabled: a.TOTPEnabled,
			CreatedOn:   a.CreatedOn,
			UpdatedOn:   a.UpdatedOn,
			Untrusted:   !res.Trusted(),
		})
	}
	return out, nil
}

// Permissions opens the sealed permission set of acct.
func (s *AccountService) Permissions(acct *model.Account) (model.PermissionSet, error) {
	var perms model.PermissionSet
	key, err := acct.Keys(s.ring).Key(keyring.Users)
	if err != nil {
		return perms, err
	}
	if err := vault.Open(key, acct.Permissions, model.SealedPermissions, acct.ID, &perms); err != nil {
		return perms, err
	}
	return perms, nil
}

func (s *AccountService) seal(acct *model.Account, kind string, v any) ([]byte, error) {
	key, err := acct.Keys(s.ring).Key(keyring.Users)
	if err != nil {
		return nil, err
	}
	return vault.Seal(key, kind, acct.ID, v)
}

// totpSecret opens the second-factor secret of an account that has one.
func (s *AccountService) totpSecret(acct *model.Account) (string, error) {
	if !acct.TOTPEnabled {
		return "", autherr.WithParam(autherr.KindSecondFactorState, totp.Param, "second factor is not enabled")
	}
	key, err := acct.Keys(s.ring).Key(keyring.Users)
	if err != nil {
		return "", err
	}
	var creds model.Credentials
	if err := vault.Open(key, acct.Credentials, model.SealedCredentials, acct.ID, &creds); err != nil {
		return "", err
	}
	if creds.TOTPSecret == "" {
		return "", autherr.WithParam(autherr.KindSecondFactorState, totp.Param, "second factor secret is missing")
	}
	return creds.TOTPSecret, nil
}

// trust treats a checksum mismatch as fatal.
func (s *AccountService) trust(rec integrity.Record) error {
	res, err := s.checker.Validate(rec)
	if err != nil {
		return err
	}
	if !res.Trusted() {
		s.untrusted(res.Table, res.ID, "checksum mismatch")
	}
	return res.Err()
}

func (s *AccountService) untrusted(table string, id uint64, reason string) {
	log.Printf("integrity: %s %d untrusted: %s", table, id, reason)
	s.emit(q.SecurityEvent{Type: q.EventIntegrityUntrusted, Table: table, RowID: id, Reason: reason})
}

// inTx runs fn inside a transaction that is committed only when fn succeeds.
func (s *AccountService) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func normalizePermissions(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
