package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/iliyamo/account-guard/internal/autherr"
	"github.com/iliyamo/account-guard/internal/keyring"
	"github.com/iliyamo/account-guard/internal/lock"
	"github.com/iliyamo/account-guard/internal/model"
	q "github.com/iliyamo/account-guard/internal/queue"
	"github.com/iliyamo/account-guard/internal/repository"
	"github.com/iliyamo/account-guard/internal/session"
	"github.com/iliyamo/account-guard/internal/totp"
	"github.com/iliyamo/account-guard/internal/utils"
)

// challengeEntity labels the key that signs sign-in challenges.
const challengeEntity = "signin_challenge"

// SignInRequest is the input of SignIn.  Challenge and Code are only set on
// the second step for accounts with a second factor.
type SignInRequest struct {
	Username  string
	Password  string
	Kind      model.DeviceKind
	IP        string
	Code      string
	Challenge string
}

// SignInResult carries the freshly issued session.
type SignInResult struct {
	Account *model.Account
	Issued  *session.Issued
}

// ChallengeError is returned when the password was accepted but the account
// requires a second factor.  The challenge is presented again together with
// a code to complete the sign-in.
type ChallengeError struct {
	Challenge string
	Expires   time.Time
}

func (e *ChallengeError) Error() string { return "second factor verification required" }

func (e *ChallengeError) Unwrap() error {
	return autherr.WithParam(autherr.KindStepUpRequired, totp.Param, "second factor verification required")
}

// SignIn checks the password and issues a session of req.Kind.  Unknown
// usernames, wrong passwords and disabled accounts all fail with
// InvalidCredentials.  A tampered account row fails with ChecksumInvalid.
func (s *AccountService) SignIn(ctx context.Context, req SignInRequest) (*SignInResult, error) {
	if !req.Kind.Valid() {
		return nil, autherr.WithParam(autherr.KindInvalidParameter, "kind", "unknown device kind")
	}
	if req.Challenge != "" {
		return s.completeSignIn(ctx, req)
	}

	acct, err := s.accounts.GetByUsernameTx(ctx, s.db, req.Username)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			utils.VerifyPassword(s.dummyHash, req.Password)
			return nil, autherr.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	if err := s.trust(acct); err != nil {
		return nil, err
	}
	if !utils.VerifyPassword(acct.PasswordHash, req.Password) || acct.Disabled {
		return nil, autherr.ErrInvalidCredentials
	}

	if acct.TOTPEnabled {
		key, err := s.ring.Derive(keyring.Project, challengeEntity)
		if err != nil {
			return nil, err
		}
		raw, exp, err := utils.NewChallenge(key, acct.ID, string(req.Kind), req.IP, s.now())
		if err != nil {
			return nil, fmt.Errorf("sign challenge: %w", err)
		}
		return nil, &ChallengeError{Challenge: raw, Expires: exp}
	}

	var res *SignInResult
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		fresh, err := s.accounts.GetByIDTx(ctx, tx, acct.ID)
		if err != nil {
			return err
		}
		if err := s.trust(fresh); err != nil {
			return err
		}
		issued, err := s.ledger.Issue(ctx, tx, fresh, req.Kind, req.IP, session.IssueOptions{})
		if err != nil {
			return err
		}
		res = &SignInResult{Account: fresh, Issued: issued}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.issuedEvent(res)
	return res, nil
}

// completeSignIn exchanges a challenge and a code for a session.  The code is
// consumed under the account lock and becomes the new session's single-use
// boundary.
func (s *AccountService) completeSignIn(ctx context.Context, req SignInRequest) (*SignInResult, error) {
	key, err := s.ring.Derive(keyring.Project, challengeEntity)
	if err != nil {
		return nil, err
	}
	ch, err := utils.ParseChallenge(key, req.Challenge, s.now())
	if err != nil || ch.Kind != string(req.Kind) || ch.IP != req.IP {
		return nil, autherr.ErrInvalidCredentials
	}
	if req.Code == "" {
		return nil, autherr.WithParam(autherr.KindInvalidCode, totp.Param, "code must be 6 digits")
	}

	ctx, guard, err := s.locker.Acquire(ctx, lock.TOTPName(ch.AccountID), s.opts.LockPoll, s.opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	var res *SignInResult
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		acct, err := s.accounts.GetByIDTx(ctx, tx, ch.AccountID)
		if err != nil {
			if errors.Is(err, repository.ErrAccountNotFound) {
				return autherr.ErrInvalidCredentials
			}
			return err
		}
		if err := s.trust(acct); err != nil {
			return err
		}
		if acct.Disabled || !acct.TOTPEnabled {
			return autherr.ErrInvalidCredentials
		}
		secret, err := s.totpSecret(acct)
		if err != nil {
			return err
		}

		// Codes already consumed by either current session stay consumed.
		scratch := &model.Session{Kind: req.Kind, AccountID: acct.ID}
		for _, kind := range []model.DeviceKind{model.DeviceWeb, model.DeviceApp} {
			last, err := s.lastCode(ctx, tx, acct, kind)
			if err != nil {
				return err
			}
			if last != "" && last == req.Code {
				s.rejected(acct, scratch, autherr.KindAlreadyConsumed)
				return autherr.WithParam(autherr.KindAlreadyConsumed, totp.Param, "code already used")
			}
		}
		if err := s.verifyCode(acct, scratch, req.Code, secret); err != nil {
			return err
		}

		issued, err := s.ledger.Issue(ctx, tx, acct, req.Kind, req.IP, session.IssueOptions{
			Last2FACode: scratch.Last2FACode,
			Last2FAOn:   scratch.Last2FAOn,
		})
		if err != nil {
			return err
		}
		res = &SignInResult{Account: acct, Issued: issued}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.issuedEvent(res)
	return res, nil
}

// lastCode returns the last code consumed by the account's current session
// of kind, or "" when there is none.
func (s *AccountService) lastCode(ctx context.Context, tx *sql.Tx, acct *model.Account, kind model.DeviceKind) (string, error) {
	token := acct.CurrentToken(kind)
	if len(token) == 0 {
		return "", nil
	}
	cur, err := s.sessions.GetByTokenTx(ctx, tx, token)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("load session: %w", err)
	}
	if err := s.trust(cur); err != nil {
		return "", err
	}
	if cur.Last2FACode == nil {
		return "", nil
	}
	return *cur.Last2FACode, nil
}

// SignedRequest is an authenticated request as extracted from the wire.
type SignedRequest struct {
	Token       []byte
	Kind        model.DeviceKind // from the signature header
	Params      url.Values
	Exclude     []string
	HMAC        string
	Timestamp   int64
	AllowStepUp bool
}

// Authenticate validates the session and the request signature.  Nothing is
// written unless both succeed.
func (s *AccountService) Authenticate(ctx context.Context, req SignedRequest) (*session.Authenticated, error) {
	var auth *session.Authenticated
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := s.ledger.Validate(ctx, tx, req.Token, session.ValidateOptions{AllowStepUp: req.AllowStepUp})
		if err != nil {
			return err
		}
		if a.Session.Kind != req.Kind {
			return autherr.ErrSignatureMismatch
		}
		secret, err := s.ledger.Secret(a.Account, a.Session)
		if err != nil {
			return err
		}
		if err := s.verifier.Verify(secret, req.Params, req.Exclude, req.HMAC, req.Timestamp); err != nil {
			return err
		}
		auth = a
		return nil
	})
	if err != nil {
		if autherr.KindOf(err).Class() == autherr.ClassIntegrity {
			table, id := autherr.RowOf(err)
			s.untrusted(table, id, err.Error())
		}
		return nil, err
	}
	return auth, nil
}

// SignOut archives the caller's session.
func (s *AccountService) SignOut(ctx context.Context, auth *session.Authenticated) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.sessions.GetByIDTx(ctx, tx, auth.Session.ID)
		if err != nil {
			if errors.Is(err, repository.ErrSessionNotFound) {
				return autherr.ErrSessionNotFound
			}
			return err
		}
		if err := s.trust(cur); err != nil {
			return err
		}
		if cur.Archived {
			return nil
		}
		return s.ledger.Archive(ctx, tx, cur)
	})
}

func (s *AccountService) issuedEvent(res *SignInResult) {
	s.emit(q.SecurityEvent{
		Type:      q.EventSessionIssued,
		AccountID: res.Account.ID,
		SessionID: res.Issued.Session.ID,
		Kind:      string(res.Issued.Session.Kind),
		IP:        res.Issued.Session.IP,
	})
}
