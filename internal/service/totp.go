package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pquerna/otp"

	"github.com/iliyamo/account-guard/internal/autherr"
	"github.com/iliyamo/account-guard/internal/lock"
	"github.com/iliyamo/account-guard/internal/model"
	q "github.com/iliyamo/account-guard/internal/queue"
	"github.com/iliyamo/account-guard/internal/session"
	"github.com/iliyamo/account-guard/internal/totp"
	"github.com/iliyamo/account-guard/internal/utils"
)

// underLock holds the account's second-factor lock and a transaction while
// fn runs.  The session is validated again inside the transaction so fn
// works on committed state; the lock is released on every return path.
func (s *AccountService) underLock(ctx context.Context, auth *session.Authenticated, fn func(tx *sql.Tx, cur *session.Authenticated) error) error {
	ctx, guard, err := s.locker.Acquire(ctx, lock.TOTPName(auth.Account.ID), s.opts.LockPoll, s.opts.LockTimeout)
	if err != nil {
		return err
	}
	defer guard.Release()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.ledger.Validate(ctx, tx, auth.Session.Token, session.ValidateOptions{AllowStepUp: true})
		if err != nil {
			return err
		}
		return fn(tx, cur)
	})
}

// verifyCode consumes code on sess.  The caller persists sess.
func (s *AccountService) verifyCode(acct *model.Account, sess *model.Session, code, secret string) error {
	if err := s.gate.Verify(code, secret, sess); err != nil {
		s.rejected(acct, sess, autherr.KindOf(err))
		return err
	}
	return nil
}

func (s *AccountService) rejected(acct *model.Account, sess *model.Session, kind autherr.Kind) {
	s.emit(q.SecurityEvent{
		Type:      q.EventTOTPRejected,
		AccountID: acct.ID,
		SessionID: sess.ID,
		Kind:      string(sess.Kind),
		Reason:    string(kind),
	})
}

// VerifyTOTP consumes a code on the caller's session, refreshing step-up.
func (s *AccountService) VerifyTOTP(ctx context.Context, auth *session.Authenticated, code string) error {
	return s.underLock(ctx, auth, func(tx *sql.Tx, cur *session.Authenticated) error {
		secret, err := s.totpSecret(cur.Account)
		if err != nil {
			return err
		}
		if err := s.verifyCode(cur.Account, cur.Session, code, secret); err != nil {
			return err
		}
		return s.ledger.Reseal(ctx, tx, cur.Session)
	})
}

// BeginTOTP generates an enrollment secret.  Nothing is stored until
// EnableTOTP proves the authenticator produces valid codes for it.
func (s *AccountService) BeginTOTP(auth *session.Authenticated) (*otp.Key, error) {
	if auth.Account.TOTPEnabled {
		return nil, autherr.WithParam(autherr.KindSecondFactorState, totp.Param, "second factor is already enabled")
	}
	key, err := totp.GenerateSecret(s.opts.Issuer, auth.Account.Username)
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return key, nil
}

// EnableTOTP stores secret once code verifies against it.
func (s *AccountService) EnableTOTP(ctx context.Context, auth *session.Authenticated, secret, code string) error {
	secret = strings.ToUpper(strings.TrimSpace(secret))
	if secret == "" {
		return autherr.WithParam(autherr.KindInvalidParameter, "secret", "secret is required")
	}
	return s.underLock(ctx, auth, func(tx *sql.Tx, cur *session.Authenticated) error {
		acct := cur.Account
		if acct.TOTPEnabled {
			return autherr.WithParam(autherr.KindSecondFactorState, totp.Param, "second factor is already enabled")
		}
		if err := s.verifyCode(acct, cur.Session, code, secret); err != nil {
			return err
		}
		sealed, err := s.seal(acct, model.SealedCredentials, model.Credentials{TOTPSecret: secret})
		if err != nil {
			return err
		}
		acct.Credentials = sealed
		acct.TOTPEnabled = true
		acct.UpdatedOn = model.Unix(s.now())
		if err := s.ledger.Reseal(ctx, tx, cur.Session); err != nil {
			return err
		}
		return s.ledger.ResealAccount(ctx, tx, acct)
	})
}

// DisableTOTP removes the second factor after a final code.
func (s *AccountService) DisableTOTP(ctx context.Context, auth *session.Authenticated, code string) error {
	return s.underLock(ctx, auth, func(tx *sql.Tx, cur *session.Authenticated) error {
		acct := cur.Account
		secret, err := s.totpSecret(acct)
		if err != nil {
			return err
		}
		if err := s.verifyCode(acct, cur.Session, code, secret); err != nil {
			return err
		}
		sealed, err := s.seal(acct, model.SealedCredentials, model.Credentials{})
		if err != nil {
			return err
		}
		acct.Credentials = sealed
		acct.TOTPEnabled = false
		acct.UpdatedOn = model.Unix(s.now())
		if err := s.ledger.Reseal(ctx, tx, cur.Session); err != nil {
			return err
		}
		return s.ledger.ResealAccount(ctx, tx, acct)
	})
}

// ChangePassword replaces the password.  Accounts with a second factor must
// present a code, or have verified one on this session within the
// sensitive-operation window.
func (s *AccountService) ChangePassword(ctx context.Context, auth *session.Authenticated, oldPassword, newPassword, code string) error {
	if len(newPassword) < MinPasswordLen {
		return autherr.WithParam(autherr.KindInvalidParameter, "new_password",
			fmt.Sprintf("password must be at least %d characters", MinPasswordLen))
	}
	hash, err := utils.HashPassword(newPassword, s.opts.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.underLock(ctx, auth, func(tx *sql.Tx, cur *session.Authenticated) error {
		acct := cur.Account
		if !utils.VerifyPassword(acct.PasswordHash, oldPassword) {
			return autherr.WithParam(autherr.KindInvalidCredentials, "password", "invalid credentials")
		}
		if acct.TOTPEnabled {
			if code == "" {
				if !s.gate.RecentlyVerified(cur.Session, totp.SensitiveWindow) {
					return autherr.WithParam(autherr.KindStepUpRequired, totp.Param, "second factor verification required")
				}
			} else {
				secret, err := s.totpSecret(acct)
				if err != nil {
					return err
				}
				if err := s.verifyCode(acct, cur.Session, code, secret); err != nil {
					return err
				}
				if err := s.ledger.Reseal(ctx, tx, cur.Session); err != nil {
					return err
				}
			}
		}
		acct.PasswordHash = hash
		acct.UpdatedOn = model.Unix(s.now())
		return s.ledger.ResealAccount(ctx, tx, acct)
	})
}
