// Package totp enforces single-use consumption and freshness of 6-digit
// time-based one-time codes.  Code generation and the RFC 6238 check itself
// come from github.com/pquerna/otp.
package totp

import (
	"regexp"
	"time"

	"github.com/pquerna/otp"
	pqtotp "github.com/pquerna/otp/totp"

	"github.com/iliyamo/account-guard/internal/autherr"
	"github.com/iliyamo/account-guard/internal/model"
)

// Param is the request field carrying the code.
const Param = "totp"

const (
	// SensitiveWindow is how recent a verification must be for sensitive
	// operations that accept a previous code.
	SensitiveWindow = 300 * time.Second
	// StepUpWindow is how recent a verification must be for long-lived
	// sessions of accounts with a second factor.
	StepUpWindow = 600 * time.Second
)

var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

// Validator checks a code against a secret at time t.
type Validator func(code, secret string, t time.Time) (bool, error)

// Gate consumes codes against a session's last accepted code.
type Gate struct {
	Now      func() time.Time
	Validate Validator
}

// NewGate returns a gate using the wall clock and the standard 30 second,
// SHA1, six digit parameters with one step of skew.
func NewGate() *Gate {
	return &Gate{Now: time.Now, Validate: standard}
}

func standard(code, secret string, t time.Time) (bool, error) {
	return pqtotp.ValidateCustom(code, secret, t.UTC(), pqtotp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// Verify accepts code once.  On success the code and the current time are
// stored on the session; the caller must persist the session and reseal its
// checksum or single use is lost.
func (g *Gate) Verify(code, secret string, s *model.Session) error {
	if !codePattern.MatchString(code) {
		return autherr.WithParam(autherr.KindInvalidCode, Param, "code must be 6 digits")
	}
	if s.Last2FACode != nil && *s.Last2FACode == code {
		return autherr.WithParam(autherr.KindAlreadyConsumed, Param, "code already used")
	}
	now := g.Now()
	ok, err := g.Validate(code, secret, now)
	if err != nil || !ok {
		return autherr.WithParam(autherr.KindIncorrectCode, Param, "incorrect code")
	}
	consumed := code
	s.Last2FACode = &consumed
	s.Last2FAOn = model.Unix(now)
	return nil
}

// RecentlyVerified reports whether the session accepted a code within window.
func (g *Gate) RecentlyVerified(s *model.Session, window time.Duration) bool {
	if s.Last2FAOn == 0 {
		return false
	}
	elapsed := g.Now().Unix() - int64(s.Last2FAOn)
	return elapsed >= 0 && time.Duration(elapsed)*time.Second <= window
}

// GenerateSecret creates a new base32 secret for enrollment.
func GenerateSecret(issuer, account string) (*otp.Key, error) {
	return pqtotp.Generate(pqtotp.GenerateOpts{Issuer: issuer, AccountName: account})
}

// Code returns the code for secret at t.  It is used by tests and tooling.
func Code(secret string, t time.Time) (string, error) {
	return pqtotp.GenerateCode(secret, t.UTC())
}
