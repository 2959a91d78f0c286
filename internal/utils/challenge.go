package utils

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ChallengeTTL is how long a sign-in challenge can be exchanged for a
// session once the password was accepted.
const ChallengeTTL = 5 * time.Minute

const challengeAudience = "signin-challenge"

// ErrChallengeInvalid covers every reason a challenge is refused.
var ErrChallengeInvalid = errors.New("invalid sign-in challenge")

// Challenge is the decoded content of a sign-in challenge.
type Challenge struct {
	AccountID uint64
	Kind      string
	IP        string
	Exp       time.Time
}

type challengeClaims struct {
	Kind string `json:"knd"`
	IP   string `json:"ip"`
	jwt.RegisteredClaims
}

// NewChallenge signs an HS256 token proving that the password of accountID
// was verified for a session of kind requested from ip.
func NewChallenge(key []byte, accountID uint64, kind, ip string, now time.Time) (string, time.Time, error) {
	exp := now.UTC().Add(ChallengeTTL)
	claims := challengeClaims{
		Kind: kind,
		IP:   ip,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(accountID, 10),
			Audience:  jwt.ClaimStrings{challengeAudience},
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now.UTC()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseChallenge verifies the signature, audience and expiry of raw.
func ParseChallenge(key []byte, raw string, now time.Time) (Challenge, error) {
	var claims challengeClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrChallengeInvalid
		}
		return key, nil
	},
		jwt.WithAudience(challengeAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !tok.Valid {
		return Challenge{}, ErrChallengeInvalid
	}
	id, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || id == 0 {
		return Challenge{}, ErrChallengeInvalid
	}
	return Challenge{AccountID: id, Kind: claims.Kind, IP: claims.IP, Exp: claims.ExpiresAt.Time}, nil
}
