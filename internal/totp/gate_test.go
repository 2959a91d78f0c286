package totp

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/account-guard/internal/autherr"
	"github.com/iliyamo/account-guard/internal/model"
)

const secret = "JBSWY3DPEHPK3PXP"

func fixedGate(now time.Time) *Gate {
	g := NewGate()
	g.Now = func() time.Time { return now }
	return g
}

func TestVerifySingleUse(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := fixedGate(now)
	code, err := Code(secret, now)
	require.NoError(t, err)

	s := &model.Session{ID: 1}
	require.NoError(t, g.Verify(code, secret, s))
	require.NotNil(t, s.Last2FACode)
	require.Equal(t, code, *s.Last2FACode)
	require.Equal(t, model.Unix(now), s.Last2FAOn)

	err = g.Verify(code, secret, s)
	require.True(t, errors.Is(err, autherr.ErrAlreadyConsumed))
	require.Equal(t, Param, autherr.ParamOf(err))
}

func TestVerifyRejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := fixedGate(now)
	s := &model.Session{}

	for _, bad := range []string{"", "12345", "1234567", "12a456", " 123456"} {
		err := g.Verify(bad, secret, s)
		require.True(t, errors.Is(err, autherr.ErrInvalidCode), bad)
	}

	code, err := Code(secret, now.Add(-10*time.Minute))
	require.NoError(t, err)
	current, err := Code(secret, now)
	require.NoError(t, err)
	if code != current {
		err = g.Verify(code, secret, s)
		require.True(t, errors.Is(err, autherr.ErrIncorrectCode))
	}
	require.Nil(t, s.Last2FACode, "failed verification must not consume")

	// previous step is accepted through skew
	prev, err := Code(secret, now.Add(-30*time.Second))
	require.NoError(t, err)
	require.NoError(t, g.Verify(prev, secret, s))
}

func TestRecentlyVerified(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := fixedGate(now)

	require.False(t, g.RecentlyVerified(&model.Session{}, StepUpWindow))
	require.True(t, g.RecentlyVerified(&model.Session{Last2FAOn: model.Unix(now.Add(-599 * time.Second))}, StepUpWindow))
	require.False(t, g.RecentlyVerified(&model.Session{Last2FAOn: model.Unix(now.Add(-601 * time.Second))}, StepUpWindow))
	require.False(t, g.RecentlyVerified(&model.Session{Last2FAOn: model.Unix(now.Add(-301 * time.Second))}, SensitiveWindow))
}

func TestGenerateSecret(t *testing.T) {
	key, err := GenerateSecret("account-guard", "root")
	require.NoError(t, err)
	require.NotEmpty(t, key.Secret())
	code, err := Code(key.Secret(), time.Now())
	require.NoError(t, err)
	require.Len(t, code, 6)
}
