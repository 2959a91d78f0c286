package utils

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRandomSecret(t *testing.T) {
	for i := 0; i < 200; i++ {
		s, err := RandomSecret(16)
		require.NoError(t, err)
		require.Len(t, s, 16)
		require.False(t, strings.ContainsAny(s, "\"'`\\ "), s)
		for _, c := range s {
			require.True(t, c > 0x20 && c < 0x7f)
		}
	}
}

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(32)
	require.NoError(t, err)
	b, err := RandomBytes(32)
	require.NoError(t, err)
	require.Len(t, a, 32)
	require.NotEqual(t, a, b)

	h, err := RandomHex(32)
	require.NoError(t, err)
	require.Len(t, h, 64)
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("correct horse", 4)
	require.NoError(t, err)
	require.True(t, VerifyPassword(hash, "correct horse"))
	require.False(t, VerifyPassword(hash, "wrong"))
	require.False(t, VerifyPassword("", "correct horse"))
}

func TestChallenge(t *testing.T) {
	key := bytes.Repeat([]byte{9}, 32)
	now := time.Unix(1_700_000_000, 0)

	raw, exp, err := NewChallenge(key, 42, "web", "10.0.0.1", now)
	require.NoError(t, err)
	require.Equal(t, now.Add(ChallengeTTL).Unix(), exp.Unix())

	ch, err := ParseChallenge(key, raw, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, uint64(42), ch.AccountID)
	require.Equal(t, "web", ch.Kind)
	require.Equal(t, "10.0.0.1", ch.IP)

	_, err = ParseChallenge(key, raw, now.Add(ChallengeTTL+time.Minute))
	require.ErrorIs(t, err, ErrChallengeInvalid)

	_, err = ParseChallenge(bytes.Repeat([]byte{8}, 32), raw, now)
	require.ErrorIs(t, err, ErrChallengeInvalid)

	_, err = ParseChallenge(key, raw+"x", now)
	require.ErrorIs(t, err, ErrChallengeInvalid)
}
