package vault

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/account-guard/internal/autherr"
)

type creds struct {
	TOTPSecret string `json:"totp_secret"`
}

var (
	keyA = bytes.Repeat([]byte{0xA1}, 32)
	keyB = bytes.Repeat([]byte{0xB2}, 32)
)

func TestSealOpen(t *testing.T) {
	blob, err := Seal(keyA, "credentials", 42, creds{TOTPSecret: "JBSWY3DPEHPK3PXP"})
	require.NoError(t, err)
	require.NotContains(t, string(blob), "JBSWY3DPEHPK3PXP")

	var out creds
	require.NoError(t, Open(keyA, blob, "credentials", 42, &out))
	require.Equal(t, "JBSWY3DPEHPK3PXP", out.TOTPSecret)

	again, err := Seal(keyA, "credentials", 42, creds{TOTPSecret: "JBSWY3DPEHPK3PXP"})
	require.NoError(t, err)
	require.NotEqual(t, blob, again, "nonce must differ per seal")
}

func TestOpenFailuresAreDistinct(t *testing.T) {
	blob, err := Seal(keyA, "credentials", 42, creds{TOTPSecret: "s"})
	require.NoError(t, err)

	var out creds
	err = Open(keyB, blob, "credentials", 42, &out)
	require.True(t, errors.Is(err, autherr.ErrDecrypt))

	err = Open(keyA, blob, "permissions", 42, &out)
	require.True(t, errors.Is(err, autherr.ErrTypeMismatch))

	err = Open(keyA, blob, "credentials", 43, &out)
	require.True(t, errors.Is(err, autherr.ErrOwnershipMismatch))
	require.False(t, errors.Is(err, autherr.ErrDecrypt))
	require.Equal(t, autherr.ClassIntegrity, autherr.KindOf(err).Class())

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0x01
	err = Open(keyA, tampered, "credentials", 42, &out)
	require.True(t, errors.Is(err, autherr.ErrDecrypt))

	err = Open(keyA, []byte("short"), "credentials", 42, &out)
	require.True(t, errors.Is(err, autherr.ErrDecrypt))
}

func TestSealSizeCap(t *testing.T) {
	_, err := Seal(keyA, "permissions", 1, []string{strings.Repeat("p", MaxBlobSize)})
	require.Error(t, err)
	require.Equal(t, "permissions", autherr.ParamOf(err))
}
