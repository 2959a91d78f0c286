package testutil

import (
	"crypto/sha256"
	"testing"

	"github.com/iliyamo/account-guard/internal/integrity"
	"github.com/iliyamo/account-guard/internal/keyring"
)

// Ring returns a keyring with a fixed, distinct key per label.
func Ring(t testing.TB) *keyring.Ring {
	t.Helper()
	keys := make(map[keyring.Label][]byte, len(keyring.Labels))
	for _, l := range keyring.Labels {
		sum := sha256.Sum256([]byte("test-root-" + string(l)))
		keys[l] = sum[:]
	}
	ring, err := keyring.New(keys)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return ring
}

// Checker returns a checksum checker over ring with the default bounds.
func Checker(t testing.TB, ring *keyring.Ring) *integrity.Checker {
	t.Helper()
	c, err := integrity.NewChecker(ring, integrity.DefaultBounds)
	if err != nil {
		t.Fatalf("checker: %v", err)
	}
	return c
}
