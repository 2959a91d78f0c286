// Package vault seals serialized sub-objects (credentials, permission sets)
// at rest with an entity-scoped key.  Every sealed object embeds its owner
// and kind; both are checked after decryption.
package vault

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/iliyamo/account-guard/internal/autherr"
)

// MaxBlobSize caps a sealed blob, matching the column size.
const MaxBlobSize = 4096

type envelope struct {
	Kind  string          `json:"k"`
	Owner uint64          `json:"o"`
	Data  json.RawMessage `json:"d"`
}

// Seal serializes v, tags it with kind and owner and encrypts it with key.
// The blob layout is nonce || ciphertext.
func Seal(key []byte, kind string, owner uint64, v any) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("vault: marshal %s: %w", kind, err)
	}
	plain, err := json.Marshal(envelope{Kind: kind, Owner: owner, Data: data})
	if err != nil {
		return nil, fmt.Errorf("vault: marshal envelope: %w", err)
	}
	if aead.NonceSize()+len(plain)+aead.Overhead() > MaxBlobSize {
		return nil, autherr.WithParam(autherr.KindInvalidParameter, kind,
			fmt.Sprintf("sealed %s exceeds %d bytes", kind, MaxBlobSize))
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts blob into dst.  A failed decryption, a different kind and a
// different owner are reported as distinct integrity errors.
func Open(key, blob []byte, kind string, owner uint64, dst any) error {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() || len(blob) > MaxBlobSize {
		return autherr.WithParam(autherr.KindDecrypt, kind, "sealed blob has an invalid length")
	}
	nonce, ct := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return autherr.Wrap(autherr.KindDecrypt, "open sealed "+kind, err)
	}
	var env envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return autherr.Wrap(autherr.KindTypeMismatch, "decode sealed "+kind, err)
	}
	if env.Kind != kind {
		return autherr.WithParam(autherr.KindTypeMismatch, kind,
			fmt.Sprintf("sealed object is %q, want %q", env.Kind, kind))
	}
	if env.Owner != owner {
		return autherr.WithParam(autherr.KindOwnershipMismatch, kind,
			fmt.Sprintf("sealed %s belongs to %d, want %d", kind, env.Owner, owner))
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return autherr.Wrap(autherr.KindTypeMismatch, "decode "+kind, err)
	}
	return nil
}
