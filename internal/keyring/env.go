package keyring

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// EnvPrefix prefixes the environment variable of each root key, e.g.
// ROOT_KEY_PRIMARY.  Values are 64 hex characters.
const EnvPrefix = "ROOT_KEY_"

// FromEnv loads every label in Labels from the environment.
func FromEnv() (*Ring, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup loads the ring through an arbitrary lookup function.
func FromLookup(lookup func(string) (string, bool)) (*Ring, error) {
	keys := make(map[Label][]byte, len(Labels))
	for _, label := range Labels {
		name := EnvPrefix + strings.ToUpper(string(label))
		raw, ok := lookup(name)
		raw = strings.TrimSpace(raw)
		if !ok || raw == "" {
			return nil, fmt.Errorf("%s is required", name)
		}
		key, err := decode(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", name, err)
		}
		keys[label] = key
	}
	ring, err := New(keys)
	if err != nil {
		return nil, err
	}
	return ring, nil
}

// decode accepts hex; a raw 32 character value is taken literally so the
// insecure placeholder is recognised and refused.
func decode(raw string) ([]byte, error) {
	if len(raw) == KeySize*2 {
		return hex.DecodeString(raw)
	}
	if len(raw) == KeySize {
		return []byte(raw), nil
	}
	return nil, fmt.Errorf("expected %d hex characters", KeySize*2)
}
