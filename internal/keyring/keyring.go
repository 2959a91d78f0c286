// Package keyring holds the root secrets loaded at boot and derives
// deterministic per-entity child keys from them.
package keyring

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/iliyamo/account-guard/internal/autherr"
)

// Label names a root key.
type Label string

const (
	Primary   Label = "primary"   // row checksums
	Secondary Label = "secondary" // session secrets
	Users     Label = "users"     // account credentials and permissions
	Project   Label = "project"   // sign-in challenges
)

// Labels lists every root key a complete configuration must provide.
var Labels = []Label{Primary, Secondary, Users, Project}

// KeySize is the length of root and derived keys in bytes.
const KeySize = 32

// InsecureDefault is the placeholder shipped in .env.example.  A ring built
// from it, or from all-zero entropy, is refused.
var InsecureDefault = []byte("change-me-change-me-change-me-32")

// Ring is an immutable set of root keys.  It is safe for concurrent use and
// is shared by reference across all request handlers.
type Ring struct {
	keys map[Label][]byte
}

// New validates and copies the provided root keys.
func New(keys map[Label][]byte) (*Ring, error) {
	if len(keys) == 0 {
		return nil, autherr.New(autherr.KindUnknownKeyLabel, "root keys are required")
	}
	r := &Ring{keys: make(map[Label][]byte, len(keys))}
	for label, key := range keys {
		if strings.TrimSpace(string(label)) == "" {
			return nil, autherr.New(autherr.KindUnknownKeyLabel, "root key label is empty")
		}
		if len(key) != KeySize {
			return nil, autherr.WithParam(autherr.KindInsecureKey, string(label),
				fmt.Sprintf("root key %q must be %d bytes, got %d", label, KeySize, len(key)))
		}
		if insecure(key) {
			return nil, autherr.WithParam(autherr.KindInsecureKey, string(label),
				fmt.Sprintf("root key %q uses insecure default entropy", label))
		}
		r.keys[label] = append([]byte(nil), key...)
	}
	return r, nil
}

// Require checks that every label is configured.  It is meant to run once at
// boot so unknown labels are unreachable at request time.
func (r *Ring) Require(labels ...Label) error {
	for _, l := range labels {
		if _, err := r.Root(l); err != nil {
			return err
		}
	}
	return nil
}

// Labels returns the configured labels in sorted order.
func (r *Ring) Labels() []Label {
	out := make([]Label, 0, len(r.keys))
	for l := range r.keys {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Root returns a copy of the root key for label.
func (r *Ring) Root(label Label) ([]byte, error) {
	if r == nil {
		return nil, autherr.New(autherr.KindUnknownKeyLabel, "keyring is not configured")
	}
	key, ok := r.keys[label]
	if !ok {
		return nil, autherr.WithParam(autherr.KindUnknownKeyLabel, string(label),
			fmt.Sprintf("unknown key label %q", label))
	}
	return append([]byte(nil), key...), nil
}

// Derive computes the child key for entity under the root key label.  The
// result depends only on the root key and the entity label.
func (r *Ring) Derive(label Label, entity string) ([]byte, error) {
	root, err := r.Root(label)
	if err != nil {
		return nil, err
	}
	entity = strings.TrimSpace(entity)
	if entity == "" {
		return nil, autherr.WithParam(autherr.KindInvalidParameter, "entity", "entity label is required")
	}
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, root, nil, []byte(entity)), out); err != nil {
		return nil, fmt.Errorf("derive %s key for %s: %w", label, entity, err)
	}
	return out, nil
}

// Entity returns a key cache bound to one entity label, e.g. "account_42".
func (r *Ring) Entity(entity string) *Entity {
	return &Entity{ring: r, label: entity}
}

// Entity memoizes derived keys for a single in-memory entity.  It must not
// be shared between entities.
type Entity struct {
	ring  *Ring
	label string

	mu    sync.Mutex
	cache map[Label][]byte
}

// Label returns the entity label the cache is bound to.
func (e *Entity) Label() string { return e.label }

// Key returns the derived key for the root label, deriving it on first use.
func (e *Entity) Key(label Label) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if k, ok := e.cache[label]; ok {
		return k, nil
	}
	k, err := e.ring.Derive(label, e.label)
	if err != nil {
		return nil, err
	}
	if e.cache == nil {
		e.cache = make(map[Label][]byte, 2)
	}
	e.cache[label] = k
	return k, nil
}

func insecure(key []byte) bool {
	if bytes.Equal(key, InsecureDefault) {
		return true
	}
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
