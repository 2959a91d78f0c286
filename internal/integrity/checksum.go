// Package integrity computes and validates the tamper-evident digest stored
// alongside account and session rows.
//
// A digest is PBKDF2-HMAC-SHA1 over a canonical field string, salted with a
// key derived for the row and iterated a per-row number of times.  Validation
// only reports Valid or Untrusted; whether an untrusted row fails the request
// is decided by the caller.
package integrity

import (
	"crypto/sha1"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/iliyamo/account-guard/internal/autherr"
)

// Delimiter joins canonical fields.  Values may never contain it.
const Delimiter = ":"

// DigestSize is the length of a stored checksum.
const DigestSize = sha1.Size

// Field is one normalized canonical value.
type Field struct {
	Name  string
	Value string
}

// Int renders a signed number as decimal.
func Int(name string, v int64) Field { return Field{Name: name, Value: strconv.FormatInt(v, 10)} }

// Uint renders an unsigned number as decimal.
func Uint(name string, v uint64) Field { return Field{Name: name, Value: strconv.FormatUint(v, 10)} }

// Bool renders a flag as 0 or 1.
func Bool(name string, v bool) Field {
	if v {
		return Field{Name: name, Value: "1"}
	}
	return Field{Name: name, Value: "0"}
}

// Text lower-cases and trims a string value.
func Text(name, v string) Field {
	return Field{Name: name, Value: strings.ToLower(strings.TrimSpace(v))}
}

// NullText renders an absent value as the empty string.
func NullText(name string, v *string) Field {
	if v == nil {
		return Field{Name: name}
	}
	return Text(name, *v)
}

// Bytes renders binary data as lower-case hex.
func Bytes(name string, v []byte) Field {
	return Field{Name: name, Value: fmt.Sprintf("%x", v)}
}

// Canonical joins fields in the given order.  The order is the schema's; it
// is never sorted here.
func Canonical(fields []Field) (string, error) {
	parts := make([]string, len(fields))
	for i, f := range fields {
		if strings.Contains(f.Value, Delimiter) {
			return "", autherr.WithParam(autherr.KindInvalidParameter, f.Name,
				fmt.Sprintf("field %q contains the reserved delimiter", f.Name))
		}
		parts[i] = f.Value
	}
	return strings.Join(parts, Delimiter), nil
}

// Bounds configures the per-row iteration count.
type Bounds struct {
	Base int
	Min  int
	Max  int
}

// DefaultBounds keeps the verification cost of one row within a few
// milliseconds.
var DefaultBounds = Bounds{Base: 1000, Min: 1000, Max: 3000}

// Validate rejects unusable bounds.
func (b Bounds) Validate() error {
	if b.Min < 1 || b.Max < b.Min || b.Base < 0 {
		return fmt.Errorf("invalid iteration bounds base=%d min=%d max=%d", b.Base, b.Min, b.Max)
	}
	return nil
}

// Iterations derives the iteration count for a row.  The raw count
// base + table[0] + rowID is brought into [Min, Max] as if the range width
// were subtracted (or added) until it fits, computed by modulo.
func Iterations(table string, rowID uint64, b Bounds) int {
	var first uint64
	if table != "" {
		first = uint64(table[0])
	}
	n := uint64(b.Base) + first + rowID
	lo, hi := uint64(b.Min), uint64(b.Max)
	width := hi - lo + 1
	switch {
	case n > hi:
		n = lo + (n-lo)%width
	case n < lo:
		n = hi - (lo-1-n)%width
	}
	return int(n)
}

// Compute hashes the canonical form of fields with key and iterations.
func Compute(fields []Field, key []byte, iterations int) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("checksum key is empty")
	}
	if iterations < 1 {
		return nil, fmt.Errorf("checksum iterations must be positive")
	}
	canonical, err := Canonical(fields)
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key([]byte(canonical), key, iterations, DigestSize, sha1.New), nil
}
