package integrity

import (
	"crypto/subtle"
	"fmt"

	"github.com/iliyamo/account-guard/internal/autherr"
	"github.com/iliyamo/account-guard/internal/keyring"
)

// Record is a row carrying a checksum.
type Record interface {
	ChecksumTable() string
	ChecksumID() uint64
	CanonicalFields() []Field
	StoredChecksum() []byte
}

// Status is the outcome of a validation.
type Status int

const (
	Valid Status = iota
	Untrusted
)

func (s Status) String() string {
	if s == Valid {
		return "valid"
	}
	return "untrusted"
}

// Result describes the validation of one record.  It is returned to the
// caller and never merged back into the record.
type Result struct {
	Table  string
	ID     uint64
	Status Status
}

// Trusted reports whether the stored digest matched.
func (r Result) Trusted() bool { return r.Status == Valid }

// Err converts an untrusted result into a typed error for call sites that
// treat a mismatch as fatal.
func (r Result) Err() error {
	if r.Trusted() {
		return nil
	}
	return &autherr.Error{
		Kind:    autherr.KindChecksumInvalid,
		Param:   r.Table,
		RowID:   r.ID,
		Message: fmt.Sprintf("checksum mismatch on %s %d", r.Table, r.ID),
	}
}

// Checker computes and validates record digests with row keys derived from
// the primary root key.
type Checker struct {
	ring   *keyring.Ring
	bounds Bounds
}

// NewChecker returns a checker.  Bounds are validated once here.
func NewChecker(ring *keyring.Ring, bounds Bounds) (*Checker, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	if err := ring.Require(keyring.Primary); err != nil {
		return nil, err
	}
	return &Checker{ring: ring, bounds: bounds}, nil
}

// Compute returns the digest the record should store.
func (c *Checker) Compute(rec Record) ([]byte, error) {
	table, id := rec.ChecksumTable(), rec.ChecksumID()
	key, err := c.ring.Derive(keyring.Primary, fmt.Sprintf("%s_%d", table, id))
	if err != nil {
		return nil, err
	}
	return Compute(rec.CanonicalFields(), key, Iterations(table, id, c.bounds))
}

// Validate recomputes the digest and compares it with the stored one.  The
// error return is reserved for faults; a mismatch is an Untrusted result.
func (c *Checker) Validate(rec Record) (Result, error) {
	res := Result{Table: rec.ChecksumTable(), ID: rec.ChecksumID(), Status: Untrusted}
	sum, err := c.Compute(rec)
	if err != nil {
		return res, err
	}
	stored := rec.StoredChecksum()
	if len(stored) == DigestSize && subtle.ConstantTimeCompare(sum, stored) == 1 {
		res.Status = Valid
	}
	return res, nil
}
