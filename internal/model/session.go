package model

import (
	"net"
	"time"

	"github.com/iliyamo/account-guard/internal/integrity"
)

// Session represents a row in the `sessions` table: one authenticated
// bearer context.  Sessions are superseded, never deleted, when a newer one
// of the same kind is issued for the account.
type Session struct {
	ID          uint64     // sessions.id
	Kind        DeviceKind // sessions.kind
	Token       []byte     // sessions.token, 32 bytes, never echoed after issue
	AccountID   uint64     // sessions.account_id
	IP          string     // sessions.ip, issuing address
	IssuedOn    uint32     // sessions.issued_on
	LastUsedOn  uint32     // sessions.last_used_on, outside the checksum
	Last2FACode *string    // sessions.last_2fa_code (nullable)
	Last2FAOn   uint32     // sessions.last_2fa_on
	Archived    bool       // sessions.archived
	Secret      []byte     // sessions.secret, sealed HMAC secret
	Checksum    []byte     // sessions.checksum
}

func (s *Session) ChecksumTable() string  { return "sessions" }
func (s *Session) ChecksumID() uint64     { return s.ID }
func (s *Session) StoredChecksum() []byte { return s.Checksum }

func (s *Session) CanonicalFields() []integrity.Field {
	return []integrity.Field{
		integrity.Uint("id", s.ID),
		integrity.Text("kind", string(s.Kind)),
		integrity.Bytes("token", s.Token),
		integrity.Uint("account_id", s.AccountID),
		ipField(s.IP),
		integrity.Uint("issued_on", uint64(s.IssuedOn)),
		integrity.NullText("last_2fa_code", s.Last2FACode),
		integrity.Uint("last_2fa_on", uint64(s.Last2FAOn)),
		integrity.Bool("archived", s.Archived),
		integrity.Bytes("secret", s.Secret),
	}
}

// ipField renders the address as hex so IPv6 colons never reach the
// canonical string.
func ipField(ip string) integrity.Field {
	if parsed := net.ParseIP(ip); parsed != nil {
		return integrity.Bytes("ip", parsed.To16())
	}
	return integrity.Bytes("ip", []byte(ip))
}

// Unix converts t to the unsigned 32-bit seconds stored in rows.
func Unix(t time.Time) uint32 {
	s := t.Unix()
	if s < 0 {
		return 0
	}
	if s > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(s)
}
