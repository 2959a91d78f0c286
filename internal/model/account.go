package model

import (
	"fmt"
	"sync"

	"github.com/iliyamo/account-guard/internal/integrity"
	"github.com/iliyamo/account-guard/internal/keyring"
)

// DeviceKind separates short-lived browser sessions from long-lived app
// sessions.  An account keeps one current session per kind.
type DeviceKind string

const (
	DeviceWeb DeviceKind = "web" // short-lived
	DeviceApp DeviceKind = "app" // long-lived
)

// Valid reports whether k is a known device kind.
func (k DeviceKind) Valid() bool { return k == DeviceWeb || k == DeviceApp }

// Account represents a row in the `accounts` table.
//
// Fields:
//  ID           – primary key identifier.
//  Username     – unique, lower-cased login name.
//  PasswordHash – one-way password hash.
//  Role         – ADMIN or OPERATOR.
//  Disabled     – disabled accounts cannot sign in.
//  TOTPEnabled  – whether a second factor is configured.
//  WebToken     – token of the current web session (nullable).
//  AppToken     – token of the current app session (nullable).
//  Credentials  – sealed Credentials blob.
//  Permissions  – sealed PermissionSet blob.
//  CreatedOn    – Unix seconds.
//  UpdatedOn    – Unix seconds.
//  Checksum     – integrity digest over the canonical fields.
type Account struct {
	ID           uint64
	Username     string
	PasswordHash string
	Role         string
	Disabled     bool
	TOTPEnabled  bool
	WebToken     []byte
	AppToken     []byte
	Credentials  []byte
	Permissions  []byte
	CreatedOn    uint32
	UpdatedOn    uint32
	Checksum     []byte

	keysOnce sync.Once
	keys     *keyring.Entity
}

// Credentials is the sealed second-factor material of an account.
type Credentials struct {
	TOTPSecret string `json:"totp_secret,omitempty"`
}

// PermissionSet is the sealed list of permissions granted to an account.
type PermissionSet struct {
	Permissions []string `json:"permissions"`
}

// Has reports whether p is granted.
func (p PermissionSet) Has(perm string) bool {
	for _, q := range p.Permissions {
		if q == perm {
			return true
		}
	}
	return false
}

const (
	SealedCredentials = "credentials"
	SealedPermissions = "permissions"
	SealedHMACSecret  = "hmac_secret"
)

// EntityLabel is the key-derivation label of the account.
func (a *Account) EntityLabel() string { return fmt.Sprintf("account_%d", a.ID) }

// Keys returns the account's derived-key cache, created on first use and
// kept for the lifetime of this value.
func (a *Account) Keys(ring *keyring.Ring) *keyring.Entity {
	a.keysOnce.Do(func() { a.keys = ring.Entity(a.EntityLabel()) })
	return a.keys
}

// CurrentToken returns the current session token for kind.
func (a *Account) CurrentToken(kind DeviceKind) []byte {
	if kind == DeviceApp {
		return a.AppToken
	}
	return a.WebToken
}

// SetCurrentToken overwrites the current session pointer for kind.
func (a *Account) SetCurrentToken(kind DeviceKind, token []byte) {
	if kind == DeviceApp {
		a.AppToken = token
		return
	}
	a.WebToken = token
}

func (a *Account) ChecksumTable() string  { return "accounts" }
func (a *Account) ChecksumID() uint64     { return a.ID }
func (a *Account) StoredChecksum() []byte { return a.Checksum }

func (a *Account) CanonicalFields() []integrity.Field {
	return []integrity.Field{
		integrity.Uint("id", a.ID),
		integrity.Text("username", a.Username),
		integrity.Text("password_hash", a.PasswordHash),
		integrity.Text("role", a.Role),
		integrity.Bool("disabled", a.Disabled),
		integrity.Bool("totp_enabled", a.TOTPEnabled),
		integrity.Bytes("web_token", a.WebToken),
		integrity.Bytes("app_token", a.AppToken),
		integrity.Bytes("credentials", a.Credentials),
		integrity.Bytes("permissions", a.Permissions),
		integrity.Uint("created_on", uint64(a.CreatedOn)),
	}
}
