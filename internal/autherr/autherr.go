// Package autherr defines the typed failures produced by the authentication
// and integrity primitives.  Expected protocol outcomes (signature mismatch,
// expired timestamp, superseded session, busy lock) are distinguished from
// integrity violations and from configuration faults so that callers can pick
// a policy per call site.
package autherr

import "errors"

// Class groups kinds by how callers are expected to react to them.
type Class string

const (
	ClassConfiguration Class = "configuration" // fatal at boot
	ClassIntegrity     Class = "integrity"     // tampering or key confusion
	ClassProtocol      Class = "protocol"      // expected, user-facing
	ClassInternal      Class = "internal"      // storage unavailable and friends
)

// Kind is a machine-readable error kind.
type Kind string

const (
	KindUnknownKeyLabel Kind = "UNKNOWN_KEY_LABEL"
	KindInsecureKey     Kind = "INSECURE_KEY"

	KindChecksumInvalid   Kind = "CHECKSUM_INVALID"
	KindDecrypt           Kind = "DECRYPT_FAILED"
	KindTypeMismatch      Kind = "TYPE_MISMATCH"
	KindOwnershipMismatch Kind = "OWNERSHIP_MISMATCH"

	KindInvalidCredentials Kind = "INVALID_CREDENTIALS"
	KindSignatureMismatch  Kind = "SIGNATURE_MISMATCH"
	KindExpired            Kind = "EXPIRED"
	KindSessionNotFound    Kind = "SESSION_NOT_FOUND"
	KindSessionArchived    Kind = "SESSION_ARCHIVED"
	KindSessionSuperseded  Kind = "SESSION_SUPERSEDED"
	KindStepUpRequired     Kind = "STEP_UP_REQUIRED"
	KindTooManySessions    Kind = "TOO_MANY_SESSIONS"
	KindInvalidCode        Kind = "INVALID_CODE"
	KindAlreadyConsumed    Kind = "ALREADY_CONSUMED"
	KindIncorrectCode      Kind = "INCORRECT_CODE"
	KindSecondFactorState  Kind = "SECOND_FACTOR_STATE"
	KindForbidden          Kind = "FORBIDDEN"
	KindInvalidParameter   Kind = "INVALID_PARAMETER"
	KindBlocked            Kind = "LOCK_BLOCKED"
	KindTimeout            Kind = "LOCK_TIMEOUT"
	KindLockHeld           Kind = "LOCK_ALREADY_HELD"

	KindInternal Kind = "INTERNAL"
)

// Class reports the class a kind belongs to.
func (k Kind) Class() Class {
	switch k {
	case KindUnknownKeyLabel, KindInsecureKey:
		return ClassConfiguration
	case KindChecksumInvalid, KindDecrypt, KindTypeMismatch, KindOwnershipMismatch:
		return ClassIntegrity
	case KindInternal, KindLockHeld:
		return ClassInternal
	default:
		return ClassProtocol
	}
}

// Retryable reports whether a client may retry the same request unchanged.
func (k Kind) Retryable() bool {
	return k == KindBlocked || k == KindTimeout
}

// Error is the typed failure carried through the core.  Param names the
// offending request parameter when one applies; integrity failures use it
// for the table and set RowID.
type Error struct {
	Kind    Kind
	Param   string
	RowID   uint64
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors by kind so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithParam creates an error that names the offending parameter.
func WithParam(kind Kind, param, message string) *Error {
	return &Error{Kind: kind, Param: param, Message: message}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind of err, or KindInternal when err is not typed.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// RowOf returns the table and row id named by an integrity failure.
func RowOf(err error) (string, uint64) {
	var e *Error
	if errors.As(err, &e) {
		return e.Param, e.RowID
	}
	return "", 0
}

// ParamOf returns the offending parameter name, if any.
func ParamOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Param
	}
	return ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnknownKeyLabel    = New(KindUnknownKeyLabel, "unknown key label")
	ErrInsecureKey        = New(KindInsecureKey, "insecure root key")
	ErrChecksumInvalid    = New(KindChecksumInvalid, "checksum invalid")
	ErrDecrypt            = New(KindDecrypt, "decrypt failed")
	ErrTypeMismatch       = New(KindTypeMismatch, "sealed object type mismatch")
	ErrOwnershipMismatch  = New(KindOwnershipMismatch, "sealed object owner mismatch")
	ErrInvalidCredentials = New(KindInvalidCredentials, "invalid credentials")
	ErrSignatureMismatch  = New(KindSignatureMismatch, "signature mismatch")
	ErrExpired            = New(KindExpired, "request expired")
	ErrSessionNotFound    = New(KindSessionNotFound, "session not found")
	ErrSessionArchived    = New(KindSessionArchived, "session archived")
	ErrSessionSuperseded  = New(KindSessionSuperseded, "session superseded")
	ErrStepUpRequired     = New(KindStepUpRequired, "second factor verification required")
	ErrTooManySessions    = New(KindTooManySessions, "too many sessions")
	ErrInvalidCode        = New(KindInvalidCode, "code must be 6 digits")
	ErrAlreadyConsumed    = New(KindAlreadyConsumed, "code already used")
	ErrIncorrectCode      = New(KindIncorrectCode, "incorrect code")
	ErrForbidden          = New(KindForbidden, "forbidden")
	ErrBlocked            = New(KindBlocked, "resource busy")
	ErrTimeout            = New(KindTimeout, "resource busy: wait timed out")
	ErrLockHeld           = New(KindLockHeld, "lock already held by caller")
)
