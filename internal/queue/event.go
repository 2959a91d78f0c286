// Package queue defines message payloads exchanged over the message broker.
package queue

// SecurityQueueName is the durable queue carrying security events.
const SecurityQueueName = "security.events"

// Event types published by the account service.
const (
	EventSessionIssued      = "session.issued"
	EventIntegrityUntrusted = "integrity.untrusted"
	EventTOTPRejected       = "totp.rejected"
)

// SecurityEvent is published when a session is issued, a row fails its
// checksum, or a second-factor code is refused.  It carries enough context
// for an audit trail without querying the primary database and never
// contains tokens, secrets or codes.
type SecurityEvent struct {
	Type       string `json:"type"`
	AccountID  uint64 `json:"account_id,omitempty"`
	SessionID  uint64 `json:"session_id,omitempty"`
	Kind       string `json:"kind,omitempty"`
	IP         string `json:"ip,omitempty"`
	Table      string `json:"table,omitempty"`
	RowID      uint64 `json:"row_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	OccurredAt string `json:"occurred_at"`
}
