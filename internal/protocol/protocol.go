// Package protocol defines the contract with the external multi-device
// messaging client. The wire protocol itself lives behind Dialer/Conn; this
// subsystem only reacts to the events a connection emits.
package protocol

import (
	"context"
	"strings"

	"chatwire.app/sessiond/internal/model"
)

// EventKind discriminates connection events. A Conn delivers its events on a
// single stream, so supervisor state transitions stay strictly sequential.
type EventKind int

const (
	// KindQR carries a fresh pairing payload while the session awaits pairing.
	KindQR EventKind = iota
	// KindConnected signals the connection is open and paired.
	KindConnected
	// KindClosed signals the connection ended; Close says whether terminally.
	KindClosed
	// KindCredentials signals the client rotated credential material that
	// must be persisted immediately.
	KindCredentials
)

// Event is one notification from the protocol connection.
type Event struct {
	Kind EventKind

	// Pairing payload, set for KindQR.
	QR string

	// Paired phone number, set for KindConnected.
	PhoneNumber string

	// Close details, set for KindClosed.
	Close CloseInfo
}

// CloseInfo classifies a connection close. An explicit logout is terminal;
// everything else is transient and eligible for backoff reconnection.
type CloseInfo struct {
	Reason    string
	LoggedOut bool
}

// Terminal reports whether the close must not be retried.
func (c CloseInfo) Terminal() bool {
	return c.LoggedOut
}

// KeyUpdate is one entry of a batched key-store mutation. A nil Value deletes
// the entry.
type KeyUpdate struct {
	Category string
	ID       string
	Value    any
}

// KeyStore is the protocol client's view of the session key store. Lookups
// are synchronous against in-memory state; mutations are persisted by the
// auth-state store on its own schedule.
type KeyStore interface {
	Get(category string, ids []string) map[string]any
	Set(updates []KeyUpdate)
}

// Dialer opens protocol connections. The production implementation wraps the
// vendor client; tests substitute scripted fakes.
type Dialer interface {
	Dial(ctx context.Context, creds *model.Credentials, keys KeyStore) (Conn, error)
}

// Conn is one live protocol connection. After a KindClosed event the
// connection is dead and Events is closed; a reconnect dials a new Conn.
type Conn interface {
	Events() <-chan Event
	SendText(ctx context.Context, address, text string) error
	Logout(ctx context.Context) error
}

const addressSuffix = "@s.chatwire.net"

// NormalizeAddress converts a user-entered destination into the protocol's
// canonical address form: digits only, service suffix appended. Addresses
// that already carry a suffix pass through untouched.
func NormalizeAddress(to string) string {
	if strings.Contains(to, "@") {
		return to
	}

	var digits strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return digits.String() + addressSuffix
}
