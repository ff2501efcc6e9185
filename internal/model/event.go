package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags a connection event on the broadcast channel.
type EventType string

const (
	EventQRUpdated    EventType = "channel:qr-updated"
	EventConnected    EventType = "channel:connected"
	EventDisconnected EventType = "channel:disconnected"
	EventError        EventType = "channel:error"
)

// ConnectionEvent is the immutable envelope published by a session supervisor
// and consumed by the reconciler. Delivery is fire-and-forget, at-most-once
// per publish; a later reconnect re-publishes the current state.
type ConnectionEvent struct {
	// Time-ordered id, useful for log correlation. Consumers must not rely
	// on it for dedup; reconciliation updates are idempotent instead.
	ID             int64           `json:"id,omitempty"`
	Type           EventType       `json:"type"`
	OrganizationID string          `json:"organizationId"`
	ChannelID      string          `json:"channelId"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// QRUpdatedData carries the raw pairing payload and its short expiry.
type QRUpdatedData struct {
	QRCode    string    `json:"qrCode"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ConnectedData carries the paired phone number.
type ConnectedData struct {
	PhoneNumber string    `json:"phoneNumber"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// DisconnectedData carries the terminal close reason.
type DisconnectedData struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorData carries the message shown on the channel record after a
// terminal failure.
type ErrorData struct {
	Message string `json:"message"`
}

// WithData marshals the payload into the envelope.
func (e ConnectionEvent) WithData(data any) (ConnectionEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return e, fmt.Errorf("marshaling event data: %w", err)
	}
	e.Data = raw
	return e, nil
}

// DecodeData unmarshals the envelope payload into out.
func (e ConnectionEvent) DecodeData(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("decoding %s data: %w", e.Type, err)
	}
	return nil
}
