package model

import "time"

// ChannelStatus is the connection state persisted on the tenant's channel
// record. Only the event-pipeline reconciler writes these fields.
type ChannelStatus string

const (
	ChannelStatusPending      ChannelStatus = "pending"
	ChannelStatusConnected    ChannelStatus = "connected"
	ChannelStatusDisconnected ChannelStatus = "disconnected"
	ChannelStatusError        ChannelStatus = "error"
)

// Channel is one tenant-scoped messaging connection. The record lives in the
// organization's tenant database; this subsystem reads it and the reconciler
// updates its connection-state fields, but schema ownership stays with the CRM.
type Channel struct {
	ID             string
	OrganizationID string
	Status         ChannelStatus

	// QR pairing payload shown to the user while status is pending.
	QRCode          *string
	QRCodeExpiresAt *time.Time

	// Set on successful pairing.
	PhoneNumber *string

	// Opaque auth-state blob managed by the auth-state store.
	AuthState []byte

	ErrorMessage    *string
	IsActive        bool
	LastConnectedAt *time.Time
	VerifiedAt      *time.Time
	UpdatedAt       time.Time
}
