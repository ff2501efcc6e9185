package store

import (
	"context"
	"errors"
	"time"

	"chatwire.app/sessiond/internal/model"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ChannelStore is the narrow contract this subsystem holds against a tenant
// database: read and update one channel record by id. Schema ownership stays
// with the CRM; provisioning is an external collaborator.
//
// The Apply* mutations are the reconciler's reaction to connection events and
// are idempotent — replaying an event produces the same record. Auth-state
// accessors serve the auth-state store and touch only the auth_state column,
// keeping a single writer per storage target.
type ChannelStore interface {
	GetByID(ctx context.Context, id string) (*model.Channel, error)

	ApplyQRUpdate(ctx context.Context, id, qrCode string, expiresAt time.Time) error
	ApplyConnected(ctx context.Context, id, phoneNumber string, connectedAt time.Time) error
	ApplyDisconnected(ctx context.Context, id string, status model.ChannelStatus, errorMessage string) error

	GetAuthState(ctx context.Context, id string) ([]byte, error)
	UpdateAuthState(ctx context.Context, id string, blob []byte) error
}
