// Package reconciler projects broadcast connection events onto the tenant
// channel records. It owns all channel-table writes for connection state, so
// session workers never touch tenant databases for status.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatwire.app/sessiond/common/logger"
	"chatwire.app/sessiond/internal/events"
	"chatwire.app/sessiond/internal/model"
	"chatwire.app/sessiond/internal/store"
)

// TenantStores resolves an organization to its channel store.
// *tenant.Resolver satisfies it.
type TenantStores interface {
	Channels(ctx context.Context, organizationID string) (store.ChannelStore, error)
}

type Reconciler struct {
	tenants TenantStores
}

func New(tenants TenantStores) *Reconciler {
	return &Reconciler{tenants: tenants}
}

// Process applies one broadcast payload to the owning tenant's channel
// record. Unknown event types and events for deleted channels are logged and
// skipped; reprocessing a payload is harmless because every write sets
// absolute state.
func (r *Reconciler) Process(ctx context.Context, payload []byte) error {
	event, err := events.Parse(payload)
	if err != nil {
		return err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component:      "sessiond.reconciler",
		OrganizationID: logger.Ptr(event.OrganizationID),
		ChannelID:      logger.Ptr(event.ChannelID),
		EventType:      logger.Ptr(string(event.Type)),
	})

	channels, err := r.tenants.Channels(ctx, event.OrganizationID)
	if err != nil {
		return fmt.Errorf("resolving tenant for %s event: %w", event.Type, err)
	}

	switch event.Type {
	case model.EventQRUpdated:
		var data model.QRUpdatedData
		if err := event.DecodeData(&data); err != nil {
			return err
		}
		err = channels.ApplyQRUpdate(ctx, event.ChannelID, data.QRCode, data.ExpiresAt)

	case model.EventConnected:
		var data model.ConnectedData
		if err := event.DecodeData(&data); err != nil {
			return err
		}
		err = channels.ApplyConnected(ctx, event.ChannelID, data.PhoneNumber, data.ConnectedAt)

	case model.EventDisconnected:
		var data model.DisconnectedData
		if len(event.Data) > 0 {
			if err := event.DecodeData(&data); err != nil {
				return err
			}
		}
		err = channels.ApplyDisconnected(ctx, event.ChannelID, model.ChannelStatusDisconnected, data.Reason)

	case model.EventError:
		var data model.ErrorData
		if err := event.DecodeData(&data); err != nil {
			return err
		}
		err = channels.ApplyDisconnected(ctx, event.ChannelID, model.ChannelStatusError, data.Message)

	default:
		slog.WarnContext(ctx, "skipping unknown event type", "event_type", event.Type)
		return nil
	}

	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.WarnContext(ctx, "skipping event for missing channel",
				"channel_id", event.ChannelID)
			return nil
		}
		return fmt.Errorf("applying %s event to channel %s: %w", event.Type, event.ChannelID, err)
	}

	slog.DebugContext(ctx, "event applied", "event_id", event.ID)
	return nil
}
