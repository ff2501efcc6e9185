// Package events carries connection events from session supervisors to the
// reconciler over a single Redis broadcast channel. Delivery is
// fire-and-forget: nothing is persisted, and a lost event is repaired by the
// next state transition re-publishing current state.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"chatwire.app/sessiond/common/id"
	"chatwire.app/sessiond/common/logger"
	"chatwire.app/sessiond/internal/model"
)

// PubClient is the single redis command the publisher needs.
// *redis.Client satisfies it; tests capture published payloads.
type PubClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type Publisher struct {
	client PubClient
	topic  string
}

func NewPublisher(client PubClient, topic string) *Publisher {
	return &Publisher{client: client, topic: topic}
}

// Publish broadcasts one connection event. At-most-once: a subscriber that
// is down misses the event.
func (p *Publisher) Publish(ctx context.Context, event model.ConnectionEvent) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "sessiond.events.publisher",
		EventType: logger.Ptr(string(event.Type)),
	})

	if event.ID == 0 {
		event.ID = id.New()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", event.Type, err)
	}

	if err := p.client.Publish(ctx, p.topic, payload).Err(); err != nil {
		return fmt.Errorf("publishing %s event for channel %s: %w", event.Type, event.ChannelID, err)
	}

	slog.DebugContext(ctx, "event published",
		"channel_id", event.ChannelID,
		"organization_id", event.OrganizationID)
	return nil
}

// Parse decodes one broadcast payload back into an event envelope.
func Parse(payload []byte) (model.ConnectionEvent, error) {
	var event model.ConnectionEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return model.ConnectionEvent{}, fmt.Errorf("parsing event payload: %w", err)
	}
	if event.Type == "" || event.ChannelID == "" || event.OrganizationID == "" {
		return model.ConnectionEvent{}, fmt.Errorf("event payload missing type, channelId or organizationId")
	}
	return event, nil
}
