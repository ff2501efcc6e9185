package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/redis/go-redis/v9"
)

// Subscriber consumes the broadcast channel and feeds each payload through
// the reconciler. Delivery is at-most-once: payloads arriving while the
// subscriber is down are gone, and the next state transition repairs the
// record.
type Subscriber struct {
	client *redis.Client
	topic  string
	rec    *Reconciler

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewSubscriber(client *redis.Client, topic string, rec *Reconciler) *Subscriber {
	return &Subscriber{
		client:    client,
		topic:     topic,
		rec:       rec,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start subscribes and begins consuming. Returns once the subscription is
// confirmed so a ready subscriber never silently drops the first events.
func (s *Subscriber) Start(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, s.topic)
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.topic, err)
	}

	go s.consume(sub)
	slog.InfoContext(ctx, "subscriber started", "topic", s.topic)
	return nil
}

func (s *Subscriber) consume(sub *redis.PubSub) {
	defer close(s.stoppedCh)
	defer sub.Close()

	msgs := sub.Channel()
	for {
		select {
		case <-s.stopCh:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.processOne(msg.Payload)
		}
	}
}

// processOne isolates each payload: a decode failure or panic in one event
// must not take the consumer loop down.
func (s *Subscriber) processOne(payload string) {
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event processing panicked",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	if err := s.rec.Process(ctx, []byte(payload)); err != nil {
		slog.ErrorContext(ctx, "event processing failed", "error", err)
	}
}

// Stop ends consumption and waits for the in-flight event to finish.
func (s *Subscriber) Stop() {
	close(s.stopCh)
	<-s.stoppedCh
}
