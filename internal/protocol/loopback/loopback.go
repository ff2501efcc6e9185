// Package loopback is an in-process protocol driver for development and
// end-to-end tests. It simulates the pairing flow: unpaired credentials get a
// QR event and pair after a fixed delay; paired credentials connect
// immediately. No traffic leaves the process.
package loopback

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatwire.app/sessiond/internal/model"
	"chatwire.app/sessiond/internal/protocol"
)

type Dialer struct {
	// PairDelay is how long a fresh session shows its QR before the
	// simulated scan completes.
	PairDelay time.Duration

	// PhoneNumber assigned on first pairing.
	PhoneNumber string
}

func NewDialer(pairDelay time.Duration, phoneNumber string) *Dialer {
	return &Dialer{PairDelay: pairDelay, PhoneNumber: phoneNumber}
}

func (d *Dialer) Dial(ctx context.Context, creds *model.Credentials, _ protocol.KeyStore) (protocol.Conn, error) {
	conn := &conn{
		events: make(chan protocol.Event, 4),
		done:   make(chan struct{}),
	}

	if creds.Paired() {
		conn.events <- protocol.Event{Kind: protocol.KindConnected, PhoneNumber: creds.PhoneNumber}
		return conn, nil
	}

	qr, err := pairingPayload()
	if err != nil {
		return nil, fmt.Errorf("generating pairing payload: %w", err)
	}
	conn.events <- protocol.Event{Kind: protocol.KindQR, QR: qr}

	go func() {
		timer := time.NewTimer(d.PairDelay)
		defer timer.Stop()
		select {
		case <-conn.done:
			return
		case <-timer.C:
		}

		creds.PhoneNumber = d.PhoneNumber
		conn.deliver(protocol.Event{Kind: protocol.KindCredentials})
		conn.deliver(protocol.Event{Kind: protocol.KindConnected, PhoneNumber: d.PhoneNumber})
	}()

	slog.DebugContext(ctx, "loopback connection opened")
	return conn, nil
}

type conn struct {
	events chan protocol.Event

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (c *conn) Events() <-chan protocol.Event { return c.events }

func (c *conn) SendText(ctx context.Context, address, text string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("sending to %s: connection closed", address)
	}

	slog.InfoContext(ctx, "loopback message delivered",
		"address", address,
		"length", len(text))
	return nil
}

func (c *conn) Logout(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	c.events <- protocol.Event{
		Kind:  protocol.KindClosed,
		Close: protocol.CloseInfo{Reason: "logged out", LoggedOut: true},
	}
	close(c.events)
	return nil
}

func (c *conn) deliver(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

func pairingPayload() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return "2@" + base64.StdEncoding.EncodeToString(raw), nil
}
