package supervisor_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatwire.app/sessiond/internal/model"
	"chatwire.app/sessiond/internal/protocol"
)

type fakeRegistry struct {
	mu       sync.Mutex
	workerID string
	locks    map[string]string
	sessions map[string]string

	heartbeats   int
	heartbeatErr error
}

func newFakeRegistry(workerID string) *fakeRegistry {
	return &fakeRegistry{
		workerID: workerID,
		locks:    make(map[string]string),
		sessions: make(map[string]string),
	}
}

func (r *fakeRegistry) WorkerID() string { return r.workerID }

func (r *fakeRegistry) RegisterSession(_ context.Context, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[channelID] = r.workerID
	return nil
}

func (r *fakeRegistry) UnregisterSession(_ context.Context, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, channelID)
	return nil
}

func (r *fakeRegistry) GetSessionWorker(_ context.Context, channelID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[channelID], nil
}

func (r *fakeRegistry) AcquireLock(_ context.Context, channelID string, _ time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.locks[channelID]; held {
		return false, nil
	}
	r.locks[channelID] = r.workerID
	return true, nil
}

func (r *fakeRegistry) ReleaseLock(_ context.Context, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks[channelID] == r.workerID {
		delete(r.locks, channelID)
	}
	return nil
}

func (r *fakeRegistry) UpdateHeartbeat(_ context.Context, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
	return r.heartbeatErr
}

func (r *fakeRegistry) lockHolder(channelID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks[channelID]
}

func (r *fakeRegistry) sessionOwner(channelID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[channelID]
}

func (r *fakeRegistry) heartbeatCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heartbeats
}

type fakePublisher struct {
	mu     sync.Mutex
	events []model.ConnectionEvent
}

func (p *fakePublisher) Publish(_ context.Context, event model.ConnectionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func (p *fakePublisher) count(typ model.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type fakeAuth struct {
	mu        sync.Mutex
	creds     *model.Credentials
	saveCount int
	closed    bool
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{creds: &model.Credentials{RegistrationID: 1}}
}

func (a *fakeAuth) Credentials() *model.Credentials { return a.creds }

func (a *fakeAuth) Get(_ string, _ []string) map[string]any { return map[string]any{} }

func (a *fakeAuth) Set(_ []protocol.KeyUpdate) {}

func (a *fakeAuth) SaveCredsImmediate(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saveCount++
	return nil
}

func (a *fakeAuth) Close(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fakeAuth) saves() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saveCount
}

func (a *fakeAuth) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

type sentMessage struct {
	address string
	text    string
}

// fakeConn is a scripted protocol connection; tests drive it by emitting
// events onto its stream.
type fakeConn struct {
	events chan protocol.Event

	mu        sync.Mutex
	sent      []sentMessage
	loggedOut bool
	sendErr   error
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan protocol.Event, 16)}
}

func (c *fakeConn) Events() <-chan protocol.Event { return c.events }

func (c *fakeConn) SendText(_ context.Context, address, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentMessage{address: address, text: text})
	return nil
}

func (c *fakeConn) Logout(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *fakeConn) emit(ev protocol.Event) {
	c.events <- ev
}

func (c *fakeConn) closeWith(info protocol.CloseInfo) {
	c.events <- protocol.Event{Kind: protocol.KindClosed, Close: info}
	close(c.events)
}

func (c *fakeConn) sentMessages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

func (c *fakeConn) wasLoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// fakeDialer hands out a fresh fakeConn per dial, optionally failing the
// first N dials. When gate is set, Dial signals entered and blocks until the
// gate closes, so tests can interleave other calls with an in-flight dial.
type fakeDialer struct {
	mu        sync.Mutex
	conns     []*fakeConn
	failDials int
	gate      chan struct{}
	entered   chan struct{}
}

func (d *fakeDialer) Dial(_ context.Context, _ *model.Credentials, _ protocol.KeyStore) (protocol.Conn, error) {
	d.mu.Lock()
	gate, entered := d.gate, d.entered
	d.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failDials > 0 {
		d.failDials--
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}
