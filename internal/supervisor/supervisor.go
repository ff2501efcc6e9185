// Package supervisor owns the lifecycle of one channel's protocol session:
// lock acquisition, registry membership, heartbeats, the pairing flow, and
// reconnection with exponential backoff. All session state transitions happen
// here; everything downstream observes them as published connection events.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"chatwire.app/sessiond/common/logger"
	"chatwire.app/sessiond/internal/model"
	"chatwire.app/sessiond/internal/protocol"
)

var (
	// ErrAlreadyOwned is returned when another worker holds the channel lock
	// or a live registry entry for the channel.
	ErrAlreadyOwned = errors.New("channel session owned by another worker")

	// ErrNotConnected is returned for operations that need an open, paired
	// connection.
	ErrNotConnected = errors.New("channel not connected")

	// ErrStopped resolves pending connection waits when the session is
	// stopped before pairing completes.
	ErrStopped = errors.New("session stopped")

	// ErrLoggedOut resolves pending connection waits when the remote side
	// terminates the session before pairing completes.
	ErrLoggedOut = errors.New("session logged out")

	// ErrAttemptsExhausted resolves pending connection waits when the
	// reconnect ceiling is reached.
	ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

	// ErrStartTimeout is returned by WaitForConnection when pairing does not
	// complete within the wait window.
	ErrStartTimeout = errors.New("timed out waiting for connection")
)

// State is the supervisor's lifecycle position. Transitions are driven only
// by Start/Stop and by events from the protocol connection.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateAwaitingPairing
	StateConnected
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateAwaitingPairing:
		return "awaiting_pairing"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Registry is the ownership surface the supervisor needs. *registry.Registry
// satisfies it.
type Registry interface {
	WorkerID() string
	RegisterSession(ctx context.Context, channelID string) error
	UnregisterSession(ctx context.Context, channelID string) error
	AcquireLock(ctx context.Context, channelID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, channelID string) error
	UpdateHeartbeat(ctx context.Context, channelID string) error
}

// Publisher broadcasts connection events. *events.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event model.ConnectionEvent) error
}

// AuthStore is the supervisor's view of the channel's auth-state store.
// *authstate.Store satisfies it; it also covers protocol.KeyStore so the
// same value is handed to the dialer.
type AuthStore interface {
	Credentials() *model.Credentials
	Get(category string, ids []string) map[string]any
	Set(updates []protocol.KeyUpdate)
	SaveCredsImmediate(ctx context.Context) error
	Close(ctx context.Context) error
}

// AuthLoader loads (or initializes) the auth-state store for a channel.
type AuthLoader func(ctx context.Context, channelID string) (AuthStore, error)

// Config tunes lock, heartbeat and reconnect behavior for one supervisor.
type Config struct {
	LockTTL           time.Duration
	HeartbeatInterval time.Duration

	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffCap           time.Duration

	QRTTL time.Duration
}

// Supervisor runs one channel's session. Create with New, drive with Start
// and Stop. A terminated supervisor is not restartable; build a new one.
type Supervisor struct {
	channelID      string
	organizationID string
	cfg            Config

	reg      Registry
	pub      Publisher
	dialer   protocol.Dialer
	loadAuth AuthLoader

	mu       sync.Mutex
	state    State
	conn     protocol.Conn
	auth     AuthStore
	attempts int

	ready     chan struct{}
	readyErr  error
	readyOnce sync.Once

	stopCh   chan struct{}
	stopOnce sync.Once
	termOnce sync.Once

	hbStopped chan struct{}
}

func New(organizationID, channelID string, cfg Config, reg Registry, pub Publisher, dialer protocol.Dialer, loadAuth AuthLoader) *Supervisor {
	return &Supervisor{
		channelID:      channelID,
		organizationID: organizationID,
		cfg:            cfg,
		reg:            reg,
		pub:            pub,
		dialer:         dialer,
		loadAuth:       loadAuth,
		state:          StateIdle,
		ready:          make(chan struct{}),
		stopCh:         make(chan struct{}),
		hbStopped:      make(chan struct{}),
	}
}

func (s *Supervisor) ChannelID() string      { return s.channelID }
func (s *Supervisor) OrganizationID() string { return s.organizationID }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start claims the channel, loads auth state and opens the first protocol
// connection. It returns once the connection is dialing; pairing completion
// is observed through WaitForConnection or the published events.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx = s.logCtx(ctx)

	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("starting session for %s: already %s", s.channelID, state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	ok, err := s.reg.AcquireLock(ctx, s.channelID, s.cfg.LockTTL)
	if err != nil {
		s.setState(StateTerminated)
		return err
	}
	if !ok {
		s.setState(StateTerminated)
		return fmt.Errorf("starting session for %s: %w", s.channelID, ErrAlreadyOwned)
	}

	if err := s.reg.RegisterSession(ctx, s.channelID); err != nil {
		s.releaseOwnership(ctx)
		s.setState(StateTerminated)
		return err
	}

	auth, err := s.loadAuth(ctx, s.channelID)
	if err != nil {
		_ = s.reg.UnregisterSession(ctx, s.channelID)
		s.releaseOwnership(ctx)
		s.setState(StateTerminated)
		return fmt.Errorf("loading auth state for %s: %w", s.channelID, err)
	}
	s.mu.Lock()
	s.auth = auth
	s.mu.Unlock()

	go s.heartbeatLoop()

	if err := s.dial(ctx); err != nil {
		s.teardown(ctx, err, false)
		return err
	}

	slog.InfoContext(ctx, "session started",
		"channel_id", s.channelID,
		"worker_id", s.reg.WorkerID())
	return nil
}

// WaitForConnection blocks until the session reaches Connected, fails
// terminally, or the wait window elapses.
func (s *Supervisor) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		return s.readyErr
	case <-timer.C:
		return ErrStartTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage sends a text message over the live connection. The destination
// is normalized to the protocol address form.
func (s *Supervisor) SendMessage(ctx context.Context, to, text string) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if state != StateConnected || conn == nil {
		return fmt.Errorf("sending message on channel %s: %w", s.channelID, ErrNotConnected)
	}

	address := protocol.NormalizeAddress(to)
	if err := conn.SendText(ctx, address, text); err != nil {
		return fmt.Errorf("sending message on channel %s: %w", s.channelID, err)
	}
	return nil
}

// Stop ends the session: best-effort logout, flush of pending auth writes,
// registry unregister and lock release. Idempotent; safe to call from any
// state, including mid-backoff.
func (s *Supervisor) Stop(ctx context.Context) {
	ctx = s.logCtx(ctx)

	s.mu.Lock()
	alive := s.state != StateTerminated && s.state != StateIdle
	s.mu.Unlock()
	if alive {
		s.publish(ctx, model.EventDisconnected, model.DisconnectedData{Reason: "stopped"})
	}

	s.teardown(ctx, ErrStopped, true)
}

func (s *Supervisor) dial(ctx context.Context) error {
	s.mu.Lock()
	auth := s.auth
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, auth.Credentials(), auth)
	if err != nil {
		return fmt.Errorf("opening connection for %s: %w", s.channelID, err)
	}

	s.mu.Lock()
	if s.state == StateTerminated {
		// Stop won the race while the dial was in flight. Ownership is
		// already released, so the fresh connection must not survive.
		s.mu.Unlock()
		if err := conn.Logout(ctx); err != nil {
			slog.WarnContext(ctx, "logout of post-stop connection failed",
				"channel_id", s.channelID,
				"error", err)
		}
		return nil
	}
	s.conn = conn
	s.state = StateStarting
	s.mu.Unlock()

	go s.eventLoop(conn)
	return nil
}

// eventLoop consumes one connection's event stream. Runs until the stream
// closes or the supervisor stops; a close event decides what happens next.
func (s *Supervisor) eventLoop(conn protocol.Conn) {
	ctx := s.logCtx(context.Background())

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "session event loop panicked",
				"channel_id", s.channelID,
				"panic", r,
				"stack", string(debug.Stack()))
			s.handleClose(ctx, protocol.CloseInfo{Reason: fmt.Sprintf("event handler panic: %v", r)})
		}
	}()

	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			if ev.Kind == protocol.KindClosed {
				s.handleClose(ctx, ev.Close)
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, ev protocol.Event) {
	switch ev.Kind {
	case protocol.KindQR:
		s.setState(StateAwaitingPairing)
		s.publish(ctx, model.EventQRUpdated, model.QRUpdatedData{
			QRCode:    ev.QR,
			ExpiresAt: time.Now().Add(s.cfg.QRTTL).UTC(),
		})
		slog.InfoContext(ctx, "pairing code issued", "channel_id", s.channelID)

	case protocol.KindConnected:
		s.mu.Lock()
		s.state = StateConnected
		s.attempts = 0
		s.mu.Unlock()
		s.fulfillReady(nil)
		s.publish(ctx, model.EventConnected, model.ConnectedData{
			PhoneNumber: ev.PhoneNumber,
			ConnectedAt: time.Now().UTC(),
		})
		slog.InfoContext(ctx, "session connected",
			"channel_id", s.channelID,
			"phone_number", ev.PhoneNumber)

	case protocol.KindCredentials:
		s.mu.Lock()
		auth := s.auth
		s.mu.Unlock()
		if err := auth.SaveCredsImmediate(ctx); err != nil {
			slog.ErrorContext(ctx, "credential rotation write failed",
				"channel_id", s.channelID,
				"error", err)
		}
	}
}

// handleClose classifies a connection close: terminal closes end the session,
// transient ones schedule a backoff redial until the attempt ceiling.
func (s *Supervisor) handleClose(ctx context.Context, info protocol.CloseInfo) {
	s.mu.Lock()
	s.conn = nil
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}

	if info.Terminal() {
		s.mu.Unlock()
		slog.InfoContext(ctx, "session logged out",
			"channel_id", s.channelID,
			"reason", info.Reason)
		s.publish(ctx, model.EventDisconnected, model.DisconnectedData{Reason: info.Reason})
		s.teardown(ctx, ErrLoggedOut, false)
		return
	}

	if s.attempts >= s.cfg.MaxReconnectAttempts {
		s.mu.Unlock()
		slog.ErrorContext(ctx, "reconnect attempts exhausted",
			"channel_id", s.channelID,
			"attempts", s.cfg.MaxReconnectAttempts,
			"reason", info.Reason)
		s.publish(ctx, model.EventError, model.ErrorData{
			Message: fmt.Sprintf("connection lost after %d reconnect attempts: %s", s.cfg.MaxReconnectAttempts, info.Reason),
		})
		s.teardown(ctx, ErrAttemptsExhausted, false)
		return
	}

	delay := Backoff(s.attempts, s.cfg.BackoffBase, s.cfg.BackoffCap)
	s.attempts++
	attempt := s.attempts
	s.state = StateReconnecting
	s.mu.Unlock()

	slog.WarnContext(ctx, "connection closed, scheduling reconnect",
		"channel_id", s.channelID,
		"reason", info.Reason,
		"attempt", attempt,
		"delay", delay)

	go s.redialAfter(delay)
}

// redialAfter waits out the backoff delay and dials again. Stop interrupts
// the wait immediately.
func (s *Supervisor) redialAfter(delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-s.stopCh:
		return
	case <-timer.C:
	}

	ctx := s.logCtx(context.Background())
	if err := s.dial(ctx); err != nil {
		slog.WarnContext(ctx, "redial failed",
			"channel_id", s.channelID,
			"error", err)
		s.handleClose(ctx, protocol.CloseInfo{Reason: "redial failed"})
	}
}

func (s *Supervisor) heartbeatLoop() {
	ctx := s.logCtx(context.Background())
	defer close(s.hbStopped)

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.reg.UpdateHeartbeat(ctx, s.channelID); err != nil {
				// Non-fatal: a missed refresh only matters if it persists past
				// the heartbeat TTL, at which point the registry self-heals.
				slog.WarnContext(ctx, "heartbeat refresh failed",
					"channel_id", s.channelID,
					"error", err)
			}
		}
	}
}

// teardown is the single exit path. logout controls whether the remote
// session is also invalidated (user-initiated stop) or left intact for a
// later restart (process-side termination).
func (s *Supervisor) teardown(ctx context.Context, readyErr error, logout bool) {
	s.termOnce.Do(func() {
		s.stopOnce.Do(func() { close(s.stopCh) })

		s.mu.Lock()
		conn := s.conn
		auth := s.auth
		s.conn = nil
		s.state = StateTerminated
		s.mu.Unlock()

		if conn != nil && logout {
			if err := conn.Logout(ctx); err != nil {
				slog.WarnContext(ctx, "logout failed",
					"channel_id", s.channelID,
					"error", err)
			}
		}

		if auth != nil {
			if err := auth.Close(ctx); err != nil {
				slog.ErrorContext(ctx, "final auth-state flush failed",
					"channel_id", s.channelID,
					"error", err)
			}
		}

		if err := s.reg.UnregisterSession(ctx, s.channelID); err != nil {
			slog.WarnContext(ctx, "unregister failed",
				"channel_id", s.channelID,
				"error", err)
		}
		s.releaseOwnership(ctx)

		s.fulfillReady(readyErr)
		slog.InfoContext(ctx, "session terminated", "channel_id", s.channelID)
	})
}

func (s *Supervisor) releaseOwnership(ctx context.Context) {
	if err := s.reg.ReleaseLock(ctx, s.channelID); err != nil {
		slog.WarnContext(ctx, "lock release failed",
			"channel_id", s.channelID,
			"error", err)
	}
}

func (s *Supervisor) publish(ctx context.Context, typ model.EventType, data any) {
	event := model.ConnectionEvent{
		Type:           typ,
		OrganizationID: s.organizationID,
		ChannelID:      s.channelID,
	}
	event, err := event.WithData(data)
	if err != nil {
		slog.ErrorContext(ctx, "encoding event failed",
			"channel_id", s.channelID,
			"event_type", typ,
			"error", err)
		return
	}
	if err := s.pub.Publish(ctx, event); err != nil {
		// Fire-and-forget pipeline: a lost event is repaired by the next
		// transition, so publishing never fails the session.
		slog.WarnContext(ctx, "event publish failed",
			"channel_id", s.channelID,
			"event_type", typ,
			"error", err)
	}
}

func (s *Supervisor) fulfillReady(err error) {
	s.readyOnce.Do(func() {
		s.readyErr = err
		close(s.ready)
	})
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) logCtx(ctx context.Context) context.Context {
	return logger.WithLogFields(ctx, logger.LogFields{
		Component:      "sessiond.supervisor",
		OrganizationID: logger.Ptr(s.organizationID),
		ChannelID:      logger.Ptr(s.channelID),
		WorkerID:       logger.Ptr(s.reg.WorkerID()),
	})
}
