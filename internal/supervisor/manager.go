package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatwire.app/sessiond/internal/protocol"
)

// ErrSessionNotFound is returned for operations on a channel this worker is
// not running.
var ErrSessionNotFound = errors.New("no session for channel on this worker")

// OwnershipRegistry extends Registry with the cross-worker ownership read the
// manager uses to refuse duplicate starts.
type OwnershipRegistry interface {
	Registry
	GetSessionWorker(ctx context.Context, channelID string) (string, error)
}

// TenantAuthLoader loads the auth-state store for a channel in the given
// organization's tenant database.
type TenantAuthLoader func(ctx context.Context, organizationID, channelID string) (AuthStore, error)

// Manager tracks the sessions this worker runs, one supervisor per channel.
// It is the single entry point for the control API: start, stop, send, status.
type Manager struct {
	cfg      Config
	reg      OwnershipRegistry
	pub      Publisher
	dialer   protocol.Dialer
	loadAuth TenantAuthLoader

	mu       sync.Mutex
	sessions map[string]*Supervisor
}

func NewManager(cfg Config, reg OwnershipRegistry, pub Publisher, dialer protocol.Dialer, loadAuth TenantAuthLoader) *Manager {
	return &Manager{
		cfg:      cfg,
		reg:      reg,
		pub:      pub,
		dialer:   dialer,
		loadAuth: loadAuth,
		sessions: make(map[string]*Supervisor),
	}
}

// StartChannel starts a session for the channel on this worker. Starting a
// channel this worker already runs is idempotent and returns the existing
// supervisor; a channel owned by another live worker is refused.
func (m *Manager) StartChannel(ctx context.Context, organizationID, channelID string) (*Supervisor, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[channelID]; ok {
		if existing.State() != StateTerminated {
			m.mu.Unlock()
			return existing, nil
		}
		delete(m.sessions, channelID)
	}
	m.mu.Unlock()

	owner, err := m.reg.GetSessionWorker(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if owner != "" && owner != m.reg.WorkerID() {
		return nil, fmt.Errorf("channel %s is running on worker %s: %w", channelID, owner, ErrAlreadyOwned)
	}

	loadAuth := func(ctx context.Context, channelID string) (AuthStore, error) {
		return m.loadAuth(ctx, organizationID, channelID)
	}
	sup := New(organizationID, channelID, m.cfg, m.reg, m.pub, m.dialer, loadAuth)

	m.mu.Lock()
	if existing, ok := m.sessions[channelID]; ok && existing.State() != StateTerminated {
		// Lost the race to a concurrent start of the same channel.
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[channelID] = sup
	m.mu.Unlock()

	if err := sup.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, channelID)
		m.mu.Unlock()
		return nil, err
	}
	return sup, nil
}

// StartSession starts the channel and optionally waits up to wait for it to
// reach Connected. The returned state is the session's state at return time,
// whatever the error.
func (m *Manager) StartSession(ctx context.Context, organizationID, channelID string, wait time.Duration) (State, error) {
	sup, err := m.StartChannel(ctx, organizationID, channelID)
	if err != nil {
		return StateTerminated, err
	}
	if wait > 0 {
		if err := sup.WaitForConnection(ctx, wait); err != nil {
			return sup.State(), err
		}
	}
	return sup.State(), nil
}

// Status reports the state of a channel this worker runs.
func (m *Manager) Status(channelID string) (State, bool) {
	sup, ok := m.Get(channelID)
	if !ok {
		return StateIdle, false
	}
	return sup.State(), true
}

// StopChannel stops the channel's session and forgets it.
func (m *Manager) StopChannel(ctx context.Context, channelID string) error {
	m.mu.Lock()
	sup, ok := m.sessions[channelID]
	delete(m.sessions, channelID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("stopping channel %s: %w", channelID, ErrSessionNotFound)
	}
	sup.Stop(ctx)
	return nil
}

// SendMessage sends a text through the channel's live session.
func (m *Manager) SendMessage(ctx context.Context, channelID, to, text string) error {
	sup, ok := m.Get(channelID)
	if !ok {
		return fmt.Errorf("sending on channel %s: %w", channelID, ErrSessionNotFound)
	}
	return sup.SendMessage(ctx, to, text)
}

// Get returns the supervisor for a channel this worker runs.
func (m *Manager) Get(channelID string) (*Supervisor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sup, ok := m.sessions[channelID]
	return sup, ok
}

// StopAll stops every session this worker runs. Used on shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	sups := make([]*Supervisor, 0, len(m.sessions))
	for id, sup := range m.sessions {
		sups = append(sups, sup)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sup := range sups {
		wg.Add(1)
		go func(sup *Supervisor) {
			defer wg.Done()
			sup.Stop(ctx)
		}(sup)
	}
	wg.Wait()

	if len(sups) > 0 {
		slog.InfoContext(ctx, "all sessions stopped", "count", len(sups))
	}
}
