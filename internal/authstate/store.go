// Package authstate loads and persists the protocol credentials and key store
// for one channel. Key updates arrive in bursts from the protocol client, so
// writes are debounced and batched; credential rotations bypass the debounce
// because losing one would orphan the session permanently.
package authstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatwire.app/sessiond/internal/model"
	"chatwire.app/sessiond/internal/protocol"
	"chatwire.app/sessiond/internal/store"
)

const flushTimeout = 10 * time.Second

// Persister is the durable side of the store: the auth-state blob on the
// tenant's channel record.
type Persister interface {
	GetAuthState(ctx context.Context, channelID string) ([]byte, error)
	UpdateAuthState(ctx context.Context, channelID string, blob []byte) error
}

// Store holds one channel's credentials and key material in memory and writes
// them through to the tenant record. Satisfies protocol.KeyStore.
type Store struct {
	channelID string
	persist   Persister
	delay     time.Duration

	mu     sync.Mutex
	creds  *model.Credentials
	keys   map[string]any
	dirty  bool
	timer  *time.Timer
	closed bool
}

// Load reads the channel's auth state, or synthesizes and persists fresh
// credentials when none exist yet. The first write is never debounced: an
// absent initial record would make reconnection impossible.
func Load(ctx context.Context, persist Persister, channelID string, flushDelay time.Duration) (*Store, error) {
	s := &Store{
		channelID: channelID,
		persist:   persist,
		delay:     flushDelay,
	}

	blob, err := persist.GetAuthState(ctx, channelID)
	switch {
	case err == nil && len(blob) > 0:
		creds, keys, err := unmarshalSession(blob)
		if err != nil {
			return nil, err
		}
		s.creds = creds
		s.keys = keys
		return s, nil

	case err == nil || errors.Is(err, store.ErrNotFound):
		creds, err := model.NewCredentials()
		if err != nil {
			return nil, err
		}
		s.creds = creds
		s.keys = make(map[string]any)
		if err := s.flushLocked(ctx); err != nil {
			return nil, fmt.Errorf("persisting initial auth state: %w", err)
		}
		slog.InfoContext(ctx, "initialized fresh credentials", "channel_id", channelID)
		return s, nil

	default:
		return nil, fmt.Errorf("loading auth state for %s: %w", channelID, err)
	}
}

// Credentials returns the in-memory credentials. The protocol client mutates
// them in place and signals rotation through a credentials event.
func (s *Store) Credentials() *model.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// Get looks up key material by category and ids. Only entries present in the
// in-memory map are returned.
func (s *Store) Get(category string, ids []string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(ids))
	for _, id := range ids {
		if v, ok := s.keys[keyID(category, id)]; ok {
			out[id] = v
		}
	}
	return out
}

// Set merges a batch of key updates into the in-memory map (a nil value
// deletes the entry) and (re)arms the debounced flush. Calls within the
// debounce window coalesce into a single persisted write.
func (s *Store) Set(updates []protocol.KeyUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	for _, u := range updates {
		k := keyID(u.Category, u.ID)
		if u.Value == nil {
			delete(s.keys, k)
		} else {
			s.keys[k] = u.Value
		}
	}

	s.dirty = true
	if s.timer == nil {
		s.timer = time.AfterFunc(s.delay, s.flushAsync)
	} else {
		s.timer.Reset(s.delay)
	}
}

// SaveCredsImmediate persists the full auth state synchronously, cancelling
// any pending debounced write. Used for credential rotations, which must
// never sit in a debounce window across a crash.
func (s *Store) SaveCredsImmediate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return s.flushLocked(ctx)
}

// Close stops the debounce timer and flushes any pending write. Safe to call
// once the session stops; later Set calls are ignored.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		return nil
	}
	return s.flushLocked(ctx)
}

func (s *Store) flushAsync() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.dirty {
		return
	}
	if err := s.flushLocked(ctx); err != nil {
		// Keep dirty so the next flush retries; key material is recoverable
		// through protocol re-sync if the process dies first.
		slog.ErrorContext(ctx, "debounced auth-state write failed",
			"channel_id", s.channelID,
			"error", err)
	}
}

func (s *Store) flushLocked(ctx context.Context) error {
	blob, err := marshalSession(s.creds, s.keys)
	if err != nil {
		return err
	}
	if err := s.persist.UpdateAuthState(ctx, s.channelID, blob); err != nil {
		return fmt.Errorf("persisting auth state for %s: %w", s.channelID, err)
	}
	s.dirty = false
	return nil
}

func keyID(category, id string) string {
	return category + "-" + id
}
