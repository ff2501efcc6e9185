package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chatwire.app/sessiond/common/logger"
)

const registryKey = "sessions:registry"

func heartbeatKey(channelID string) string {
	return fmt.Sprintf("session:%s:heartbeat", channelID)
}

func lockKey(channelID string) string {
	return fmt.Sprintf("lock:channel:%s", channelID)
}

// Client is the subset of redis commands the registry uses.
// *redis.Client satisfies it; tests substitute an in-memory fake.
type Client interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Registry tracks which worker owns which channel session and provides the
// per-channel mutual-exclusion lock. Ownership entries are a hash field plus a
// TTL-bounded heartbeat key; an entry without a live heartbeat is stale and is
// evicted lazily on the next read — there is no sweeper process.
type Registry struct {
	client       Client
	workerID     string
	heartbeatTTL time.Duration
}

func New(client Client, workerID string, heartbeatTTL time.Duration) *Registry {
	return &Registry{
		client:       client,
		workerID:     workerID,
		heartbeatTTL: heartbeatTTL,
	}
}

// WorkerID returns this process's worker identity.
func (r *Registry) WorkerID() string {
	return r.workerID
}

// RegisterSession records this worker as the owner of the channel and writes
// the initial heartbeat. Idempotent.
func (r *Registry) RegisterSession(ctx context.Context, channelID string) error {
	if err := r.client.HSet(ctx, registryKey, channelID, r.workerID).Err(); err != nil {
		return fmt.Errorf("registering session %s: %w", channelID, err)
	}
	if err := r.writeHeartbeat(ctx, channelID); err != nil {
		return err
	}

	slog.DebugContext(ctx, "session registered", "channel_id", channelID, "worker_id", r.workerID)
	return nil
}

// GetSessionWorker returns the worker owning the channel, or "" if no live
// owner exists. A mapping without a live heartbeat is treated as absent and
// unregistered as a side effect; this self-healing read is the only staleness
// detection in the system.
func (r *Registry) GetSessionWorker(ctx context.Context, channelID string) (string, error) {
	workerID, err := r.client.HGet(ctx, registryKey, channelID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("reading session owner for %s: %w", channelID, err)
	}

	if _, err := r.client.Get(ctx, heartbeatKey(channelID)).Result(); err != nil {
		if errors.Is(err, redis.Nil) {
			slog.InfoContext(ctx, "evicting stale session entry",
				"channel_id", channelID,
				"stale_worker_id", workerID)
			if delErr := r.client.HDel(ctx, registryKey, channelID).Err(); delErr != nil {
				slog.WarnContext(ctx, "failed to evict stale session entry",
					"channel_id", channelID, "error", delErr)
			}
			return "", nil
		}
		return "", fmt.Errorf("reading heartbeat for %s: %w", channelID, err)
	}

	return workerID, nil
}

// UnregisterSession deletes both the ownership mapping and the heartbeat key.
// Called on graceful stop and on terminal failure.
func (r *Registry) UnregisterSession(ctx context.Context, channelID string) error {
	if err := r.client.HDel(ctx, registryKey, channelID).Err(); err != nil {
		return fmt.Errorf("unregistering session %s: %w", channelID, err)
	}
	if err := r.client.Del(ctx, heartbeatKey(channelID)).Err(); err != nil {
		return fmt.Errorf("deleting heartbeat for %s: %w", channelID, err)
	}

	slog.DebugContext(ctx, "session unregistered", "channel_id", channelID)
	return nil
}

// AcquireLock atomically takes the per-channel lock for this worker with the
// given TTL. Returns false when another worker holds it; callers must not
// start a connection on a false result.
func (r *Registry) AcquireLock(ctx context.Context, channelID string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, lockKey(channelID), r.workerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lock for %s: %w", channelID, err)
	}
	return ok, nil
}

// ReleaseLock deletes the channel lock only if this worker holds it. The
// compare guards against releasing a lock that expired and was re-acquired by
// a different owner.
func (r *Registry) ReleaseLock(ctx context.Context, channelID string) error {
	holder, err := r.client.Get(ctx, lockKey(channelID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("reading lock holder for %s: %w", channelID, err)
	}

	if holder != r.workerID {
		slog.WarnContext(ctx, "skipping release of lock held by another worker",
			"channel_id", channelID,
			"holder", holder)
		return nil
	}

	if err := r.client.Del(ctx, lockKey(channelID)).Err(); err != nil {
		return fmt.Errorf("releasing lock for %s: %w", channelID, err)
	}
	return nil
}

// UpdateHeartbeat refreshes the heartbeat TTL. Called periodically by the
// owning session supervisor while the session is alive.
func (r *Registry) UpdateHeartbeat(ctx context.Context, channelID string) error {
	return r.writeHeartbeat(ctx, channelID)
}

// GetWorkerSessions lists the channel ids owned by this worker with a live
// heartbeat. Operational visibility only, not used in the hot path.
func (r *Registry) GetWorkerSessions(ctx context.Context) ([]string, error) {
	all, err := r.GetAllSessions(ctx)
	if err != nil {
		return nil, err
	}

	var channels []string
	for channelID, workerID := range all {
		if workerID == r.workerID {
			channels = append(channels, channelID)
		}
	}
	return channels, nil
}

// GetAllSessions returns the live channel→worker ownership map, evicting any
// stale entries it encounters.
func (r *Registry) GetAllSessions(ctx context.Context) (map[string]string, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "sessiond.registry",
	})

	entries, err := r.client.HGetAll(ctx, registryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("reading session registry: %w", err)
	}

	live := make(map[string]string, len(entries))
	for channelID, workerID := range entries {
		if _, err := r.client.Get(ctx, heartbeatKey(channelID)).Result(); err != nil {
			if errors.Is(err, redis.Nil) {
				slog.InfoContext(ctx, "evicting stale session entry",
					"channel_id", channelID,
					"stale_worker_id", workerID)
				_ = r.client.HDel(ctx, registryKey, channelID).Err()
				continue
			}
			return nil, fmt.Errorf("reading heartbeat for %s: %w", channelID, err)
		}
		live[channelID] = workerID
	}
	return live, nil
}

func (r *Registry) writeHeartbeat(ctx context.Context, channelID string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := r.client.Set(ctx, heartbeatKey(channelID), now, r.heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("writing heartbeat for %s: %w", channelID, err)
	}
	return nil
}
