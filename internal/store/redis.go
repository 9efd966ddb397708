package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisStoreConfig configures the Redis-backed snapshot store.
type RedisStoreConfig struct {
	KeyPrefix   string
	SnapshotTTL time.Duration
	Now         func() time.Time
}

// RedisStore keeps the latest snapshot in Redis so restarts and multiple
// replicas serve the same data. The run lock arbitrates which replica
// aggregates each cycle.
type RedisStore struct {
	client      redisCommander
	closeFn     func() error
	keyPrefix   string
	snapshotTTL time.Duration
	now         func() time.Time
}

// NewRedisStore creates a Redis-backed snapshot store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "gitlab_activity"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &RedisStore{
		client:      client,
		closeFn:     closeFn,
		keyPrefix:   keyPrefix,
		snapshotTTL: cfg.SnapshotTTL,
		now:         now,
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// UpsertSnapshot replaces the stored snapshot.
func (s *RedisStore) UpsertSnapshot(ctx context.Context, snapshot Snapshot) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	if snapshot.TakenAt.IsZero() {
		return fmt.Errorf("snapshot taken time is required")
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.snapshotKey(), payload, s.snapshotTTL).Err(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Latest returns the stored snapshot.
func (s *RedisStore) Latest(ctx context.Context) (Snapshot, bool, error) {
	if s == nil || s.client == nil {
		return Snapshot{}, false, fmt.Errorf("redis store is not initialized")
	}

	payload, err := s.client.Get(ctx, s.snapshotKey()).Result()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snapshot, true, nil
}

// AcquireRunLock claims the aggregation run for ttl.
func (s *RedisStore) AcquireRunLock(ctx context.Context, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("redis store is not initialized")
	}
	if ttl <= 0 {
		return true, nil
	}

	acquired, err := s.client.SetNX(ctx, s.runLockKey(), s.now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	return acquired, nil
}

func (s *RedisStore) snapshotKey() string {
	return s.keyPrefix + ":snapshot:latest"
}

func (s *RedisStore) runLockKey() string {
	return s.keyPrefix + ":lock:run"
}
