package app

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/swecha/gitlab-activity/internal/config"
	"github.com/swecha/gitlab-activity/internal/store"
)

// NewStoreBackend builds the snapshot store named by the configuration.
func NewStoreBackend(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Store.Backend {
	case "", "memory":
		logger.Info("using in-memory snapshot store")
		return store.NewMemoryStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		logger.Info("using redis snapshot store",
			zap.String("addr", cfg.Store.RedisAddr),
			zap.String("key_prefix", cfg.Store.KeyPrefix),
		)
		return store.NewRedisStore(client, store.RedisStoreConfig{
			KeyPrefix:   cfg.Store.KeyPrefix,
			SnapshotTTL: cfg.Store.SnapshotTTL,
		}), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
