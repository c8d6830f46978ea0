package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/storage"
)

// SeedKeys fills the pool at startup. In database mode the persisted keys are
// hydrated first and config entries are seeded only on first sight of their
// secret, so restarting with the same file is idempotent. In memory mode the
// config entries ARE the pool.
func SeedKeys(ctx context.Context, cfg *Config, pool *keypool.Pool, store storage.KeyStore) error {
	known := make(map[string]bool)

	if cfg.Upstream.KeyStorage == ModeDatabase {
		if store == nil {
			return fmt.Errorf("database key storage requires a store")
		}
		keys, err := store.ListKeys(ctx)
		if err != nil {
			return fmt.Errorf("load persisted keys: %w", err)
		}
		pool.Hydrate(keys)
		for _, k := range keys {
			known[k.Secret] = true
		}
	}

	seeded := 0
	for _, entry := range cfg.Upstream.Keys {
		if known[entry.Secret] {
			continue
		}
		authType := entry.AuthType
		if authType == "" {
			authType = proxy.AuthTypeAPIKey
		}
		key := &proxy.UpstreamKey{
			Secret:            entry.Secret,
			Description:       entry.Description,
			Enabled:           true,
			AuthType:          authType,
			ContextCompletion: entry.ContextCompletion,
			CreatedAt:         time.Now(),
		}
		if err := pool.Add(ctx, key); err != nil {
			return fmt.Errorf("seed key %s: %w", proxy.SecretPrefix(entry.Secret), err)
		}
		seeded++
	}

	if pool.Len() == 0 {
		slog.Warn("key pool is empty, every request will fail until a key is added")
	} else {
		slog.Info("key pool ready",
			"size", pool.Len(),
			"seeded", seeded,
			"storage", cfg.Upstream.KeyStorage,
		)
	}
	return nil
}
