// Package backend opens the durable store selected by configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"reliable-queue/internal/config"
	"reliable-queue/internal/store"
	"reliable-queue/internal/store/memory"
	"reliable-queue/internal/store/postgres"
	redisstore "reliable-queue/internal/store/redis"
)

// Backend is an opened store plus the handles its owner must close.
type Backend struct {
	Store store.Store
	KV    store.KV
	// Redis is set whenever a Redis client was opened, either as the store
	// or for rate limiting.
	Redis goredis.UniversalClient

	closers []func()
}

// Open connects to cfg.StoreBackend. Postgres migrations run on open. When
// withRedis is true a Redis client is opened even for other backends.
func Open(ctx context.Context, cfg config.Config, withRedis bool, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{}

	switch cfg.StoreBackend {
	case "redis":
		client, err := b.openRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		rs := redisstore.New(client)
		b.Store, b.KV = rs, rs
	case "postgres":
		pg, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.closers = append(b.closers, pg.Close)
		if err := pg.RunMigrations(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		b.Store, b.KV = pg, pg
	case "memory":
		logger.Warn("memory store selected: jobs are lost on restart and not shared between processes")
		m := memory.New()
		b.Store, b.KV = m, m
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if withRedis && b.Redis == nil && cfg.StoreBackend != "memory" {
		if _, err := b.openRedis(ctx, cfg); err != nil {
			b.Close()
			return nil, err
		}
	}
	logger.Info("store opened", slog.String("backend", cfg.StoreBackend))
	return b, nil
}

func (b *Backend) openRedis(ctx context.Context, cfg config.Config) (goredis.UniversalClient, error) {
	client := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	b.Redis = client
	b.closers = append(b.closers, func() { _ = client.Close() })
	return client, nil
}

// Close releases every handle in reverse order of opening.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
