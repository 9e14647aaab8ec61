package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"queue-rebirth/internal/config"
)

// Deps are shared clients a backend may reuse instead of dialing its own.
type Deps struct {
	Redis   *redis.Client
	Records RecordClient
}

// Open returns the backend selected by cfg.State.Backend.
func Open(ctx context.Context, cfg config.Config, deps Deps) (Backend, error) {
	switch cfg.State.Backend {
	case config.BackendMemory, "":
		return NewMemoryKV(), nil
	case config.BackendRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("state backend redis: no redis client")
		}
		return NewRedisKV(deps.Redis, "rebirth:state"), nil
	case config.BackendPostgres:
		return NewPostgresKV(ctx, cfg.Postgres.DSN)
	case config.BackendSQLite:
		return NewSQLiteKV(cfg.SQLite.Path)
	case config.BackendS3:
		return NewS3KV(ctx, S3Options{
			Bucket:   cfg.S3.Bucket,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
			Prefix:   cfg.S3.Prefix,
		})
	case config.BackendNATS:
		return NewNATSKV(ctx, cfg.NATS.URL, cfg.NATS.KVBucket)
	case config.BackendPlatform:
		if deps.Records == nil {
			return nil, fmt.Errorf("state backend platform: no platform client")
		}
		return NewPlatformKV(deps.Records, cfg.State.PlatformStoreID)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}
