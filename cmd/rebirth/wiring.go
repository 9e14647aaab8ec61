package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"queue-rebirth/internal/config"
	"queue-rebirth/internal/events"
	"queue-rebirth/internal/logging"
	"queue-rebirth/internal/platform"
	"queue-rebirth/internal/queue"
	"queue-rebirth/internal/ratelimit"
	"queue-rebirth/internal/store"
)

// app holds the clients shared by the subcommands.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	redis  *redis.Client
	client *platform.Client

	// generatedID is set when no state id was configured.
	generatedID bool
}

// newApp loads configuration and builds the logger and platform client. A
// non-empty token overrides the configured API token.
func newApp(configFile, token string) (*app, error) {
	cfg, err := config.Load(viper.New(), configFile)
	if err != nil {
		return nil, err
	}
	if token != "" {
		cfg.Platform.Token = token
	}
	generated := cfg.State.ID == ""
	if generated {
		cfg.State.ID = uuid.NewString()
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:         cfg,
		logger:      logger.With(zap.String("state_id", cfg.State.ID)),
		generatedID: generated,
	}
	if a.needsRedis() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	a.client = platform.New(platform.Options{
		BaseURL:        cfg.Platform.BaseURL,
		Token:          cfg.Platform.Token,
		Timeout:        cfg.Platform.Timeout,
		MaxRetries:     cfg.Platform.MaxRetries,
		BackoffInitial: cfg.Platform.BackoffInitial,
		BackoffMax:     cfg.Platform.BackoffMax,
		Limiter:        a.limiter(),
		Logger:         a.logger,
	})
	return a, nil
}

func (a *app) needsRedis() bool {
	return a.cfg.Queue.Backend == config.BackendRedis ||
		a.cfg.State.Backend == config.BackendRedis ||
		a.cfg.RateLimit.Backend == config.BackendRedis
}

func (a *app) limiter() ratelimit.Limiter {
	rl := a.cfg.RateLimit
	switch rl.Backend {
	case config.BackendRedis:
		return ratelimit.NewTokenBucket(a.redis, rl.Key, rl.Burst, rl.RequestsPerSec, time.Hour)
	case config.BackendNone:
		return ratelimit.Unlimited{}
	default:
		return ratelimit.NewLocal(rl.RequestsPerSec, rl.Burst)
	}
}

// queues returns the scan and resurrect task queues and whether an
// interrupted invocation can be resumed: both the queues and the stats
// checkpoint must outlive the process.
func (a *app) queues() (scan, res queue.TaskQueue, durable bool) {
	if a.cfg.Queue.Backend == config.BackendRedis {
		return queue.NewRedisQueue(a.redis, a.cfg.State.ID, "scan"),
			queue.NewRedisQueue(a.redis, a.cfg.State.ID, "resurrect"),
			a.cfg.State.Backend != config.BackendMemory
	}
	return queue.NewMemoryQueue(), queue.NewMemoryQueue(), false
}

func (a *app) openState(ctx context.Context) (store.Backend, error) {
	b, err := store.Open(ctx, a.cfg, store.Deps{Redis: a.redis, Records: a.client})
	if err != nil {
		return nil, fmt.Errorf("open state backend %s: %w", a.cfg.State.Backend, err)
	}
	return b, nil
}

// stateKey namespaces the checkpoint record by state id so unrelated
// invocations sharing a backend do not overwrite each other.
func (a *app) stateKey() string {
	return a.cfg.State.Key + "-" + a.cfg.State.ID
}

func (a *app) publisher() (events.Publisher, error) {
	if !a.cfg.Events.Enabled {
		return events.Nop{}, nil
	}
	return events.NewNATSPublisher(a.cfg.NATS.URL, a.cfg.Events.SubjectPrefix)
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.logger.Sync()
}
