package repositories

import (
	"context"

	"castrelay/internal/core/ports"
	"castrelay/internal/infrastructure/repositories/memory"
	redisrepo "castrelay/internal/infrastructure/repositories/redis"
	"castrelay/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates stores with fallback support: Redis when
// enabled and reachable, process memory otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory store",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis session store")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory session store")
	}

	return factory, nil
}

// CreateSessionStore creates the session store (Redis or memory). The
// Redis store is wrapped in a circuit breaker so persistence retries
// stop hammering a backend that is down.
func (f *RepositoryFactory) CreateSessionStore() ports.SessionStore {
	if f.useRedis && f.redisClient != nil {
		return newBreakerStore(redisrepo.NewRedisSessionStore(f.redisClient))
	}
	return memory.NewMemorySessionStore()
}

// Close closes the Redis connection if used.
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
