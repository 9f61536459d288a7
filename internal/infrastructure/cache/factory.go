package cache

import (
	"fmt"
	"sync"

	"github.com/erp/syncbridge/internal/domain/shared"
	"github.com/erp/syncbridge/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Factory owns the shared Redis client and builds the Redis-backed stores on
// it, falling back to process-local stores when Redis is disabled or down
type Factory struct {
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool

	once     sync.Once
	client   *redis.Client
	dialErr  error
	dialFunc func(config.RedisConfig) (*redis.Client, error)
}

// FactoryOption is a functional option for configuring the factory
type FactoryOption func(*Factory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether an unreachable Redis degrades to
// in-memory stores (default) or fails startup
func WithInMemoryFallback(allow bool) FactoryOption {
	return func(f *Factory) {
		f.allowInMemoryFallback = allow
	}
}

// NewFactory creates a new factory. No connection is made until a store is requested.
func NewFactory(cfg config.RedisConfig, opts ...FactoryOption) *Factory {
	f := &Factory{
		redisConfig:           cfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
		dialFunc:              NewRedisClient,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// RedisClient returns the shared client, or nil when Redis is disabled or
// unreachable and the fallback is allowed
func (f *Factory) RedisClient() (*redis.Client, error) {
	if !f.redisConfig.Enabled {
		return nil, nil
	}
	f.once.Do(func() {
		f.client, f.dialErr = f.dialFunc(f.redisConfig)
		if f.dialErr != nil {
			f.logger.Warn("redis unavailable", zap.String("addr", f.redisConfig.Addr()), zap.Error(f.dialErr))
		}
	})
	if f.dialErr != nil {
		if !f.allowInMemoryFallback {
			return nil, fmt.Errorf("redis required but unavailable: %w", f.dialErr)
		}
		return nil, nil
	}
	return f.client, nil
}

// CreateIdempotencyStore returns the Redis store, or the in-memory store when
// no Redis client is available. In-memory marks are not shared between replicas.
func (f *Factory) CreateIdempotencyStore() (shared.IdempotencyStore, error) {
	client, err := f.RedisClient()
	if err != nil {
		return nil, err
	}
	if client == nil {
		f.logger.Warn("using in-memory idempotency store, duplicates across replicas fall through to the job queue")
		return NewInMemoryIdempotencyStore(), nil
	}
	f.logger.Info("using redis idempotency store")
	return NewRedisIdempotencyStore(client, DefaultIdempotencyKeyPrefix), nil
}

// Close closes the shared client if one was opened
func (f *Factory) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}
