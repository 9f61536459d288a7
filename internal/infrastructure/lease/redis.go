package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/redis/go-redis/v9"
)

// RedisManager grants leases with redislock (SET NX PX plus a random token)
type RedisManager struct {
	locker *redislock.Client
}

// NewRedisManager creates a manager on a shared Redis client
func NewRedisManager(client redis.UniversalClient) *RedisManager {
	return &RedisManager{locker: redislock.New(client)}
}

// Acquire obtains key for ttl without retrying. A key held elsewhere returns
// entitysync.ErrLeaseNotAcquired.
func (m *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (entitysync.Lease, error) {
	lock, err := m.locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", entitysync.ErrLeaseNotAcquired, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lease %s: %w", key, err)
	}
	return &redisLease{lock: lock}, nil
}

type redisLease struct {
	lock *redislock.Lock
}

// Release frees the lease. A lease that already expired is not an error.
func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

var _ entitysync.LeaseManager = (*RedisManager)(nil)
