// Package lease implements entitysync.LeaseManager, the short-TTL per-entity
// mutex held around a sync attempt.
package lease

import (
	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewManager returns a Redis-backed manager when client is non-nil, and a
// process-local one otherwise
func NewManager(client *redis.Client, logger *zap.Logger) entitysync.LeaseManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		logger.Warn("using in-memory entity leases, concurrent replicas are not excluded")
		return NewInMemoryManager()
	}
	logger.Info("using redis entity leases")
	return NewRedisManager(client)
}
