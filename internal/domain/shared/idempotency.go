package shared

import (
	"context"
	"time"
)

// DefaultDedupTTL is how long a delivered event id is remembered
const DefaultDedupTTL = 24 * time.Hour

// IdempotencyStore remembers event ids that were already accepted. It is the
// fast path in front of the queue's unique dedup key, so a lost mark only
// costs an extra insert attempt.
type IdempotencyStore interface {
	// MarkProcessed records key and reports whether it was new.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	IsProcessed(ctx context.Context, key string) (bool, error)
	// Forget drops key so a delivery whose enqueue failed can be retried.
	Forget(ctx context.Context, key string) error
	Close() error
}
