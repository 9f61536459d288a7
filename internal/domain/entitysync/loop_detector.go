package entitysync

import (
	"context"
	"errors"
	"time"

	"github.com/erp/syncbridge/internal/domain/shared"
)

// DefaultGuardWindow is the recency window inside which any sync is treated as a loop
const DefaultGuardWindow = 10 * time.Second

// LoopDetector decides whether a proposed sync is an echo of the engine's own
// write, and whether the fetched data differs from what was last synced.
// The guard window is a heuristic; mutual exclusion comes from the entity lease.
type LoopDetector struct {
	mappings    MappingReader
	guardWindow time.Duration
	now         func() time.Time
}

// LoopDetectorOption configures a LoopDetector
type LoopDetectorOption func(*LoopDetector)

// WithGuardWindow overrides the default guard window
func WithGuardWindow(d time.Duration) LoopDetectorOption {
	return func(l *LoopDetector) {
		if d > 0 {
			l.guardWindow = d
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) LoopDetectorOption {
	return func(l *LoopDetector) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLoopDetector creates a loop detector over the mapping store
func NewLoopDetector(mappings MappingReader, opts ...LoopDetectorOption) *LoopDetector {
	l := &LoopDetector{
		mappings:    mappings,
		guardWindow: DefaultGuardWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// GuardWindow returns the configured guard window
func (l *LoopDetector) GuardWindow() time.Duration {
	return l.guardWindow
}

// IsLoop reports whether the mapping of the entity was last touched by
// proposedTransactionID, or was written less than the guard window ago.
// An entity without a mapping is never a loop.
func (l *LoopDetector) IsLoop(ctx context.Context, entityType EntityType, entityID string, side Side, proposedTransactionID string) (bool, error) {
	mapping, err := l.find(ctx, entityType, side, entityID)
	if err != nil || mapping == nil {
		return false, err
	}
	return l.IsLoopFor(mapping, proposedTransactionID), nil
}

// IsLoopFor applies the loop predicate to an already-loaded mapping
func (l *LoopDetector) IsLoopFor(mapping *EntityMapping, proposedTransactionID string) bool {
	if mapping == nil {
		return false
	}
	if proposedTransactionID != "" && mapping.LastSyncTransactionID == proposedTransactionID {
		return true
	}
	if mapping.LastSyncAt.IsZero() {
		return false
	}
	return l.now().Sub(mapping.LastSyncAt) < l.guardWindow
}

// IsDataUnchanged reports whether newChecksum equals the checksum stored for side.
// An entity without a mapping always counts as changed.
func (l *LoopDetector) IsDataUnchanged(ctx context.Context, entityType EntityType, entityID string, side Side, newChecksum string) (bool, error) {
	mapping, err := l.find(ctx, entityType, side, entityID)
	if err != nil || mapping == nil {
		return false, err
	}
	return IsDataUnchangedFor(mapping, side, newChecksum), nil
}

// IsDataUnchangedFor applies the change predicate to an already-loaded mapping
func IsDataUnchangedFor(mapping *EntityMapping, side Side, newChecksum string) bool {
	if mapping == nil {
		return false
	}
	stored := mapping.Checksum(side)
	return stored != "" && stored == newChecksum
}

func (l *LoopDetector) find(ctx context.Context, entityType EntityType, side Side, entityID string) (*EntityMapping, error) {
	mapping, err := l.mappings.FindByEntityID(ctx, entityType, side, entityID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return mapping, nil
}
