package entitysync

import (
	"context"
	"time"
)

// ---------------------------------------------------------------------------
// External system ports
// ---------------------------------------------------------------------------

// Snapshot is an entity as read from, or returned by a write to, an external system
type Snapshot struct {
	// ID is the identifier assigned by the owning system
	ID string `json:"id"`
	// NaturalKey is the stable business key (customer number, invoice number)
	NaturalKey string `json:"naturalKey,omitempty"`
	// UpdatedAt is the modification time reported by the owning system
	UpdatedAt time.Time `json:"updatedAt"`
	// Data is the record body as exchanged with the system
	Data map[string]any `json:"data"`
}

// EntityClient reads and writes one entity type in one external system.
// Implementations classify failures as connector.ErrTransient when a retry may help.
type EntityClient interface {
	// Fetch returns the entity with the given id
	Fetch(ctx context.Context, id string) (*Snapshot, error)
	// ListChangedSince returns entities modified after since
	ListChangedSince(ctx context.Context, since time.Time) ([]Snapshot, error)
	// Create creates an entity and returns it as stored
	Create(ctx context.Context, data map[string]any) (*Snapshot, error)
	// Update replaces the entity with the given id and returns it as stored
	Update(ctx context.Context, id string, data map[string]any) (*Snapshot, error)
	// FindByNaturalKey returns the entity carrying key, or nil when none exists
	FindByNaturalKey(ctx context.Context, key string) (*Snapshot, error)
}

// ClientRegistry resolves the client for a system and entity type
type ClientRegistry interface {
	Client(system System, entityType EntityType) (EntityClient, error)
}

// Transformer converts a source snapshot into the target system's write shape
type Transformer interface {
	Transform(entityType EntityType, direction Direction, source Snapshot) (map[string]any, error)
}

// TransformerFunc adapts a function to Transformer
type TransformerFunc func(entityType EntityType, direction Direction, source Snapshot) (map[string]any, error)

// Transform implements Transformer
func (f TransformerFunc) Transform(entityType EntityType, direction Direction, source Snapshot) (map[string]any, error) {
	return f(entityType, direction, source)
}

// ---------------------------------------------------------------------------
// Lease port
// ---------------------------------------------------------------------------

// Lease is a held short-TTL mutex
type Lease interface {
	Release(ctx context.Context) error
}

// LeaseManager grants per-entity leases. Acquire returns ErrLeaseNotAcquired
// when another holder owns key.
type LeaseManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// LeaseKey returns the lease key of an entity on a side
func LeaseKey(entityType EntityType, side Side, entityID string) string {
	return "entitysync:lease:" + string(entityType) + ":" + string(side) + ":" + entityID
}

// EntityLeaseKey returns the lease key of the logical entity a sync touches.
// Once a mapping exists both directions lock its side A id (side B when A is
// still open), so a CRM run and a Finance run on one entity exclude each other.
func EntityLeaseKey(entityType EntityType, side Side, entityID string, mapping *EntityMapping) string {
	if mapping != nil {
		if id := mapping.SideID(SideA); id != "" {
			return LeaseKey(entityType, SideA, id)
		}
		if id := mapping.SideID(SideB); id != "" {
			return LeaseKey(entityType, SideB, id)
		}
	}
	return LeaseKey(entityType, side, entityID)
}
