package entitysync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// EntityMapping Entity
// ---------------------------------------------------------------------------

// EntityMapping correlates one logical business entity across the CRM (side A)
// and Finance (side B). For a given EntityType at most one mapping references
// a given SideAID and at most one references a given SideBID.
type EntityMapping struct {
	// ID is the unique identifier of this mapping
	ID uuid.UUID
	// EntityType is the kind of record being correlated
	EntityType EntityType
	// SideAID is the CRM identifier, nil until the CRM record is known
	SideAID *string
	// SideBID is the Finance identifier, nil until the Finance record is known
	SideBID *string
	// SideAChecksum is the last-known content hash of the CRM record
	SideAChecksum string
	// SideBChecksum is the last-known content hash of the Finance record
	SideBChecksum string
	// SideAUpdatedAt is the CRM-reported modification time
	SideAUpdatedAt *time.Time
	// SideBUpdatedAt is the Finance-reported modification time
	SideBUpdatedAt *time.Time
	// LastSyncSource is the side that initiated the most recent successful sync
	LastSyncSource Side
	// LastSyncTransactionID is the transaction of the most recent sync touching this row
	LastSyncTransactionID string
	// LastSyncAt is the time of the most recent write to this row
	LastSyncAt time.Time
	// Version is the optimistic lock counter, incremented on every update
	Version int
	// CreatedAt is when this mapping was created
	CreatedAt time.Time
	// UpdatedAt is when this mapping was last updated
	UpdatedAt time.Time
}

// NewEntityMapping creates a mapping for an entity first seen on side
func NewEntityMapping(entityType EntityType, side Side, id string) (*EntityMapping, error) {
	if !entityType.IsValid() {
		return nil, ErrInvalidEntityType
	}
	if !side.IsValid() {
		return nil, ErrInvalidSide
	}
	if id == "" {
		return nil, ErrMissingEntityID
	}

	now := time.Now()
	m := &EntityMapping{
		ID:         uuid.New(),
		EntityType: entityType,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.SetSideID(side, id)
	return m, nil
}

// Validate validates the mapping
func (m *EntityMapping) Validate() error {
	if !m.EntityType.IsValid() {
		return ErrInvalidEntityType
	}
	if m.SideAID == nil && m.SideBID == nil {
		return ErrMappingWithoutIDs
	}
	return nil
}

// SideID returns the identifier on the given side, or "" when unknown
func (m *EntityMapping) SideID(side Side) string {
	p := m.SideAID
	if side == SideB {
		p = m.SideBID
	}
	if p == nil {
		return ""
	}
	return *p
}

// SetSideID records the identifier for the given side
func (m *EntityMapping) SetSideID(side Side, id string) {
	v := id
	if side == SideA {
		m.SideAID = &v
	} else {
		m.SideBID = &v
	}
}

// Checksum returns the stored checksum for the given side
func (m *EntityMapping) Checksum(side Side) string {
	if side == SideA {
		return m.SideAChecksum
	}
	return m.SideBChecksum
}

// UpdatedAtOn returns the last-known modification time on the given side
func (m *EntityMapping) UpdatedAtOn(side Side) time.Time {
	p := m.SideAUpdatedAt
	if side == SideB {
		p = m.SideBUpdatedAt
	}
	if p == nil {
		return time.Time{}
	}
	return *p
}

// HasCounterpart returns true if the opposite side of source is already linked
func (m *EntityMapping) HasCounterpart(source Side) bool {
	return m.SideID(source.Opposite()) != ""
}

// RecordSide stores the identifier, checksum and modification time observed on a side
func (m *EntityMapping) RecordSide(side Side, id, checksum string, updatedAt time.Time) {
	m.SetSideID(side, id)
	var ts *time.Time
	if !updatedAt.IsZero() {
		t := updatedAt
		ts = &t
	}
	if side == SideA {
		m.SideAChecksum = checksum
		m.SideAUpdatedAt = ts
	} else {
		m.SideBChecksum = checksum
		m.SideBUpdatedAt = ts
	}
}

// RecordSync stamps the sync provenance fields
func (m *EntityMapping) RecordSync(source Side, transactionID string) {
	m.LastSyncSource = source
	m.LastSyncTransactionID = transactionID
}

// Patch returns a MappingPatch carrying every mutable field of m,
// guarded by m's current version
func (m *EntityMapping) Patch() MappingPatch {
	return MappingPatch{
		ExpectedVersion:       m.Version,
		SideAID:               m.SideAID,
		SideBID:               m.SideBID,
		SideAChecksum:         m.SideAChecksum,
		SideBChecksum:         m.SideBChecksum,
		SideAUpdatedAt:        m.SideAUpdatedAt,
		SideBUpdatedAt:        m.SideBUpdatedAt,
		LastSyncSource:        m.LastSyncSource,
		LastSyncTransactionID: m.LastSyncTransactionID,
	}
}

// ---------------------------------------------------------------------------
// MappingPatch Value Object
// ---------------------------------------------------------------------------

// MappingPatch holds the fields written by MappingRepository.Update.
// ExpectedVersion guards the update; zero skips the version check and is
// reserved for administrative corrections.
type MappingPatch struct {
	ExpectedVersion       int
	SideAID               *string
	SideBID               *string
	SideAChecksum         string
	SideBChecksum         string
	SideAUpdatedAt        *time.Time
	SideBUpdatedAt        *time.Time
	LastSyncSource        Side
	LastSyncTransactionID string
}

// ---------------------------------------------------------------------------
// MappingRepository Interface
// ---------------------------------------------------------------------------

// MappingReader defines the interface for reading entity mappings
type MappingReader interface {
	// FindByID finds a mapping by its ID
	FindByID(ctx context.Context, id uuid.UUID) (*EntityMapping, error)

	// FindByEntityID finds the mapping referencing id on the given side.
	// Returns shared.ErrNotFound when no mapping exists.
	FindByEntityID(ctx context.Context, entityType EntityType, side Side, id string) (*EntityMapping, error)
}

// MappingFinder defines the interface for scanning entity mappings
type MappingFinder interface {
	// FindStale returns mappings whose LastSyncAt is before olderThan, oldest first
	FindStale(ctx context.Context, entityType EntityType, olderThan time.Time, limit int) ([]EntityMapping, error)

	// FindAll returns every mapping of an entity type
	FindAll(ctx context.Context, entityType EntityType) ([]EntityMapping, error)
}

// MappingWriter defines the interface for persisting entity mappings.
// Create and Update always stamp LastSyncAt with the current time.
type MappingWriter interface {
	// Create inserts a new mapping. A duplicate side id returns shared.ErrAlreadyExists.
	Create(ctx context.Context, mapping *EntityMapping) error

	// Update applies patch to the mapping with the given id and returns the stored row.
	// Returns shared.ErrNotFound for an unknown id and shared.ErrConcurrencyConflict
	// when ExpectedVersion no longer matches.
	Update(ctx context.Context, id uuid.UUID, patch MappingPatch) (*EntityMapping, error)

	// Delete removes a mapping. Administrative use only.
	Delete(ctx context.Context, id uuid.UUID) error
}

// MappingRepository defines the full interface for entity mapping persistence
type MappingRepository interface {
	MappingReader
	MappingFinder
	MappingWriter
}
