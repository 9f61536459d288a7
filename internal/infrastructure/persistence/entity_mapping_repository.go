package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/erp/syncbridge/internal/domain/shared"
	"github.com/erp/syncbridge/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormEntityMappingRepository implements entitysync.MappingRepository using GORM
type GormEntityMappingRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormEntityMappingRepository creates a new GormEntityMappingRepository
func NewGormEntityMappingRepository(db *gorm.DB) *GormEntityMappingRepository {
	return &GormEntityMappingRepository{db: db, now: time.Now}
}

// ---------------------------------------------------------------------------
// MappingReader implementation
// ---------------------------------------------------------------------------

// FindByID finds a mapping by its ID
func (r *GormEntityMappingRepository) FindByID(ctx context.Context, id uuid.UUID) (*entitysync.EntityMapping, error) {
	var model models.EntityMappingModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.NewDomainErrorf(shared.ErrNotFound, "entity mapping %s not found", id)
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByEntityID finds the mapping referencing id on the given side
func (r *GormEntityMappingRepository) FindByEntityID(ctx context.Context, entityType entitysync.EntityType, side entitysync.Side, id string) (*entitysync.EntityMapping, error) {
	column, err := sideColumn(side)
	if err != nil {
		return nil, err
	}

	var model models.EntityMappingModel
	if err := r.db.WithContext(ctx).
		Where("entity_type = ? AND "+column+" = ?", entityType, id).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.NewDomainErrorf(shared.ErrNotFound, "no %s mapping for side %s id %s", entityType, side, id)
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// ---------------------------------------------------------------------------
// MappingFinder implementation
// ---------------------------------------------------------------------------

// FindStale returns mappings not synced since olderThan, oldest first
func (r *GormEntityMappingRepository) FindStale(ctx context.Context, entityType entitysync.EntityType, olderThan time.Time, limit int) ([]entitysync.EntityMapping, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.EntityMappingModel
	if err := r.db.WithContext(ctx).
		Where("entity_type = ? AND last_sync_at < ?", entityType, olderThan).
		Order("last_sync_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toMappings(rows), nil
}

// FindAll returns every mapping of an entity type
func (r *GormEntityMappingRepository) FindAll(ctx context.Context, entityType entitysync.EntityType) ([]entitysync.EntityMapping, error) {
	var rows []models.EntityMappingModel
	if err := r.db.WithContext(ctx).
		Where("entity_type = ?", entityType).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toMappings(rows), nil
}

// ---------------------------------------------------------------------------
// MappingWriter implementation
// ---------------------------------------------------------------------------

// Create inserts a new mapping
func (r *GormEntityMappingRepository) Create(ctx context.Context, mapping *entitysync.EntityMapping) error {
	if err := mapping.Validate(); err != nil {
		return err
	}
	now := r.now()
	if mapping.ID == uuid.Nil {
		mapping.ID = uuid.New()
	}
	mapping.Version = 1
	mapping.LastSyncAt = now
	mapping.CreatedAt = now
	mapping.UpdatedAt = now

	model := models.EntityMappingModelFromDomain(mapping)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isUniqueViolation(err) {
			return shared.NewDomainErrorf(shared.ErrAlreadyExists, "%s mapping for this side id already exists", mapping.EntityType)
		}
		return err
	}
	return nil
}

// Update applies patch under optimistic locking and returns the stored row
func (r *GormEntityMappingRepository) Update(ctx context.Context, id uuid.UUID, patch entitysync.MappingPatch) (*entitysync.EntityMapping, error) {
	if patch.SideAID == nil && patch.SideBID == nil {
		return nil, entitysync.ErrMappingWithoutIDs
	}
	now := r.now()
	updates := map[string]any{
		"side_a_id":                patch.SideAID,
		"side_b_id":                patch.SideBID,
		"side_a_checksum":          patch.SideAChecksum,
		"side_b_checksum":          patch.SideBChecksum,
		"side_a_updated_at":        patch.SideAUpdatedAt,
		"side_b_updated_at":        patch.SideBUpdatedAt,
		"last_sync_source":         patch.LastSyncSource,
		"last_sync_transaction_id": patch.LastSyncTransactionID,
		"last_sync_at":             now,
		"updated_at":               now,
		"version":                  gorm.Expr("version + 1"),
	}

	query := r.db.WithContext(ctx).Model(&models.EntityMappingModel{}).Where("id = ?", id)
	if patch.ExpectedVersion > 0 {
		query = query.Where("version = ?", patch.ExpectedVersion)
	}
	result := query.Updates(updates)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return nil, shared.NewDomainErrorf(shared.ErrAlreadyExists, "side id already mapped by another mapping")
		}
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.FindByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, shared.NewDomainErrorf(shared.ErrConcurrencyConflict,
			"entity mapping %s changed since version %d", id, patch.ExpectedVersion)
	}
	return r.FindByID(ctx, id)
}

// Delete removes a mapping
func (r *GormEntityMappingRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&models.EntityMappingModel{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.NewDomainErrorf(shared.ErrNotFound, "entity mapping %s not found", id)
	}
	return nil
}

func sideColumn(side entitysync.Side) (string, error) {
	switch side {
	case entitysync.SideA:
		return "side_a_id", nil
	case entitysync.SideB:
		return "side_b_id", nil
	default:
		return "", fmt.Errorf("%w: %q", entitysync.ErrInvalidSide, side)
	}
}

func toMappings(rows []models.EntityMappingModel) []entitysync.EntityMapping {
	mappings := make([]entitysync.EntityMapping, len(rows))
	for i, row := range rows {
		mappings[i] = *row.ToDomain()
	}
	return mappings
}

// Ensure GormEntityMappingRepository implements MappingRepository
var _ entitysync.MappingRepository = (*GormEntityMappingRepository)(nil)
