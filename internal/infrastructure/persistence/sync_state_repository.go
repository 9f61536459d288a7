package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/erp/syncbridge/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormSyncStateRepository implements entitysync.SyncStateRepository using GORM
type GormSyncStateRepository struct {
	db *gorm.DB
}

// NewGormSyncStateRepository creates a new GormSyncStateRepository
func NewGormSyncStateRepository(db *gorm.DB) *GormSyncStateRepository {
	return &GormSyncStateRepository{db: db}
}

// Get returns the stored state for scope, or a zero state when none exists
func (r *GormSyncStateRepository) Get(ctx context.Context, scope string) (*entitysync.SyncState, error) {
	var model models.SyncStateModel
	if err := r.db.WithContext(ctx).First(&model, "scope = ?", scope).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &entitysync.SyncState{Scope: scope}, nil
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// Save upserts the state
func (r *GormSyncStateRepository) Save(ctx context.Context, state *entitysync.SyncState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}},
			UpdateAll: true,
		}).
		Create(models.SyncStateModelFromDomain(state)).Error
}

// Ensure GormSyncStateRepository implements SyncStateRepository
var _ entitysync.SyncStateRepository = (*GormSyncStateRepository)(nil)
