package persistence

import (
	"context"
	"errors"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/erp/syncbridge/internal/domain/shared"
	"github.com/erp/syncbridge/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormSyncLogRepository implements entitysync.SyncLogRepository using GORM.
// Rows are append-only; Close is the single permitted transition.
type GormSyncLogRepository struct {
	db *gorm.DB
}

// NewGormSyncLogRepository creates a new GormSyncLogRepository
func NewGormSyncLogRepository(db *gorm.DB) *GormSyncLogRepository {
	return &GormSyncLogRepository{db: db}
}

// Create inserts a new log row
func (r *GormSyncLogRepository) Create(ctx context.Context, log *entitysync.SyncLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(models.SyncLogModelFromDomain(log)).Error
}

// Close writes the terminal fields of log. Only PENDING or IN_PROGRESS rows are updated.
func (r *GormSyncLogRepository) Close(ctx context.Context, log *entitysync.SyncLog) error {
	if !log.IsTerminal() {
		return shared.NewDomainErrorf(shared.ErrInvalidState, "sync log %s is not terminal (%s)", log.ID, log.Status)
	}
	model := models.SyncLogModelFromDomain(log)
	result := r.db.WithContext(ctx).
		Model(&models.SyncLogModel{}).
		Where("id = ? AND status IN ?", log.ID, []entitysync.SyncLogStatus{entitysync.SyncLogPending, entitysync.SyncLogInProgress}).
		Updates(map[string]any{
			"status":             model.Status,
			"entity_mapping_id":  model.EntityMappingID,
			"target_entity_id":   model.TargetEntityID,
			"source_data":        model.SourceData,
			"target_data_before": model.TargetDataBefore,
			"target_data_after":  model.TargetDataAfter,
			"error_message":      model.ErrorMessage,
			"error_stack":        model.ErrorStack,
			"completed_at":       model.CompletedAt,
			"duration_ms":        model.DurationMs,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.FindByID(ctx, log.ID); err != nil {
			return err
		}
		return shared.NewDomainErrorf(shared.ErrInvalidState, "sync log %s is already closed", log.ID)
	}
	return nil
}

// FindByID finds a log row by ID
func (r *GormSyncLogRepository) FindByID(ctx context.Context, id uuid.UUID) (*entitysync.SyncLog, error) {
	var model models.SyncLogModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.NewDomainErrorf(shared.ErrNotFound, "sync log %s not found", id)
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByTransactionID returns every attempt of one transaction, oldest first
func (r *GormSyncLogRepository) FindByTransactionID(ctx context.Context, transactionID string) ([]entitysync.SyncLog, error) {
	var rows []models.SyncLogModel
	if err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("started_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	logs := make([]entitysync.SyncLog, len(rows))
	for i, row := range rows {
		logs[i] = *row.ToDomain()
	}
	return logs, nil
}

// CountByStatus returns the number of rows per status
func (r *GormSyncLogRepository) CountByStatus(ctx context.Context) (map[entitysync.SyncLogStatus]int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var results []statusCount
	if err := r.db.WithContext(ctx).
		Model(&models.SyncLogModel{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&results).Error; err != nil {
		return nil, err
	}

	counts := make(map[entitysync.SyncLogStatus]int64, len(results))
	for _, row := range results {
		counts[entitysync.SyncLogStatus(row.Status)] = row.Count
	}
	return counts, nil
}

// Ensure GormSyncLogRepository implements SyncLogRepository
var _ entitysync.SyncLogRepository = (*GormSyncLogRepository)(nil)
