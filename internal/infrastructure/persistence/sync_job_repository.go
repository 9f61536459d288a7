package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/erp/syncbridge/internal/domain/shared"
	"github.com/erp/syncbridge/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormSyncJobRepository implements entitysync.JobRepository using GORM
type GormSyncJobRepository struct {
	db *gorm.DB
}

// NewGormSyncJobRepository creates a new GormSyncJobRepository
func NewGormSyncJobRepository(db *gorm.DB) *GormSyncJobRepository {
	return &GormSyncJobRepository{db: db}
}

// WithTx returns a new repository instance that uses the given transaction
func (r *GormSyncJobRepository) WithTx(tx *gorm.DB) *GormSyncJobRepository {
	return &GormSyncJobRepository{db: tx}
}

// Enqueue inserts job unless its dedup key is already queued
func (r *GormSyncJobRepository) Enqueue(ctx context.Context, job *entitysync.SyncJob) (bool, error) {
	now := time.Now()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedup_key"}},
			DoNothing: true,
		}).
		Create(models.SyncJobModelFromDomain(job))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ClaimReady locks due jobs with SKIP LOCKED and marks them PROCESSING
func (r *GormSyncJobRepository) ClaimReady(ctx context.Context, now time.Time, limit int) ([]*entitysync.SyncJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []*entitysync.SyncJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.SyncJobModel
		if err := tx.
			Clauses(clause.Locking{
				Strength: "UPDATE",
				Options:  "SKIP LOCKED",
			}).
			Where("status = ? OR (status = ? AND next_retry_at <= ?)",
				entitysync.JobStatusPending, entitysync.JobStatusFailed, now).
			Order("created_at ASC").
			Limit(limit).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, len(rows))
		for i := range rows {
			ids[i] = rows[i].ID
		}
		if err := tx.Model(&models.SyncJobModel{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":     entitysync.JobStatusProcessing,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		claimed = make([]*entitysync.SyncJob, len(rows))
		for i := range rows {
			job := rows[i].ToDomain()
			job.Status = entitysync.JobStatusProcessing
			job.UpdatedAt = now
			claimed[i] = job
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Update writes the job's status fields
func (r *GormSyncJobRepository) Update(ctx context.Context, job *entitysync.SyncJob) error {
	job.UpdatedAt = time.Now()
	result := r.db.WithContext(ctx).
		Model(&models.SyncJobModel{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"status":        job.Status,
			"retry_count":   job.RetryCount,
			"max_attempts":  job.MaxAttempts,
			"last_error":    job.LastError,
			"next_retry_at": job.NextRetryAt,
			"processed_at":  job.ProcessedAt,
			"updated_at":    job.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.NewDomainErrorf(shared.ErrNotFound, "sync job %s not found", job.ID)
	}
	return nil
}

// FindByID retrieves a single job
func (r *GormSyncJobRepository) FindByID(ctx context.Context, id uuid.UUID) (*entitysync.SyncJob, error) {
	var model models.SyncJobModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.NewDomainErrorf(shared.ErrNotFound, "sync job %s not found", id)
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindDead retrieves dead jobs with pagination, most recent first
func (r *GormSyncJobRepository) FindDead(ctx context.Context, page, pageSize int) ([]*entitysync.SyncJob, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var total int64
	query := r.db.WithContext(ctx).Model(&models.SyncJobModel{}).Where("status = ?", entitysync.JobStatusDead)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []models.SyncJobModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", entitysync.JobStatusDead).
		Order("updated_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	jobs := make([]*entitysync.SyncJob, len(rows))
	for i := range rows {
		jobs[i] = rows[i].ToDomain()
	}
	return jobs, total, nil
}

// CountByStatus returns the number of jobs per status
func (r *GormSyncJobRepository) CountByStatus(ctx context.Context) (map[entitysync.JobStatus]int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var results []statusCount
	if err := r.db.WithContext(ctx).
		Model(&models.SyncJobModel{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&results).Error; err != nil {
		return nil, err
	}

	counts := make(map[entitysync.JobStatus]int64, len(results))
	for _, row := range results {
		counts[entitysync.JobStatus(row.Status)] = row.Count
	}
	return counts, nil
}

// RecoverStuck returns jobs left PROCESSING by a crashed worker to PENDING
func (r *GormSyncJobRepository) RecoverStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.SyncJobModel{}).
		Where("status = ? AND updated_at < ?", entitysync.JobStatusProcessing, olderThan).
		Updates(map[string]any{
			"status":     entitysync.JobStatusPending,
			"updated_at": time.Now(),
		})
	return result.RowsAffected, result.Error
}

// DeleteFinishedBefore deletes succeeded jobs processed before the given time
func (r *GormSyncJobRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND processed_at < ?", entitysync.JobStatusSucceeded, before).
		Delete(&models.SyncJobModel{})
	return result.RowsAffected, result.Error
}

// Ensure GormSyncJobRepository implements JobRepository
var _ entitysync.JobRepository = (*GormSyncJobRepository)(nil)
