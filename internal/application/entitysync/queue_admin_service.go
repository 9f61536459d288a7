package entitysync

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/erp/syncbridge/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QueueAdminService backs the dead-queue inspection endpoints
type QueueAdminService struct {
	jobs   entitysync.JobRepository
	logs   entitysync.SyncLogRepository
	logger *zap.Logger
}

// NewQueueAdminService creates a QueueAdminService
func NewQueueAdminService(jobs entitysync.JobRepository, logs entitysync.SyncLogRepository, logger *zap.Logger) *QueueAdminService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueAdminService{jobs: jobs, logs: logs, logger: logger}
}

// ListDeadJobs returns a page of jobs that exhausted their attempts
func (s *QueueAdminService) ListDeadJobs(ctx context.Context, page, pageSize int) (*JobListResponse, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	jobs, total, err := s.jobs.FindDead(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}

	items := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, ToJobResponse(job))
	}
	return &JobListResponse{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// RetryJob moves a dead job back to pending with a fresh attempt budget
func (s *QueueAdminService) RetryJob(ctx context.Context, id uuid.UUID) (*JobResponse, error) {
	job, err := s.jobs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := job.ResetForRetry(); err != nil {
		if errors.Is(err, entitysync.ErrJobNotDead) {
			return nil, shared.NewDomainErrorf(shared.ErrInvalidState, "job %s is %s, only dead jobs can be retried", id, job.Status)
		}
		return nil, err
	}
	if err := s.jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("requeue job %s: %w", id, err)
	}

	s.logger.Info("dead job requeued",
		zap.String("job_id", id.String()),
		zap.String("dedup_key", job.DedupKey))
	resp := ToJobResponse(job)
	return &resp, nil
}

// Stats returns job and sync-log counts by status
func (s *QueueAdminService) Stats(ctx context.Context) (*QueueStatsResponse, error) {
	jobs, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	logs, err := s.logs.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStatsResponse{Jobs: jobs, Logs: logs}, nil
}
