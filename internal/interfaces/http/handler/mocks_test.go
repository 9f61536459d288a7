package handler

import (
	"context"
	"time"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type MockJobRepository struct {
	mock.Mock
}

func (m *MockJobRepository) Enqueue(ctx context.Context, job *entitysync.SyncJob) (bool, error) {
	args := m.Called(ctx, job)
	return args.Bool(0), args.Error(1)
}

func (m *MockJobRepository) ClaimReady(ctx context.Context, now time.Time, limit int) ([]*entitysync.SyncJob, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entitysync.SyncJob), args.Error(1)
}

func (m *MockJobRepository) Update(ctx context.Context, job *entitysync.SyncJob) error {
	return m.Called(ctx, job).Error(0)
}

func (m *MockJobRepository) FindByID(ctx context.Context, id uuid.UUID) (*entitysync.SyncJob, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entitysync.SyncJob), args.Error(1)
}

func (m *MockJobRepository) FindDead(ctx context.Context, page, pageSize int) ([]*entitysync.SyncJob, int64, error) {
	args := m.Called(ctx, page, pageSize)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*entitysync.SyncJob), args.Get(1).(int64), args.Error(2)
}

func (m *MockJobRepository) CountByStatus(ctx context.Context) (map[entitysync.JobStatus]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[entitysync.JobStatus]int64), args.Error(1)
}

func (m *MockJobRepository) RecoverStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockJobRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

var _ entitysync.JobRepository = (*MockJobRepository)(nil)

type MockSyncLogRepository struct {
	mock.Mock
}

func (m *MockSyncLogRepository) Create(ctx context.Context, log *entitysync.SyncLog) error {
	return m.Called(ctx, log).Error(0)
}

func (m *MockSyncLogRepository) Close(ctx context.Context, log *entitysync.SyncLog) error {
	return m.Called(ctx, log).Error(0)
}

func (m *MockSyncLogRepository) FindByID(ctx context.Context, id uuid.UUID) (*entitysync.SyncLog, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entitysync.SyncLog), args.Error(1)
}

func (m *MockSyncLogRepository) FindByTransactionID(ctx context.Context, transactionID string) ([]entitysync.SyncLog, error) {
	args := m.Called(ctx, transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]entitysync.SyncLog), args.Error(1)
}

func (m *MockSyncLogRepository) CountByStatus(ctx context.Context) (map[entitysync.SyncLogStatus]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[entitysync.SyncLogStatus]int64), args.Error(1)
}

var _ entitysync.SyncLogRepository = (*MockSyncLogRepository)(nil)
