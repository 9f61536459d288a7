package persistence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/erp/syncbridge/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWebhookJob(t *testing.T, eventID, entityID string) *entitysync.SyncJob {
	t.Helper()
	p := &entitysync.EntityChangePayload{
		Source:      entitysync.SystemCRM,
		EventID:     eventID,
		EntityType:  entitysync.EntityTypeCustomer,
		EntityID:    entityID,
		Action:      entitysync.ActionUpdated,
		Timestamp:   time.Now(),
		TriggerType: entitysync.TriggerWebhook,
		RawPayload:  json.RawMessage(`{}`),
	}
	job, err := entitysync.NewSyncJob(p.DedupKey(), p)
	require.NoError(t, err)
	return job
}

func TestGormSyncJobRepository_Enqueue(t *testing.T) {
	db := newSQLiteDatabase(t)
	repo := NewGormSyncJobRepository(db.DB)
	ctx := context.Background()

	inserted, err := repo.Enqueue(ctx, newWebhookJob(t, "evt-1", "crm-1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Enqueue(ctx, newWebhookJob(t, "evt-1", "crm-1"))
	require.NoError(t, err)
	assert.False(t, inserted, "same dedup key is dropped")

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[entitysync.JobStatusPending])
}

func TestGormSyncJobRepository_ClaimAndRetry(t *testing.T) {
	db := newSQLiteDatabase(t)
	repo := NewGormSyncJobRepository(db.DB)
	ctx := context.Background()

	for _, evt := range []string{"evt-1", "evt-2", "evt-3"} {
		_, err := repo.Enqueue(ctx, newWebhookJob(t, evt, "crm-"+evt))
		require.NoError(t, err)
	}

	now := time.Now()
	claimed, err := repo.ClaimReady(ctx, now, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, j := range claimed {
		assert.Equal(t, entitysync.JobStatusProcessing, j.Status)
	}

	rest, err := repo.ClaimReady(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1, "claimed jobs are not handed out twice")

	t.Run("failed job becomes claimable after its backoff", func(t *testing.T) {
		job := claimed[0]
		job.MarkFailed("503", time.Minute)
		require.NoError(t, repo.Update(ctx, job))

		none, err := repo.ClaimReady(ctx, time.Now(), 10)
		require.NoError(t, err)
		assert.Empty(t, none)

		later, err := repo.ClaimReady(ctx, time.Now().Add(2*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, later, 1)
		assert.Equal(t, job.ID, later[0].ID)
		assert.Equal(t, 1, later[0].RetryCount)
	})

	t.Run("succeeded jobs are purged after retention", func(t *testing.T) {
		job := claimed[1]
		job.MarkSucceeded()
		require.NoError(t, repo.Update(ctx, job))

		n, err := repo.DeleteFinishedBefore(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		_, err = repo.FindByID(ctx, job.ID)
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("stuck jobs are recovered", func(t *testing.T) {
		n, err := repo.RecoverStuck(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		job, err := repo.FindByID(ctx, rest[0].ID)
		require.NoError(t, err)
		assert.Equal(t, entitysync.JobStatusPending, job.Status)
	})
}

func TestGormSyncJobRepository_DeadLetters(t *testing.T) {
	db := newSQLiteDatabase(t)
	repo := NewGormSyncJobRepository(db.DB)
	ctx := context.Background()

	for i, evt := range []string{"evt-a", "evt-b", "evt-c"} {
		job := newWebhookJob(t, evt, "crm-x")
		_, err := repo.Enqueue(ctx, job)
		require.NoError(t, err)
		if i == 2 {
			continue
		}
		job.Status = entitysync.JobStatusDead
		job.RetryCount = job.MaxAttempts
		job.LastError = "boom"
		require.NoError(t, repo.Update(ctx, job))
	}

	page1, total, err := repo.FindDead(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, page1, 1)

	page2, _, err := repo.FindDead(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.NotEqual(t, page1[0].ID, page2[0].ID)

	dead := page1[0]
	require.NoError(t, dead.ResetForRetry())
	require.NoError(t, repo.Update(ctx, dead))
	reread, err := repo.FindByID(ctx, dead.ID)
	require.NoError(t, err)
	assert.Equal(t, entitysync.JobStatusPending, reread.Status)
	assert.Zero(t, reread.RetryCount)

	t.Run("update of unknown job", func(t *testing.T) {
		ghost := &entitysync.SyncJob{ID: uuid.New(), Status: entitysync.JobStatusPending}
		assert.ErrorIs(t, repo.Update(ctx, ghost), shared.ErrNotFound)
	})
}

func TestGormSyncJobRepository_SQL(t *testing.T) {
	t.Run("enqueue ignores duplicate dedup keys", func(t *testing.T) {
		db, mock := newMockDatabase(t)
		repo := NewGormSyncJobRepository(db.DB)

		mock.ExpectExec(`INSERT INTO "sync_jobs" .* ON CONFLICT \("dedup_key"\) DO NOTHING`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		inserted, err := repo.Enqueue(context.Background(), newWebhookJob(t, "evt-1", "crm-1"))
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("claim locks rows with skip locked", func(t *testing.T) {
		db, mock := newMockDatabase(t)
		repo := NewGormSyncJobRepository(db.DB)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT \* FROM "sync_jobs" WHERE .* FOR UPDATE SKIP LOCKED`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))
		mock.ExpectCommit()

		jobs, err := repo.ClaimReady(context.Background(), time.Now(), 5)
		require.NoError(t, err)
		assert.Empty(t, jobs)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
