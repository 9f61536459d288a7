package entitysync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockEntitySyncer is a mock implementation of EntitySyncer
type MockEntitySyncer struct {
	mock.Mock
}

func (m *MockEntitySyncer) SyncEntity(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*SyncResult), args.Error(1)
}

func changeJob(t *testing.T, action entitysync.Action) *entitysync.SyncJob {
	t.Helper()
	p := &entitysync.EntityChangePayload{
		Source:      entitysync.SystemFinance,
		EventID:     "evt-1",
		EntityType:  entitysync.EntityTypeCustomer,
		EntityID:    "fin-1",
		Action:      action,
		Timestamp:   time.Now(),
		TriggerType: entitysync.TriggerWebhook,
		RawPayload:  json.RawMessage(`{"id":"fin-1"}`),
	}
	job, err := entitysync.NewSyncJob(p.DedupKey(), p)
	require.NoError(t, err)
	return job
}

func batchJob(t *testing.T, ids ...string) *entitysync.SyncJob {
	t.Helper()
	p := &entitysync.ChangeBatchPayload{
		Source:      entitysync.SystemCRM,
		EntityType:  entitysync.EntityTypePreInvoice,
		EntityIDs:   ids,
		WindowEnd:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		TriggerType: entitysync.TriggerPoll,
	}
	job, err := entitysync.NewSyncJob(p.DedupKey(), p)
	require.NoError(t, err)
	return job
}

func TestTransactionID(t *testing.T) {
	assert.Equal(t, TransactionID("finance-evt-1", ""), TransactionID("finance-evt-1", ""))
	assert.NotEqual(t, TransactionID("finance-evt-1", ""), TransactionID("finance-evt-2", ""))
	assert.NotEqual(t, TransactionID("batch", "a"), TransactionID("batch", "b"))
	assert.Len(t, TransactionID("x", ""), 36)
}

func TestJobRunner_EntityChange(t *testing.T) {
	syncer := new(MockEntitySyncer)
	runner := NewJobRunner(syncer, nil)
	job := changeJob(t, entitysync.ActionUpdated)
	job.RetryCount = 1

	syncer.On("SyncEntity", mock.Anything, mock.MatchedBy(func(req SyncRequest) bool {
		return req.EntityID == "fin-1" &&
			req.Side == entitysync.SideB &&
			req.TriggerType == entitysync.TriggerWebhook &&
			req.TransactionID == TransactionID(job.DedupKey, "") &&
			req.RetryCount == 1 &&
			string(req.TriggerPayload) == `{"id":"fin-1"}`
	})).Return(&SyncResult{Outcome: entitysync.OutcomeUpdated}, nil).Once()

	require.NoError(t, runner.Run(context.Background(), job))
	syncer.AssertExpectations(t)
}

func TestJobRunner_DeletionIsAcknowledged(t *testing.T) {
	syncer := new(MockEntitySyncer)
	runner := NewJobRunner(syncer, nil)

	require.NoError(t, runner.Run(context.Background(), changeJob(t, entitysync.ActionDeleted)))
	syncer.AssertNotCalled(t, "SyncEntity", mock.Anything, mock.Anything)
}

func TestJobRunner_BatchJoinsFailures(t *testing.T) {
	syncer := new(MockEntitySyncer)
	runner := NewJobRunner(syncer, nil)
	job := batchJob(t, "inv-1", "inv-2", "inv-3")

	seen := map[string]string{}
	syncer.On("SyncEntity", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			req := args.Get(1).(SyncRequest)
			seen[req.EntityID] = req.TransactionID
		}).
		Return(nil, errors.New("finance unavailable")).Once()
	syncer.On("SyncEntity", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			req := args.Get(1).(SyncRequest)
			seen[req.EntityID] = req.TransactionID
		}).
		Return(&SyncResult{Outcome: entitysync.OutcomeCreated}, nil)

	err := runner.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inv-1: ")
	assert.NotContains(t, err.Error(), "inv-2")
	syncer.AssertNumberOfCalls(t, "SyncEntity", 3)

	require.Len(t, seen, 3)
	for id, tx := range seen {
		assert.Equal(t, TransactionID(job.DedupKey, id), tx)
	}
}

func TestJobRunner_BatchStopsOnCancellation(t *testing.T) {
	syncer := new(MockEntitySyncer)
	runner := NewJobRunner(syncer, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runner.Run(ctx, batchJob(t, "inv-1", "inv-2"))
	assert.ErrorIs(t, err, context.Canceled)
	syncer.AssertNotCalled(t, "SyncEntity", mock.Anything, mock.Anything)
}

func TestJobRunner_UndecodablePayload(t *testing.T) {
	runner := NewJobRunner(new(MockEntitySyncer), nil)
	job := changeJob(t, entitysync.ActionUpdated)
	job.Payload = []byte(`{"source":"erp"}`)

	assert.Error(t, runner.Run(context.Background(), job))
}
