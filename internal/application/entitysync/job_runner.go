package entitysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// transactionNamespace seeds the name-based UUIDs used as transaction ids
var transactionNamespace = uuid.MustParse("6f1d3a52-8c1e-4b7a-9d2f-3e5c7a9b1d40")

// TransactionID derives the transaction id of a job. Every attempt of the same
// job, and of the same entity inside a batch job, gets the same id.
func TransactionID(dedupKey, entityID string) string {
	name := dedupKey
	if entityID != "" {
		name += "/" + entityID
	}
	return uuid.NewSHA1(transactionNamespace, []byte(name)).String()
}

// EntitySyncer runs one entity through the sync workflow
type EntitySyncer interface {
	SyncEntity(ctx context.Context, req SyncRequest) (*SyncResult, error)
}

// JobRunner executes claimed queue jobs against the orchestrator
type JobRunner struct {
	syncer EntitySyncer
	logger *zap.Logger
}

// NewJobRunner creates a JobRunner
func NewJobRunner(syncer EntitySyncer, logger *zap.Logger) *JobRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobRunner{syncer: syncer, logger: logger}
}

// Run executes one job. A nil error marks the job succeeded; any error is retried.
func (r *JobRunner) Run(ctx context.Context, job *entitysync.SyncJob) error {
	payload, err := job.Decode()
	if err != nil {
		return fmt.Errorf("decode job %s: %w", job.ID, err)
	}
	switch p := payload.(type) {
	case *entitysync.EntityChangePayload:
		return r.runChange(ctx, job, p)
	case *entitysync.ChangeBatchPayload:
		return r.runBatch(ctx, job, p)
	}
	return fmt.Errorf("job %s: unsupported payload kind %q", job.ID, payload.Kind())
}

func (r *JobRunner) runChange(ctx context.Context, job *entitysync.SyncJob, p *entitysync.EntityChangePayload) error {
	if p.Action == entitysync.ActionDeleted {
		r.logger.Info("deletion acknowledged without sync",
			zap.String("job_id", job.ID.String()),
			zap.String("source", string(p.Source)),
			zap.String("entity_type", string(p.EntityType)),
			zap.String("entity_id", p.EntityID))
		return nil
	}

	trigger := json.RawMessage(job.Payload)
	if len(p.RawPayload) > 0 {
		trigger = p.RawPayload
	}
	_, err := r.syncer.SyncEntity(ctx, SyncRequest{
		EntityType:     p.EntityType,
		EntityID:       p.EntityID,
		Side:           p.Source.Side(),
		TriggerType:    p.TriggerType,
		TriggerPayload: trigger,
		TransactionID:  TransactionID(job.DedupKey, ""),
		RetryCount:     job.RetryCount,
	})
	return err
}

// runBatch syncs every id of the batch and joins the failures. On retry, ids
// that already went through are skipped by the loop check since they carry
// the same transaction id.
func (r *JobRunner) runBatch(ctx context.Context, job *entitysync.SyncJob, p *entitysync.ChangeBatchPayload) error {
	var errs []error
	for _, id := range p.EntityIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		_, err := r.syncer.SyncEntity(ctx, SyncRequest{
			EntityType:     p.EntityType,
			EntityID:       id,
			Side:           p.Source.Side(),
			TriggerType:    p.TriggerType,
			TriggerPayload: json.RawMessage(job.Payload),
			TransactionID:  TransactionID(job.DedupKey, id),
			RetryCount:     job.RetryCount,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		r.logger.Warn("batch job finished with failures",
			zap.String("job_id", job.ID.String()),
			zap.Int("failed", len(errs)),
			zap.Int("total", len(p.EntityIDs)))
	}
	return errors.Join(errs...)
}
