package scheduler

import (
	"context"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/erp/syncbridge/internal/infrastructure/telemetry"
)

// ProfiledRunner tags each job run with job kind, entity type and source
// system so CPU profiles can be split per sync flow.
type ProfiledRunner struct {
	next JobRunner
}

// NewProfiledRunner wraps next.
func NewProfiledRunner(next JobRunner) *ProfiledRunner {
	return &ProfiledRunner{next: next}
}

// Run implements JobRunner.
func (r *ProfiledRunner) Run(ctx context.Context, job *entitysync.SyncJob) error {
	var err error
	telemetry.WithProfilingLabels(ctx, jobProfilingLabels(job), func(c context.Context) {
		err = r.next.Run(c, job)
	})
	return err
}

func jobProfilingLabels(job *entitysync.SyncJob) map[string]string {
	var entityType, system string
	// undecodable payloads still get the kind label; the runner reports the error
	if payload, err := job.Decode(); err == nil {
		switch p := payload.(type) {
		case *entitysync.EntityChangePayload:
			entityType, system = string(p.EntityType), string(p.Source)
		case *entitysync.ChangeBatchPayload:
			entityType, system = string(p.EntityType), string(p.Source)
		}
	}
	return telemetry.JobLabels(string(job.Kind), entityType, system)
}
