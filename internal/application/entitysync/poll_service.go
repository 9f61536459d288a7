package entitysync

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"go.uber.org/zap"
)

// Poll defaults
const (
	DefaultPollBatchSize  = 50
	DefaultStaleScanLimit = 500
)

// PollConfig holds the enumeration settings
type PollConfig struct {
	// BatchSize is the number of entity ids per queued batch job
	BatchSize int
	// Lookback is where a scope that was never polled starts. Zero enumerates everything.
	Lookback time.Duration
	// MaxAttempts is stamped on every job created here
	MaxAttempts int
	// StaleScanLimit caps the number of mappings re-verified per sweep
	StaleScanLimit int
}

// PollReport describes one poll run
type PollReport struct {
	Scope     string
	Since     time.Time
	Watermark time.Time
	Stats     entitysync.PollStats
}

// PollService enumerates changes the webhooks may have missed and queues them
type PollService struct {
	clients  entitysync.ClientRegistry
	states   entitysync.SyncStateRepository
	jobs     entitysync.JobRepository
	mappings entitysync.MappingFinder
	cfg      PollConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewPollService creates a PollService
func NewPollService(
	clients entitysync.ClientRegistry,
	states entitysync.SyncStateRepository,
	jobs entitysync.JobRepository,
	mappings entitysync.MappingFinder,
	cfg PollConfig,
	logger *zap.Logger,
) *PollService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultPollBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = entitysync.DefaultMaxAttempts
	}
	if cfg.StaleScanLimit <= 0 {
		cfg.StaleScanLimit = DefaultStaleScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollService{
		clients:  clients,
		states:   states,
		jobs:     jobs,
		mappings: mappings,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Poll lists the entities of system changed since the stored watermark and
// queues them in batches. The watermark only moves once every batch is queued;
// a failed run leaves it in place and records the error.
func (s *PollService) Poll(ctx context.Context, system entitysync.System, entityType entitysync.EntityType) (*PollReport, error) {
	scope := entitysync.StateScope(system, entityType)
	state, err := s.states.Get(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load sync state %s: %w", scope, err)
	}

	started := s.now()
	since := state.Watermark
	if since.IsZero() && s.cfg.Lookback > 0 {
		since = started.Add(-s.cfg.Lookback)
	}
	report := &PollReport{Scope: scope, Since: since, Watermark: state.Watermark}

	stats, watermark, err := s.enumerate(ctx, system, entityType, since, started)
	if err != nil {
		state.RecordFailure(err, s.now())
		if saveErr := s.states.Save(ctx, state); saveErr != nil {
			s.logger.Error("failed to record poll failure",
				zap.String("scope", scope),
				zap.Error(saveErr))
		}
		return report, fmt.Errorf("poll %s: %w", scope, err)
	}

	state.RecordSuccess(watermark, stats, s.now())
	if err := s.states.Save(ctx, state); err != nil {
		return report, fmt.Errorf("save sync state %s: %w", scope, err)
	}

	report.Watermark = state.Watermark
	report.Stats = stats
	s.logger.Info("poll completed",
		zap.String("scope", scope),
		zap.Time("since", since),
		zap.Time("watermark", state.Watermark),
		zap.Int("listed", stats.Listed),
		zap.Int("batches", stats.Batches),
		zap.Int("queued", stats.Queued))
	return report, nil
}

func (s *PollService) enumerate(
	ctx context.Context,
	system entitysync.System,
	entityType entitysync.EntityType,
	since, started time.Time,
) (entitysync.PollStats, time.Time, error) {
	var stats entitysync.PollStats

	client, err := s.clients.Client(system, entityType)
	if err != nil {
		return stats, time.Time{}, err
	}
	changed, err := client.ListChangedSince(ctx, since)
	if err != nil {
		return stats, time.Time{}, fmt.Errorf("list changes: %w", err)
	}
	stats.Listed = len(changed)

	if len(changed) == 0 {
		return stats, started, nil
	}

	ids := make([]string, 0, len(changed))
	seen := make(map[string]struct{}, len(changed))
	var watermark time.Time
	for _, snap := range changed {
		if snap.UpdatedAt.After(watermark) {
			watermark = snap.UpdatedAt
		}
		if snap.ID == "" {
			continue
		}
		if _, dup := seen[snap.ID]; dup {
			continue
		}
		seen[snap.ID] = struct{}{}
		ids = append(ids, snap.ID)
	}
	if watermark.IsZero() {
		watermark = started
	}

	// The window end is derived from the data, so re-running an interrupted
	// poll yields the same dedup keys.
	queued, batches, err := s.enqueueBatches(ctx, system, entityType, ids, since, watermark)
	stats.Batches = batches
	stats.Queued = queued
	if err != nil {
		return stats, time.Time{}, err
	}
	return stats, watermark, nil
}

// SweepStale queues re-verification batches for mappings not synced since
// olderThan ago. Both sides of every stale mapping are queued, so drift on
// either side is picked up. A non-positive olderThan disables the sweep.
func (s *PollService) SweepStale(ctx context.Context, entityType entitysync.EntityType, olderThan time.Duration) (int, error) {
	if olderThan <= 0 || s.mappings == nil {
		return 0, nil
	}
	cutoff := s.now().Add(-olderThan)
	stale, err := s.mappings.FindStale(ctx, entityType, cutoff, s.cfg.StaleScanLimit)
	if err != nil {
		return 0, fmt.Errorf("find stale %s mappings: %w", entityType, err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	bySide := map[entitysync.Side][]string{}
	for i := range stale {
		for _, side := range []entitysync.Side{entitysync.SideA, entitysync.SideB} {
			if id := stale[i].SideID(side); id != "" {
				bySide[side] = append(bySide[side], id)
			}
		}
	}

	total := 0
	for _, side := range []entitysync.Side{entitysync.SideA, entitysync.SideB} {
		ids := bySide[side]
		if len(ids) == 0 {
			continue
		}
		queued, _, err := s.enqueueBatches(ctx, side.System(), entityType, ids, time.Time{}, cutoff)
		total += queued
		if err != nil {
			return total, err
		}
	}

	s.logger.Info("stale mappings queued for re-verification",
		zap.String("entity_type", string(entityType)),
		zap.Int("mappings", len(stale)),
		zap.Int("queued_batches", total))
	return total, nil
}

// enqueueBatches splits ids into batch jobs. It returns the number of newly
// inserted jobs and the number of batches attempted.
func (s *PollService) enqueueBatches(
	ctx context.Context,
	system entitysync.System,
	entityType entitysync.EntityType,
	ids []string,
	windowStart, windowEnd time.Time,
) (int, int, error) {
	queued, batches := 0, 0
	for start, index := 0, 0; start < len(ids); start, index = start+s.cfg.BatchSize, index+1 {
		end := min(start+s.cfg.BatchSize, len(ids))
		payload := &entitysync.ChangeBatchPayload{
			Source:      system,
			EntityType:  entityType,
			EntityIDs:   ids[start:end],
			WindowStart: windowStart,
			WindowEnd:   windowEnd,
			BatchIndex:  index,
			TriggerType: entitysync.TriggerPoll,
		}
		job, err := entitysync.NewSyncJob(payload.DedupKey(), payload)
		if err != nil {
			return queued, batches, err
		}
		job.MaxAttempts = s.cfg.MaxAttempts

		inserted, err := s.jobs.Enqueue(ctx, job)
		if err != nil {
			return queued, batches, fmt.Errorf("enqueue batch %d: %w", index, err)
		}
		batches++
		if inserted {
			queued++
		}
	}
	return queued, batches, nil
}
