package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/erp/syncbridge/internal/domain/entitysync"
)

// SyncDurationBuckets are bucket boundaries for one entity sync (seconds).
var SyncDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// QueueStatsProvider reports queue depth per job status.
type QueueStatsProvider interface {
	CountByStatus(ctx context.Context) (map[entitysync.JobStatus]int64, error)
}

// SyncMetrics records entity sync outcomes and queue depth. It implements
// entitysync.Observer so it can be attached to the orchestrator directly.
type SyncMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	syncTotal        *Counter
	syncDuration     *Histogram
	leaseDeniedTotal *Counter
	queueJobs        *Gauge

	queueProvider QueueStatsProvider
	stopChan      chan struct{}
	stopOnce      sync.Once
	collectOnce   sync.Once
}

// SyncMetricsConfig holds configuration for sync metrics.
type SyncMetricsConfig struct {
	Meter         metric.Meter
	Logger        *zap.Logger
	QueueProvider QueueStatsProvider
}

// NewSyncMetrics creates a new SyncMetrics instance.
func NewSyncMetrics(cfg SyncMetricsConfig) (*SyncMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sm := &SyncMetrics{
		meter:         cfg.Meter,
		logger:        logger,
		queueProvider: cfg.QueueProvider,
		stopChan:      make(chan struct{}),
	}

	var err error
	sm.syncTotal, err = NewCounter(cfg.Meter,
		"syncbridge_sync_total",
		"Total number of finished entity syncs by outcome",
		"{syncs}",
	)
	if err != nil {
		return nil, err
	}

	sm.syncDuration, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "syncbridge_sync_duration_seconds",
		Description: "Duration of entity syncs that reached the target system",
		Unit:        "s",
		Boundaries:  SyncDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	sm.leaseDeniedTotal, err = NewCounter(cfg.Meter,
		"syncbridge_lease_denied_total",
		"Total number of syncs rejected because the entity was locked",
		"{syncs}",
	)
	if err != nil {
		return nil, err
	}

	sm.queueJobs, err = NewGauge(cfg.Meter,
		"syncbridge_queue_jobs",
		"Current number of queued sync jobs by status",
		"{jobs}",
	)
	if err != nil {
		return nil, err
	}

	return sm, nil
}

// OnSyncEvent implements entitysync.Observer.
func (sm *SyncMetrics) OnSyncEvent(ctx context.Context, e entitysync.Event) {
	switch e.Step {
	case entitysync.StepLeaseDenied:
		sm.leaseDeniedTotal.Inc(ctx,
			AttrEntityType.String(string(e.EntityType)),
			AttrSide.String(string(e.Side)),
		)
	case entitysync.StepSkippedLoop, entitysync.StepSkippedUnchanged, entitysync.StepConflict:
		sm.RecordOutcome(ctx, e.EntityType, e.Side, e.Outcome)
	case entitysync.StepSucceeded, entitysync.StepFailed:
		sm.RecordOutcome(ctx, e.EntityType, e.Side, e.Outcome)
		sm.syncDuration.RecordDuration(ctx, e.Duration,
			AttrEntityType.String(string(e.EntityType)),
			AttrOutcome.String(string(e.Outcome)),
		)
	}
}

// RecordOutcome counts one finished sync.
func (sm *SyncMetrics) RecordOutcome(ctx context.Context, entityType entitysync.EntityType, side entitysync.Side, outcome entitysync.Outcome) {
	sm.syncTotal.Inc(ctx,
		AttrEntityType.String(string(entityType)),
		AttrSide.String(string(side)),
		AttrOutcome.String(string(outcome)),
	)
}

// RecordQueueDepth records the number of jobs in a status.
func (sm *SyncMetrics) RecordQueueDepth(ctx context.Context, status entitysync.JobStatus, count int64) {
	sm.queueJobs.Record(ctx, count, AttrJobStatus.String(string(status)))
}

// =============================================================================
// Periodic Collection
// =============================================================================

// StartPeriodicCollection samples queue depth every interval (default: 30s).
// It is non-blocking; use Stop() to end collection.
func (sm *SyncMetrics) StartPeriodicCollection(ctx context.Context, interval time.Duration) {
	sm.collectOnce.Do(func() {
		if interval <= 0 {
			interval = 30 * time.Second
		}
		go sm.runPeriodicCollection(ctx, interval)
	})
}

func (sm *SyncMetrics) runPeriodicCollection(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sm.collectQueueMetrics(ctx)

	for {
		select {
		case <-sm.stopChan:
			sm.logger.Debug("stopping sync metrics collection")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.collectQueueMetrics(ctx)
		}
	}
}

func (sm *SyncMetrics) collectQueueMetrics(ctx context.Context) {
	if sm.queueProvider == nil {
		return
	}

	counts, err := sm.queueProvider.CountByStatus(ctx)
	if err != nil {
		sm.logger.Warn("failed to sample sync queue depth", zap.Error(err))
		return
	}

	// Statuses with no rows are reported as zero so a drained queue is visible.
	for _, status := range []entitysync.JobStatus{
		entitysync.JobStatusPending,
		entitysync.JobStatusProcessing,
		entitysync.JobStatusSucceeded,
		entitysync.JobStatusFailed,
		entitysync.JobStatusDead,
	} {
		sm.RecordQueueDepth(ctx, status, counts[status])
	}
}

// Stop stops the periodic collection.
func (sm *SyncMetrics) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
	})
}

// =============================================================================
// Error Types
// =============================================================================

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewSyncMetrics", Err: "meter cannot be nil"}

// MetricsError represents a metrics-related error.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}
