package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/erp/syncbridge/internal/domain/entitysync"
)

type stubQueueStats struct {
	counts map[entitysync.JobStatus]int64
	err    error
}

func (s stubQueueStats) CountByStatus(context.Context) (map[entitysync.JobStatus]int64, error) {
	return s.counts, s.err
}

func newTestSyncMetrics(t *testing.T, provider QueueStatsProvider) (*SyncMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	sm, err := NewSyncMetrics(SyncMetricsConfig{
		Meter:         mp.Meter("test"),
		Logger:        zap.NewNop(),
		QueueProvider: provider,
	})
	require.NoError(t, err)
	return sm, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func metricByName(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func sumFor(t *testing.T, m metricdata.Metrics, key attribute.Key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(key); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestNewSyncMetrics_NilMeter(t *testing.T) {
	sm, err := NewSyncMetrics(SyncMetricsConfig{})
	assert.Nil(t, sm)
	assert.Equal(t, "NewSyncMetrics: meter cannot be nil", err.Error())
}

func TestNewSyncMetrics_NoopMeter(t *testing.T) {
	sm, err := NewSyncMetrics(SyncMetricsConfig{Meter: noop.NewMeterProvider().Meter("test")})
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		sm.OnSyncEvent(context.Background(), entitysync.Event{Step: entitysync.StepSucceeded, Outcome: entitysync.OutcomeCreated})
	})
}

func TestSyncMetrics_OnSyncEvent(t *testing.T) {
	sm, reader := newTestSyncMetrics(t, nil)
	ctx := context.Background()
	base := entitysync.Event{EntityType: entitysync.EntityTypeCustomer, Side: entitysync.SideA}

	events := []entitysync.Step{
		entitysync.StepFetched,
		entitysync.StepWritten,
		entitysync.StepLeaseDenied,
	}
	for _, step := range events {
		e := base
		e.Step = step
		sm.OnSyncEvent(ctx, e)
	}
	for _, e := range []entitysync.Event{
		{Step: entitysync.StepSucceeded, Outcome: entitysync.OutcomeCreated, Duration: 300 * time.Millisecond},
		{Step: entitysync.StepSucceeded, Outcome: entitysync.OutcomeUpdated, Duration: time.Second},
		{Step: entitysync.StepSkippedLoop, Outcome: entitysync.OutcomeSkippedLoop},
		{Step: entitysync.StepConflict, Outcome: entitysync.OutcomeConflict},
		{Step: entitysync.StepFailed, Outcome: entitysync.OutcomeFailed, Duration: 2 * time.Second},
	} {
		e.EntityType, e.Side = base.EntityType, base.Side
		sm.OnSyncEvent(ctx, e)
	}

	rm := collect(t, reader)

	total, ok := metricByName(rm, "syncbridge_sync_total")
	require.True(t, ok)
	assert.Equal(t, int64(1), sumFor(t, total, AttrOutcome, "created"))
	assert.Equal(t, int64(1), sumFor(t, total, AttrOutcome, "skipped_loop"))
	assert.Equal(t, int64(1), sumFor(t, total, AttrOutcome, "conflict"))
	assert.Equal(t, int64(1), sumFor(t, total, AttrOutcome, "failed"))
	assert.Equal(t, int64(5), sumFor(t, total, AttrEntityType, "CUSTOMER"), "intermediate steps are not counted")

	denied, ok := metricByName(rm, "syncbridge_lease_denied_total")
	require.True(t, ok)
	assert.Equal(t, int64(1), sumFor(t, denied, AttrSide, string(entitysync.SideA)))

	duration, ok := metricByName(rm, "syncbridge_sync_duration_seconds")
	require.True(t, ok)
	hist := duration.Data.(metricdata.Histogram[float64])
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count, "only finished attempts record a duration")
}

func TestSyncMetrics_QueueDepth(t *testing.T) {
	sm, reader := newTestSyncMetrics(t, stubQueueStats{counts: map[entitysync.JobStatus]int64{
		entitysync.JobStatusPending: 4,
		entitysync.JobStatusDead:    1,
	}})

	sm.collectQueueMetrics(context.Background())

	rm := collect(t, reader)
	m, ok := metricByName(rm, "syncbridge_queue_jobs")
	require.True(t, ok)
	gauge := m.Data.(metricdata.Gauge[int64])

	byStatus := map[string]int64{}
	for _, dp := range gauge.DataPoints {
		v, _ := dp.Attributes.Value(AttrJobStatus)
		byStatus[v.AsString()] = dp.Value
	}
	assert.Equal(t, int64(4), byStatus["PENDING"])
	assert.Equal(t, int64(1), byStatus["DEAD"])
	assert.Contains(t, byStatus, "PROCESSING")
	assert.Zero(t, byStatus["PROCESSING"])
}

func TestSyncMetrics_QueueDepthProviderError(t *testing.T) {
	sm, reader := newTestSyncMetrics(t, stubQueueStats{err: errors.New("db down")})
	sm.collectQueueMetrics(context.Background())

	_, ok := metricByName(collect(t, reader), "syncbridge_queue_jobs")
	assert.False(t, ok)
}

func TestSyncMetrics_PeriodicCollection(t *testing.T) {
	sm, reader := newTestSyncMetrics(t, stubQueueStats{counts: map[entitysync.JobStatus]int64{entitysync.JobStatusPending: 2}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sm.StartPeriodicCollection(ctx, time.Hour)
	defer sm.Stop()

	require.Eventually(t, func() bool {
		_, ok := metricByName(collect(t, reader), "syncbridge_queue_jobs")
		return ok
	}, time.Second, 10*time.Millisecond, "collects once on start")

	sm.Stop()
	assert.NotPanics(t, sm.Stop)
}
