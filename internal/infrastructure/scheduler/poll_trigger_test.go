package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/erp/syncbridge/internal/domain/entitysync"
)

type pollRecorder struct {
	mu     sync.Mutex
	polls  map[PollScope]int
	sweeps map[entitysync.EntityType]int
	fail   map[PollScope]bool
}

func newPollRecorder() *pollRecorder {
	return &pollRecorder{
		polls:  make(map[PollScope]int),
		sweeps: make(map[entitysync.EntityType]int),
		fail:   make(map[PollScope]bool),
	}
}

func (r *pollRecorder) poll(_ context.Context, system entitysync.System, entityType entitysync.EntityType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	scope := PollScope{System: system, EntityType: entityType}
	r.polls[scope]++
	if r.fail[scope] {
		return errors.New("list changes: 503")
	}
	return nil
}

func (r *pollRecorder) sweep(_ context.Context, entityType entitysync.EntityType, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps[entityType]++
	return nil
}

func (r *pollRecorder) pollCount(scope PollScope) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polls[scope]
}

func (r *pollRecorder) sweepCount(entityType entitysync.EntityType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweeps[entityType]
}

var (
	crmCustomers     = PollScope{System: entitysync.SystemCRM, EntityType: entitysync.EntityTypeCustomer}
	financeCustomers = PollScope{System: entitysync.SystemFinance, EntityType: entitysync.EntityTypeCustomer}
)

func TestPollTriggerConfig_Validate(t *testing.T) {
	valid := PollTriggerConfig{Interval: time.Minute, Scopes: []PollScope{crmCustomers}}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name string
		cfg  PollTriggerConfig
	}{
		{"no interval", PollTriggerConfig{Scopes: []PollScope{crmCustomers}}},
		{"no scopes", PollTriggerConfig{Interval: time.Minute}},
		{"negative stale window", PollTriggerConfig{Interval: time.Minute, Scopes: []PollScope{crmCustomers}, StaleAfter: -time.Second}},
		{"unknown system", PollTriggerConfig{Interval: time.Minute, Scopes: []PollScope{{System: "erp", EntityType: entitysync.EntityTypeCustomer}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestDefaultPollScopes(t *testing.T) {
	scopes := DefaultPollScopes()
	assert.Len(t, scopes, 2*len(entitysync.AllEntityTypes()))
	assert.Contains(t, scopes, crmCustomers)
	assert.Contains(t, scopes, financeCustomers)
}

func TestPollTrigger_RunsAtStartAndOnDemand(t *testing.T) {
	rec := newPollRecorder()
	rec.fail[crmCustomers] = true

	trigger, err := NewPollTrigger(PollTriggerConfig{
		Interval:   time.Hour,
		Scopes:     []PollScope{crmCustomers, financeCustomers},
		StaleAfter: 24 * time.Hour,
	}, rec.poll, rec.sweep, zap.NewNop())
	require.NoError(t, err)

	assert.ErrorIs(t, trigger.TriggerNow(), ErrPollTriggerNotRunning)

	require.NoError(t, trigger.Start(context.Background()))
	defer trigger.Stop(context.Background())

	require.Eventually(t, func() bool {
		return rec.pollCount(financeCustomers) == 1
	}, time.Second, 5*time.Millisecond, "a failing scope does not block the rest")
	require.Eventually(t, func() bool {
		return !trigger.LastRun().IsZero()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.sweepCount(entitysync.EntityTypeCustomer), "one sweep per entity type")

	require.NoError(t, trigger.TriggerNow())
	require.Eventually(t, func() bool {
		return rec.pollCount(crmCustomers) == 2 && rec.pollCount(financeCustomers) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPollTrigger_Ticks(t *testing.T) {
	rec := newPollRecorder()
	trigger, err := NewPollTrigger(PollTriggerConfig{
		Interval: 10 * time.Millisecond,
		Scopes:   []PollScope{crmCustomers},
	}, rec.poll, rec.sweep, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, trigger.Start(context.Background()))

	require.Eventually(t, func() bool {
		return rec.pollCount(crmCustomers) >= 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, trigger.Stop(context.Background()))
	assert.Zero(t, rec.sweepCount(entitysync.EntityTypeCustomer), "sweep disabled without a stale window")
	assert.ErrorIs(t, trigger.Stop(context.Background()), ErrPollTriggerNotRunning)
}

func TestNewPollTrigger_RequiresPollFunc(t *testing.T) {
	_, err := NewPollTrigger(PollTriggerConfig{Interval: time.Minute, Scopes: []PollScope{crmCustomers}}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
