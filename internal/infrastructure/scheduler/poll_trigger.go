package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/erp/syncbridge/internal/domain/entitysync"
)

// PollScope is one (system, entity type) pair polled for changes
type PollScope struct {
	System     entitysync.System
	EntityType entitysync.EntityType
}

// PollFunc polls one scope and enqueues what changed
type PollFunc func(ctx context.Context, system entitysync.System, entityType entitysync.EntityType) error

// SweepFunc queues mappings of entityType not synced within olderThan
type SweepFunc func(ctx context.Context, entityType entitysync.EntityType, olderThan time.Duration) error

// PollTriggerConfig holds configuration for the poll trigger
type PollTriggerConfig struct {
	// Interval is the time between poll cycles
	Interval time.Duration
	// Scopes lists what each cycle polls
	Scopes []PollScope
	// StaleAfter enables the stale-mapping sweep when positive
	StaleAfter time.Duration
}

// DefaultPollScopes returns every system and entity type combination
func DefaultPollScopes() []PollScope {
	var scopes []PollScope
	for _, system := range []entitysync.System{entitysync.SystemCRM, entitysync.SystemFinance} {
		for _, entityType := range entitysync.AllEntityTypes() {
			scopes = append(scopes, PollScope{System: system, EntityType: entityType})
		}
	}
	return scopes
}

// Validate validates the configuration
func (c *PollTriggerConfig) Validate() error {
	if c.Interval <= 0 || len(c.Scopes) == 0 || c.StaleAfter < 0 {
		return ErrInvalidConfig
	}
	for _, s := range c.Scopes {
		if !s.System.IsValid() || !s.EntityType.IsValid() {
			return ErrInvalidConfig
		}
	}
	return nil
}

// PollTrigger runs a poll cycle at start, on every tick and on demand.
// Cycles never overlap.
type PollTrigger struct {
	config PollTriggerConfig
	poll   PollFunc
	sweep  SweepFunc
	logger *zap.Logger

	kick      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	lastRun   time.Time
}

// NewPollTrigger creates a new poll trigger. sweep may be nil.
func NewPollTrigger(config PollTriggerConfig, poll PollFunc, sweep SweepFunc, logger *zap.Logger) (*PollTrigger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if poll == nil {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollTrigger{
		config: config,
		poll:   poll,
		sweep:  sweep,
		logger: logger,
		kick:   make(chan struct{}, 1),
	}, nil
}

// Start starts the poll loop
func (p *PollTrigger) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return nil
	}
	p.isRunning = true
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.runLoop(ctx)

	p.logger.Info("poll trigger started",
		zap.Duration("interval", p.config.Interval),
		zap.Int("scopes", len(p.config.Scopes)),
		zap.Duration("stale_after", p.config.StaleAfter),
	)
	return nil
}

// Stop stops the poll trigger, waiting for a running cycle to return
func (p *PollTrigger) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return ErrPollTriggerNotRunning
	}
	p.isRunning = false
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("poll trigger stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerNow requests an immediate cycle. A request made while one is
// already pending is merged into it.
func (p *PollTrigger) TriggerNow() error {
	p.mu.Lock()
	running := p.isRunning
	p.mu.Unlock()
	if !running {
		return ErrPollTriggerNotRunning
	}

	select {
	case p.kick <- struct{}{}:
	default:
	}
	return nil
}

// LastRun returns when the last cycle finished
func (p *PollTrigger) LastRun() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun
}

func (p *PollTrigger) runLoop(ctx context.Context) {
	defer p.wg.Done()

	p.runCycle(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
		p.runCycle(ctx)
	}
}

// runCycle polls every scope, then sweeps stale mappings. A failing scope
// does not stop the others.
func (p *PollTrigger) runCycle(ctx context.Context) {
	failed := 0
	for _, scope := range p.config.Scopes {
		if ctx.Err() != nil {
			return
		}
		if err := p.poll(ctx, scope.System, scope.EntityType); err != nil {
			failed++
			p.logger.Error("poll failed",
				zap.String("system", string(scope.System)),
				zap.String("entity_type", string(scope.EntityType)),
				zap.Error(err),
			)
		}
	}

	if p.sweep != nil && p.config.StaleAfter > 0 {
		seen := make(map[entitysync.EntityType]bool)
		for _, scope := range p.config.Scopes {
			if seen[scope.EntityType] || ctx.Err() != nil {
				continue
			}
			seen[scope.EntityType] = true
			if err := p.sweep(ctx, scope.EntityType, p.config.StaleAfter); err != nil {
				p.logger.Error("stale sweep failed",
					zap.String("entity_type", string(scope.EntityType)),
					zap.Error(err),
				)
			}
		}
	}

	p.mu.Lock()
	p.lastRun = time.Now()
	p.mu.Unlock()

	if failed > 0 {
		p.logger.Warn("poll cycle finished with failures",
			zap.Int("failed", failed),
			zap.Int("scopes", len(p.config.Scopes)),
		)
	}
}
