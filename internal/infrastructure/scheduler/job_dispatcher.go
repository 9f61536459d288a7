package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/erp/syncbridge/internal/infrastructure/logger"
)

// bookkeepingTimeout bounds the status write that follows a job run
const bookkeepingTimeout = 5 * time.Second

// ---------------------------------------------------------------------------
// JobRunner Interface
// ---------------------------------------------------------------------------

// JobRunner executes one claimed job. A nil error marks the job succeeded.
type JobRunner interface {
	Run(ctx context.Context, job *entitysync.SyncJob) error
}

// ---------------------------------------------------------------------------
// DispatcherConfig
// ---------------------------------------------------------------------------

// DispatcherConfig holds configuration for the job dispatcher
type DispatcherConfig struct {
	// Workers is the number of concurrent job workers
	Workers int
	// QueueSize is the capacity of the in-process hand-off channel
	QueueSize int
	// FetchInterval is how often ready jobs are claimed from the queue
	FetchInterval time.Duration
	// ClaimBatch is the maximum number of jobs claimed per fetch
	ClaimBatch int
	// RetryBaseDelay is the base of the exponential retry backoff
	RetryBaseDelay time.Duration
	// JobTimeout bounds a single job run
	JobTimeout time.Duration
	// StuckAfter is how long a job may stay PROCESSING before it is recovered
	StuckAfter time.Duration
	// MaintenanceInterval is how often stuck recovery and retention run
	MaintenanceInterval time.Duration
	// Retention is how long succeeded jobs are kept; zero keeps them forever
	Retention time.Duration
}

// DefaultDispatcherConfig returns default configuration
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:             5,
		QueueSize:           100,
		FetchInterval:       time.Second,
		ClaimBatch:          20,
		RetryBaseDelay:      entitysync.DefaultBaseBackoff,
		JobTimeout:          5 * time.Minute,
		StuckAfter:          10 * time.Minute,
		MaintenanceInterval: time.Minute,
		Retention:           7 * 24 * time.Hour,
	}
}

// Validate validates the configuration
func (c *DispatcherConfig) Validate() error {
	if c.Workers <= 0 || c.QueueSize <= 0 || c.ClaimBatch <= 0 {
		return ErrInvalidConfig
	}
	if c.FetchInterval <= 0 || c.JobTimeout <= 0 || c.MaintenanceInterval <= 0 {
		return ErrInvalidConfig
	}
	if c.StuckAfter < c.JobTimeout {
		return ErrInvalidConfig
	}
	if c.Retention < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ---------------------------------------------------------------------------
// JobDispatcher
// ---------------------------------------------------------------------------

// JobDispatcher claims ready jobs from the durable queue and hands them to a
// pool of workers. Claimed jobs are PROCESSING in the database; jobs left in
// that state by a crash are moved back to PENDING by the maintenance loop.
type JobDispatcher struct {
	config DispatcherConfig
	repo   entitysync.JobRepository
	runner JobRunner
	logger *zap.Logger
	now    func() time.Time

	jobs        chan *entitysync.SyncJob
	wake        chan struct{}
	fetchCancel context.CancelFunc
	workCancel  context.CancelFunc
	loopsWg     sync.WaitGroup
	workersWg   sync.WaitGroup
	mu          sync.Mutex
	isRunning   bool
}

// NewJobDispatcher creates a new job dispatcher
func NewJobDispatcher(config DispatcherConfig, repo entitysync.JobRepository, runner JobRunner, logger *zap.Logger) (*JobDispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobDispatcher{
		config: config,
		repo:   repo,
		runner: runner,
		logger: logger,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}, nil
}

// Start starts the fetch loop, the maintenance loop and the workers
func (d *JobDispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		return nil
	}
	d.isRunning = true
	d.jobs = make(chan *entitysync.SyncJob, d.config.QueueSize)
	d.mu.Unlock()

	fetchCtx, fetchCancel := context.WithCancel(ctx)
	// Workers outlive the fetch loop so buffered jobs drain on Stop.
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	d.fetchCancel = fetchCancel
	d.workCancel = workCancel

	for i := 0; i < d.config.Workers; i++ {
		d.workersWg.Add(1)
		go d.worker(workCtx, i)
	}

	d.loopsWg.Add(2)
	go d.fetchLoop(fetchCtx)
	go d.maintenanceLoop(fetchCtx)

	d.logger.Info("job dispatcher started",
		zap.Int("workers", d.config.Workers),
		zap.Int("claim_batch", d.config.ClaimBatch),
		zap.Duration("fetch_interval", d.config.FetchInterval),
	)
	return nil
}

// Stop stops claiming new jobs and waits for the workers to finish what was
// already claimed. When ctx expires first, running jobs are cancelled.
func (d *JobDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return ErrDispatcherNotRunning
	}
	d.isRunning = false
	d.mu.Unlock()

	d.fetchCancel()
	d.loopsWg.Wait()
	close(d.jobs)

	done := make(chan struct{})
	go func() {
		d.workersWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.workCancel()
		d.logger.Info("job dispatcher stopped gracefully")
		return nil
	case <-ctx.Done():
		d.workCancel()
		<-done
		d.logger.Warn("job dispatcher stop timed out, running jobs cancelled")
		return ctx.Err()
	}
}

// IsRunning reports whether the dispatcher is started
func (d *JobDispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isRunning
}

// Wake asks the fetch loop to claim jobs now instead of at the next tick
func (d *JobDispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *JobDispatcher) fetchLoop(ctx context.Context) {
	defer d.loopsWg.Done()

	ticker := time.NewTicker(d.config.FetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
		d.fetch(ctx)
	}
}

// fetch claims as many jobs as the hand-off channel has room for
func (d *JobDispatcher) fetch(ctx context.Context) {
	free := cap(d.jobs) - len(d.jobs)
	limit := min(d.config.ClaimBatch, free)
	if limit <= 0 {
		return
	}

	claimed, err := d.repo.ClaimReady(ctx, d.now(), limit)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("failed to claim sync jobs", zap.Error(err))
		}
		return
	}

	for _, job := range claimed {
		select {
		case d.jobs <- job:
		case <-ctx.Done():
			// Left PROCESSING; recovered by the next maintenance pass.
			return
		}
	}
}

func (d *JobDispatcher) worker(ctx context.Context, workerID int) {
	defer d.workersWg.Done()

	d.logger.Debug("sync worker started", zap.Int("worker_id", workerID))
	for job := range d.jobs {
		d.processJob(ctx, job, workerID)
	}
	d.logger.Debug("sync worker stopped", zap.Int("worker_id", workerID))
}

func (d *JobDispatcher) processJob(ctx context.Context, job *entitysync.SyncJob, workerID int) {
	jobCtx, cancel := context.WithTimeout(ctx, d.config.JobTimeout)
	defer cancel()
	jobCtx, _ = logger.WithJobID(jobCtx, d.logger, job.ID.String())

	started := d.now()
	err := d.runner.Run(jobCtx, job)
	duration := d.now().Sub(started)

	if err == nil {
		job.MarkSucceeded()
		d.logger.Debug("sync job succeeded",
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID.String()),
			zap.String("dedup_key", job.DedupKey),
			zap.Duration("duration", duration),
		)
	} else {
		job.MarkFailed(err.Error(), d.config.RetryBaseDelay)
		fields := []zap.Field{
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID.String()),
			zap.String("dedup_key", job.DedupKey),
			zap.Int("retry_count", job.RetryCount),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Duration("duration", duration),
			zap.Error(err),
		}
		if job.IsDead() {
			d.logger.Error("sync job moved to dead queue", fields...)
		} else {
			fields = append(fields, zap.Timep("next_retry_at", job.NextRetryAt))
			d.logger.Warn("sync job failed, retry scheduled", fields...)
		}
	}

	updateCtx, cancelUpdate := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancelUpdate()
	if err := d.repo.Update(updateCtx, job); err != nil {
		d.logger.Error("failed to record sync job status",
			zap.String("job_id", job.ID.String()),
			zap.String("status", string(job.Status)),
			zap.Error(err),
		)
	}
}

func (d *JobDispatcher) maintenanceLoop(ctx context.Context) {
	defer d.loopsWg.Done()

	d.maintain(ctx)

	ticker := time.NewTicker(d.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.maintain(ctx)
		}
	}
}

// maintain recovers abandoned jobs and purges old finished ones
func (d *JobDispatcher) maintain(ctx context.Context) {
	now := d.now()

	recovered, err := d.repo.RecoverStuck(ctx, now.Add(-d.config.StuckAfter))
	switch {
	case err != nil && ctx.Err() == nil:
		d.logger.Error("failed to recover stuck sync jobs", zap.Error(err))
	case recovered > 0:
		d.logger.Warn("recovered stuck sync jobs", zap.Int64("count", recovered))
	}

	if d.config.Retention <= 0 {
		return
	}
	purged, err := d.repo.DeleteFinishedBefore(ctx, now.Add(-d.config.Retention))
	switch {
	case err != nil && ctx.Err() == nil:
		d.logger.Error("failed to purge finished sync jobs", zap.Error(err))
	case purged > 0:
		d.logger.Info("purged finished sync jobs", zap.Int64("count", purged))
	}
}
