package entitysync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the status of a queued sync job
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusSucceeded  JobStatus = "SUCCEEDED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusDead       JobStatus = "DEAD"
)

// Default retry configuration
const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 2 * time.Second
)

// SyncJob is a durable queue entry. DedupKey is unique across the queue so a
// re-delivered trigger collapses onto the job it already produced.
type SyncJob struct {
	ID          uuid.UUID
	DedupKey    string
	Kind        JobKind
	Payload     []byte
	Status      JobStatus
	RetryCount  int
	MaxAttempts int
	LastError   string
	NextRetryAt *time.Time
	ProcessedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewSyncJob encodes payload into a new pending job
func NewSyncJob(dedupKey string, payload JobPayload) (*SyncJob, error) {
	if dedupKey == "" {
		return nil, ErrMissingEventID
	}
	kind, data, err := EncodeJobPayload(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &SyncJob{
		ID:          uuid.New(),
		DedupKey:    dedupKey,
		Kind:        kind,
		Payload:     data,
		Status:      JobStatusPending,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Decode returns the typed payload of the job
func (j *SyncJob) Decode() (JobPayload, error) {
	return DecodeJobPayload(j.Kind, j.Payload)
}

// CanRetry returns true if the job failed and has attempts left
func (j *SyncJob) CanRetry() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxAttempts
}

// MarkProcessing marks the job as claimed by a worker
func (j *SyncJob) MarkProcessing() error {
	if j.Status != JobStatusPending && j.Status != JobStatusFailed {
		return ErrJobNotClaimable
	}
	j.Status = JobStatusProcessing
	j.UpdatedAt = time.Now()
	return nil
}

// MarkSucceeded marks the job as done
func (j *SyncJob) MarkSucceeded() {
	now := time.Now()
	j.Status = JobStatusSucceeded
	j.LastError = ""
	j.NextRetryAt = nil
	j.ProcessedAt = &now
	j.UpdatedAt = now
}

// MarkFailed records a failed attempt and schedules the next one with
// exponential backoff (base, 2*base, 4*base, ...). Once RetryCount reaches
// MaxAttempts the job is parked as DEAD.
func (j *SyncJob) MarkFailed(errMsg string, base time.Duration) {
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	j.RetryCount++
	j.LastError = errMsg
	j.UpdatedAt = time.Now()

	if j.RetryCount >= j.MaxAttempts {
		j.Status = JobStatusDead
		j.NextRetryAt = nil
		return
	}

	j.Status = JobStatusFailed
	backoff := base * time.Duration(1<<uint(j.RetryCount-1))
	next := time.Now().Add(backoff)
	j.NextRetryAt = &next
}

// ResetForRetry moves a dead job back to pending for manual replay
func (j *SyncJob) ResetForRetry() error {
	if j.Status != JobStatusDead {
		return ErrJobNotDead
	}
	j.Status = JobStatusPending
	j.RetryCount = 0
	j.LastError = ""
	j.NextRetryAt = nil
	j.UpdatedAt = time.Now()
	return nil
}

// IsDead returns true if the job exhausted its attempts
func (j *SyncJob) IsDead() bool {
	return j.Status == JobStatusDead
}

// ---------------------------------------------------------------------------
// JobRepository Interface
// ---------------------------------------------------------------------------

// JobRepository defines the interface for the durable sync job queue
type JobRepository interface {
	// Enqueue inserts the job unless a job with the same DedupKey exists.
	// Returns false when the job was deduplicated.
	Enqueue(ctx context.Context, job *SyncJob) (bool, error)
	// ClaimReady atomically marks up to limit pending or due-for-retry jobs as
	// PROCESSING and returns them. Rows locked by another claimer are skipped.
	ClaimReady(ctx context.Context, now time.Time, limit int) ([]*SyncJob, error)
	// Update writes the job's status fields
	Update(ctx context.Context, job *SyncJob) error
	// FindByID retrieves a single job
	FindByID(ctx context.Context, id uuid.UUID) (*SyncJob, error)
	// FindDead retrieves dead jobs with pagination
	FindDead(ctx context.Context, page, pageSize int) ([]*SyncJob, int64, error)
	// CountByStatus returns the number of jobs per status
	CountByStatus(ctx context.Context) (map[JobStatus]int64, error)
	// RecoverStuck moves jobs left PROCESSING since before olderThan back to PENDING
	RecoverStuck(ctx context.Context, olderThan time.Time) (int64, error)
	// DeleteFinishedBefore deletes succeeded jobs processed before the given time
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}
