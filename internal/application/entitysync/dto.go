package entitysync

import (
	"time"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Ingestion DTOs
// ---------------------------------------------------------------------------

// IngestResult is returned for an accepted trigger
type IngestResult struct {
	EventID   string `json:"eventId"`
	Duplicate bool   `json:"duplicate"`
}

// ---------------------------------------------------------------------------
// Queue DTOs
// ---------------------------------------------------------------------------

// JobResponse represents a queued job in API responses
type JobResponse struct {
	ID          uuid.UUID            `json:"id"`
	DedupKey    string               `json:"dedup_key"`
	Kind        entitysync.JobKind   `json:"kind"`
	Status      entitysync.JobStatus `json:"status"`
	RetryCount  int                  `json:"retry_count"`
	MaxAttempts int                  `json:"max_attempts"`
	LastError   string               `json:"last_error,omitempty"`
	NextRetryAt *time.Time           `json:"next_retry_at,omitempty"`
	ProcessedAt *time.Time           `json:"processed_at,omitempty"`
	Payload     map[string]any       `json:"payload,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// JobListResponse is a page of jobs
type JobListResponse struct {
	Items    []JobResponse `json:"items"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// QueueStatsResponse summarizes the queue and the sync history
type QueueStatsResponse struct {
	Jobs map[entitysync.JobStatus]int64     `json:"jobs"`
	Logs map[entitysync.SyncLogStatus]int64 `json:"logs"`
}

// ToJobResponse converts a domain job into its API form
func ToJobResponse(job *entitysync.SyncJob) JobResponse {
	resp := JobResponse{
		ID:          job.ID,
		DedupKey:    job.DedupKey,
		Kind:        job.Kind,
		Status:      job.Status,
		RetryCount:  job.RetryCount,
		MaxAttempts: job.MaxAttempts,
		LastError:   job.LastError,
		NextRetryAt: job.NextRetryAt,
		ProcessedAt: job.ProcessedAt,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
	if payload, err := job.Decode(); err == nil {
		resp.Payload = payloadSummary(payload)
	}
	return resp
}

func payloadSummary(p entitysync.JobPayload) map[string]any {
	switch v := p.(type) {
	case *entitysync.EntityChangePayload:
		return map[string]any{
			"source":      v.Source,
			"event_id":    v.EventID,
			"entity_type": v.EntityType,
			"entity_id":   v.EntityID,
			"action":      v.Action,
			"trigger":     v.TriggerType,
		}
	case *entitysync.ChangeBatchPayload:
		return map[string]any{
			"source":       v.Source,
			"entity_type":  v.EntityType,
			"entity_ids":   v.EntityIDs,
			"window_start": v.WindowStart,
			"window_end":   v.WindowEnd,
			"trigger":      v.TriggerType,
		}
	}
	return nil
}
