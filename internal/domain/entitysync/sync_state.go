package entitysync

import (
	"context"
	"fmt"
	"time"
)

// SyncState is the poll watermark for one (system, entity type) scope
type SyncState struct {
	// Scope is "{system}:{entityType}"
	Scope string
	// Watermark is the modification time up to which changes have been enumerated
	Watermark time.Time
	// LastSuccessAt is when enumeration last succeeded
	LastSuccessAt *time.Time
	// LastAttemptAt is when enumeration was last attempted
	LastAttemptAt *time.Time
	// LastError is the error of the last failed attempt
	LastError string
	// Stats holds counters of the last successful poll
	Stats PollStats
	UpdatedAt time.Time
}

// PollStats summarizes one poll run
type PollStats struct {
	Listed  int `json:"listed"`
	Batches int `json:"batches"`
	Queued  int `json:"queued"`
}

// StateScope returns the scope key of a system and entity type
func StateScope(system System, entityType EntityType) string {
	return fmt.Sprintf("%s:%s", system, entityType)
}

// RecordSuccess advances the watermark; it never moves backwards
func (s *SyncState) RecordSuccess(watermark time.Time, stats PollStats, at time.Time) {
	if watermark.After(s.Watermark) {
		s.Watermark = watermark
	}
	s.LastSuccessAt = &at
	s.LastAttemptAt = &at
	s.LastError = ""
	s.Stats = stats
	s.UpdatedAt = at
}

// RecordFailure records a failed attempt, leaving the watermark untouched
func (s *SyncState) RecordFailure(err error, at time.Time) {
	s.LastAttemptAt = &at
	if err != nil {
		s.LastError = err.Error()
	}
	s.UpdatedAt = at
}

// SyncStateRepository persists poll watermarks
type SyncStateRepository interface {
	// Get returns the state for scope, or a zero state with that scope if none is stored
	Get(ctx context.Context, scope string) (*SyncState, error)
	// Save upserts the state
	Save(ctx context.Context, state *SyncState) error
}
