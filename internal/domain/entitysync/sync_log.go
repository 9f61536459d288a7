package entitysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SyncLogStatus is the status of a sync attempt
type SyncLogStatus string

const (
	SyncLogPending    SyncLogStatus = "PENDING"
	SyncLogInProgress SyncLogStatus = "IN_PROGRESS"
	SyncLogSuccess    SyncLogStatus = "SUCCESS"
	SyncLogFailed     SyncLogStatus = "FAILED"
	SyncLogConflict   SyncLogStatus = "CONFLICT"
)

// IsTerminal returns true for SUCCESS, FAILED and CONFLICT
func (s SyncLogStatus) IsTerminal() bool {
	switch s {
	case SyncLogSuccess, SyncLogFailed, SyncLogConflict:
		return true
	}
	return false
}

// SyncLog records one sync attempt. It moves from PENDING or IN_PROGRESS to
// exactly one terminal status; CompletedAt and DurationMs are set only then.
type SyncLog struct {
	ID              uuid.UUID
	TransactionID   string
	EntityMappingID *uuid.UUID
	EntityType      EntityType
	Direction       Direction
	Status          SyncLogStatus
	TriggerType     TriggerType
	TriggerPayload  json.RawMessage

	SourceSystem   System
	TargetSystem   System
	SourceEntityID string
	TargetEntityID string

	SourceData       json.RawMessage
	TargetDataBefore json.RawMessage
	TargetDataAfter  json.RawMessage

	ErrorMessage string
	// ErrorStack lists the cause chain, one wrapped error per line, then the
	// goroutine stack at the point the attempt was failed
	ErrorStack   string
	// RetryCount is the number of earlier attempts of the same job; 0 on the first try
	RetryCount   int

	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMs  *int64
}

// NewSyncLog opens an IN_PROGRESS log row for a sync from source side
func NewSyncLog(transactionID string, entityType EntityType, source Side, sourceEntityID string, trigger TriggerType) *SyncLog {
	return &SyncLog{
		ID:             uuid.New(),
		TransactionID:  transactionID,
		EntityType:     entityType,
		Direction:      DirectionFrom(source),
		Status:         SyncLogInProgress,
		TriggerType:    trigger,
		SourceSystem:   source.System(),
		TargetSystem:   source.Opposite().System(),
		SourceEntityID: sourceEntityID,
		StartedAt:      time.Now(),
	}
}

// IsTerminal returns true once the log has been closed
func (l *SyncLog) IsTerminal() bool {
	return l.Status.IsTerminal()
}

// Complete closes the log as SUCCESS
func (l *SyncLog) Complete(targetEntityID string, targetDataAfter json.RawMessage) error {
	if err := l.close(SyncLogSuccess); err != nil {
		return err
	}
	l.TargetEntityID = targetEntityID
	l.TargetDataAfter = targetDataAfter
	return nil
}

// MarkConflict closes the log as CONFLICT with the resolver's reason
func (l *SyncLog) MarkConflict(reason string) error {
	if err := l.close(SyncLogConflict); err != nil {
		return err
	}
	l.ErrorMessage = reason
	return nil
}

// Fail closes the log as FAILED, capturing the error message, its wrap chain
// and the current stack
func (l *SyncLog) Fail(cause error) error {
	if err := l.close(SyncLogFailed); err != nil {
		return err
	}
	if cause != nil {
		l.ErrorMessage = cause.Error()
		l.ErrorStack = causeChain(cause) + "\n" + string(debug.Stack())
	}
	return nil
}

// causeChain renders err and everything it wraps, depth first
func causeChain(err error) string {
	var b strings.Builder
	var walk func(e error, depth int)
	walk = func(e error, depth int) {
		fmt.Fprintf(&b, "%s%T: %v\n", strings.Repeat("  ", depth), e, e)
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner, depth+1)
			}
		default:
			if inner := errors.Unwrap(e); inner != nil {
				walk(inner, depth+1)
			}
		}
	}
	walk(err, 0)
	return b.String()
}

func (l *SyncLog) close(status SyncLogStatus) error {
	if l.IsTerminal() {
		return ErrLogAlreadyTerminal
	}
	now := time.Now()
	duration := now.Sub(l.StartedAt).Milliseconds()
	l.Status = status
	l.CompletedAt = &now
	l.DurationMs = &duration
	return nil
}

// ---------------------------------------------------------------------------
// SyncLogRepository Interface
// ---------------------------------------------------------------------------

// SyncLogRepository persists sync attempts
type SyncLogRepository interface {
	// Create inserts a new log row
	Create(ctx context.Context, log *SyncLog) error

	// Close writes the terminal state of a log. Rows already terminal are
	// immutable and return shared.ErrInvalidState.
	Close(ctx context.Context, log *SyncLog) error

	// FindByID finds a log row by ID
	FindByID(ctx context.Context, id uuid.UUID) (*SyncLog, error)

	// FindByTransactionID returns all attempts of one logical transaction, oldest first
	FindByTransactionID(ctx context.Context, transactionID string) ([]SyncLog, error)

	// CountByStatus returns the number of rows per status
	CountByStatus(ctx context.Context) (map[SyncLogStatus]int64, error)
}
