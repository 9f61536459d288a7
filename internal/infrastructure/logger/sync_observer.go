package logger

import (
	"context"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SyncEventLogger writes orchestrator events as structured log entries.
// Intermediate steps are logged at debug, outcomes at info, failures at error.
type SyncEventLogger struct {
	logger *zap.Logger
}

// NewSyncEventLogger creates a SyncEventLogger
func NewSyncEventLogger(l *zap.Logger) *SyncEventLogger {
	return &SyncEventLogger{logger: l.Named("entitysync")}
}

// OnSyncEvent implements entitysync.Observer
func (s *SyncEventLogger) OnSyncEvent(ctx context.Context, e entitysync.Event) {
	level := eventLevel(e.Step)
	l := WithTraceContext(ctx, s.logger)
	if ce := l.Check(level, "sync "+string(e.Step)); ce != nil {
		ce.Write(eventFields(e)...)
	}
}

func eventLevel(step entitysync.Step) zapcore.Level {
	switch step {
	case entitysync.StepFailed:
		return zapcore.ErrorLevel
	case entitysync.StepConflict, entitysync.StepLeaseDenied, entitysync.StepOrphanLogClosed, entitysync.StepNaturalKeySkip:
		return zapcore.WarnLevel
	case entitysync.StepSucceeded, entitysync.StepSkippedLoop, entitysync.StepSkippedUnchanged:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func eventFields(e entitysync.Event) []zap.Field {
	fields := []zap.Field{
		zap.String("transaction_id", e.TransactionID),
		zap.String("entity_type", string(e.EntityType)),
		zap.String("side", string(e.Side)),
		zap.String("entity_id", e.EntityID),
	}
	if e.TargetEntityID != "" {
		fields = append(fields, zap.String("target_entity_id", e.TargetEntityID))
	}
	if e.SyncLogID != "" {
		fields = append(fields, zap.String("sync_log_id", e.SyncLogID))
	}
	if e.MappingID != "" {
		fields = append(fields, zap.String("mapping_id", e.MappingID))
	}
	if e.Outcome != "" {
		fields = append(fields, zap.String("outcome", string(e.Outcome)))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.Duration > 0 {
		fields = append(fields, zap.Duration("duration", e.Duration))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}
	return fields
}

var _ entitysync.Observer = (*SyncEventLogger)(nil)
