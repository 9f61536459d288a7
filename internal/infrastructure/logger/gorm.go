package logger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// defaultSlowQuery matches the db instrumentation threshold
const defaultSlowQuery = 200 * time.Millisecond

// GormLogger routes gorm's statement log into zap. Statements executed from a
// queue job or an HTTP request carry its job_id or request_id.
type GormLogger struct {
	logger *zap.Logger
	level  gormlogger.LogLevel
	slow   time.Duration
}

// NewGormLogger creates a GormLogger. slow <= 0 selects the 200ms default.
func NewGormLogger(l *zap.Logger, level gormlogger.LogLevel, slow ...time.Duration) *GormLogger {
	g := &GormLogger{logger: l.Named("gorm"), level: level, slow: defaultSlowQuery}
	if len(slow) > 0 && slow[0] > 0 {
		g.slow = slow[0]
	}
	return g
}

// LogMode implements gormlogger.Interface
func (g *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *g
	clone.level = level
	return &clone
}

func (g *GormLogger) Info(ctx context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Info {
		g.logger.With(correlationFields(ctx)...).Sugar().Infof(msg, args...)
	}
}

func (g *GormLogger) Warn(ctx context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Warn {
		g.logger.With(correlationFields(ctx)...).Sugar().Warnf(msg, args...)
	}
}

func (g *GormLogger) Error(ctx context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Error {
		g.logger.With(correlationFields(ctx)...).Sugar().Errorf(msg, args...)
	}
}

// Trace logs failed statements at error, slow ones at warn and the rest at
// debug. Record-not-found is expected on mapping lookups and is never logged.
func (g *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)

	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)
	slow := elapsed > g.slow
	switch {
	case failed && g.level >= gormlogger.Error:
	case slow && g.level >= gormlogger.Warn:
	case g.level >= gormlogger.Info:
	default:
		return
	}

	sql, rows := fc()
	fields := append([]zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("sql", sql),
	}, correlationFields(ctx)...)

	switch {
	case failed:
		g.logger.Error("sql error", append(fields, zap.Error(err))...)
	case slow:
		g.logger.Warn("slow sql", append(fields, zap.Duration("threshold", g.slow))...)
	default:
		g.logger.Debug("sql", fields...)
	}
}

// MapGormLogLevel maps log.level onto gorm's levels. Debug enables statement logging.
func MapGormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "debug":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

var _ gormlogger.Interface = (*GormLogger)(nil)
