package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DBInstrumentationConfig controls query tracing and query/pool metrics.
type DBInstrumentationConfig struct {
	Tracing            bool
	Metrics            bool
	WithQueryVariables bool          // dev only; bound values can carry customer data
	SlowQueryThreshold time.Duration // Default: 200ms
	PoolStatsInterval  time.Duration // Default: 15s
	DBSystem           string        // Default: postgresql
}

func (c *DBInstrumentationConfig) applyDefaults() {
	if c.SlowQueryThreshold <= 0 {
		c.SlowQueryThreshold = 200 * time.Millisecond
	}
	if c.PoolStatsInterval <= 0 {
		c.PoolStatsInterval = 15 * time.Second
	}
	if c.DBSystem == "" {
		c.DBSystem = "postgresql"
	}
}

// DBInstrumentation is a gorm plugin that times every statement, annotates
// the active span and records query and connection pool metrics.
type DBInstrumentation struct {
	config DBInstrumentationConfig
	logger *zap.Logger

	queryTotal      *Counter
	queryDuration   *Histogram
	slowQueryTotal  *Counter
	poolConnections *Gauge
	poolMax         *Gauge

	sqlDB    *sql.DB
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// InstrumentDB registers otelgorm (when tracing) and the timing callbacks on db.
// It returns nil when both tracing and metrics are off.
func InstrumentDB(db *gorm.DB, meter metric.Meter, cfg DBInstrumentationConfig, logger *zap.Logger) (*DBInstrumentation, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Tracing && !cfg.Metrics {
		logger.Debug("database instrumentation disabled")
		return nil, nil
	}
	cfg.applyDefaults()

	d := &DBInstrumentation{config: cfg, logger: logger, stopCh: make(chan struct{})}

	if cfg.Metrics {
		if meter == nil {
			return nil, errors.New("InstrumentDB: meter cannot be nil when metrics are enabled")
		}
		if err := d.initInstruments(meter); err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		d.sqlDB = sqlDB
	}

	// Registered ahead of otelgorm so the after hooks still see a recording span.
	if err := db.Use(d); err != nil {
		return nil, err
	}

	if cfg.Tracing {
		opts := []otelgorm.Option{otelgorm.WithDBName(cfg.DBSystem)}
		if !cfg.WithQueryVariables {
			opts = append(opts, otelgorm.WithoutQueryVariables())
		}
		if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
			return nil, err
		}
	}

	logger.Info("database instrumentation registered",
		zap.Bool("tracing", cfg.Tracing),
		zap.Bool("metrics", cfg.Metrics),
		zap.Duration("slow_query_threshold", cfg.SlowQueryThreshold),
	)
	return d, nil
}

func (d *DBInstrumentation) initInstruments(meter metric.Meter) error {
	var err error
	if d.queryTotal, err = NewCounter(meter, "db_query_total", "Database queries by operation", "{query}"); err != nil {
		return err
	}
	if d.queryDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "db_query_duration_seconds",
		Description: "Database query latency",
		Unit:        "s",
		Boundaries:  DBDurationBuckets,
	}); err != nil {
		return err
	}
	if d.slowQueryTotal, err = NewCounter(meter, "db_slow_query_total", "Queries slower than the configured threshold", "{query}"); err != nil {
		return err
	}
	if d.poolConnections, err = NewGauge(meter, "db_pool_connections", "Pool connections by state", "{connection}"); err != nil {
		return err
	}
	d.poolMax, err = NewGauge(meter, "db_pool_connections_max", "Maximum open connections", "{connection}")
	return err
}

// Name implements gorm.Plugin.
func (d *DBInstrumentation) Name() string {
	return "syncbridge:db_instrumentation"
}

// Initialize implements gorm.Plugin.
func (d *DBInstrumentation) Initialize(db *gorm.DB) error {
	for _, op := range []string{"create", "query", "update", "delete", "row", "raw"} {
		if err := registerAround(db, op, d.before, d.afterFunc(op)); err != nil {
			return err
		}
	}
	return nil
}

func registerAround(db *gorm.DB, op string, before, after func(*gorm.DB)) error {
	anchor := "gorm:" + op
	beforeName := "syncbridge:before_" + op
	afterName := "syncbridge:after_" + op

	cb := db.Callback()
	switch op {
	case "create":
		return errors.Join(cb.Create().Before(anchor).Register(beforeName, before), cb.Create().After(anchor).Register(afterName, after))
	case "query":
		return errors.Join(cb.Query().Before(anchor).Register(beforeName, before), cb.Query().After(anchor).Register(afterName, after))
	case "update":
		return errors.Join(cb.Update().Before(anchor).Register(beforeName, before), cb.Update().After(anchor).Register(afterName, after))
	case "delete":
		return errors.Join(cb.Delete().Before(anchor).Register(beforeName, before), cb.Delete().After(anchor).Register(afterName, after))
	case "row":
		return errors.Join(cb.Row().Before(anchor).Register(beforeName, before), cb.Row().After(anchor).Register(afterName, after))
	default:
		return errors.Join(cb.Raw().Before(anchor).Register(beforeName, before), cb.Raw().After(anchor).Register(afterName, after))
	}
}

type queryStartKey struct{}

func (d *DBInstrumentation) before(db *gorm.DB) {
	ctx := db.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}
	db.Statement.Context = context.WithValue(ctx, queryStartKey{}, time.Now())
}

func (d *DBInstrumentation) afterFunc(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil {
			return
		}
		var elapsed time.Duration
		if start, ok := ctx.Value(queryStartKey{}).(time.Time); ok {
			elapsed = time.Since(start)
		}

		operation := operationFor(op, db.Statement.SQL.String())
		if d.config.Metrics {
			d.RecordQuery(ctx, operation, db.Statement.Table, elapsed)
		}
		if d.config.Tracing {
			d.annotateSpan(ctx, db, elapsed)
		}
	}
}

func operationFor(op, sqlText string) string {
	switch op {
	case "create":
		return "INSERT"
	case "query":
		return "SELECT"
	case "update":
		return "UPDATE"
	case "delete":
		return "DELETE"
	default:
		return detectOperationType(sqlText)
	}
}

func detectOperationType(sqlText string) string {
	sqlText = strings.ToUpper(strings.TrimSpace(sqlText))
	for _, op := range []string{"SELECT", "INSERT", "UPDATE", "DELETE"} {
		if strings.HasPrefix(sqlText, op) {
			return op
		}
	}
	return "OTHER"
}

// RecordQuery records one statement's count, latency and slow-query flag.
func (d *DBInstrumentation) RecordQuery(ctx context.Context, operation, table string, elapsed time.Duration) {
	if d.queryTotal == nil {
		return
	}
	if operation == "" {
		operation = "OTHER"
	}
	d.queryTotal.Inc(ctx, AttrDBOperation.String(operation))
	d.queryDuration.RecordDuration(ctx, elapsed, AttrDBOperation.String(operation))

	if elapsed > d.config.SlowQueryThreshold {
		if table == "" {
			table = "unknown"
		}
		d.slowQueryTotal.Inc(ctx, AttrDBTable.String(table))
	}
}

func (d *DBInstrumentation) annotateSpan(ctx context.Context, db *gorm.DB, elapsed time.Duration) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	if db.Statement.Table != "" {
		span.SetAttributes(attribute.String("db.sql.table", db.Statement.Table))
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

	if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
		span.SetStatus(codes.Error, db.Error.Error())
		span.RecordError(db.Error)
	}
	if elapsed > d.config.SlowQueryThreshold {
		span.SetAttributes(attribute.Bool("db.slow_query", true))
		span.AddEvent("slow_query", trace.WithAttributes(
			attribute.Int64("duration_ms", elapsed.Milliseconds()),
			attribute.Int64("threshold_ms", d.config.SlowQueryThreshold.Milliseconds()),
		))
	}
}

// StartPoolStats samples sql.DB pool stats until Stop or ctx is done.
func (d *DBInstrumentation) StartPoolStats(ctx context.Context) {
	if d.sqlDB == nil {
		d.logger.Debug("pool stats skipped: metrics disabled")
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.config.PoolStatsInterval)
		defer ticker.Stop()

		d.collectPoolStats(ctx)
		for {
			select {
			case <-ticker.C:
				d.collectPoolStats(ctx)
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (d *DBInstrumentation) collectPoolStats(ctx context.Context) {
	stats := d.sqlDB.Stats()
	d.poolMax.Record(ctx, int64(stats.MaxOpenConnections))
	d.poolConnections.Record(ctx, int64(stats.Idle), AttrDBState.String("idle"))
	d.poolConnections.Record(ctx, int64(stats.InUse), AttrDBState.String("in_use"))
	d.poolConnections.Record(ctx, int64(stats.OpenConnections), AttrDBState.String("open"))
}

// Stop ends pool sampling. Safe to call more than once.
func (d *DBInstrumentation) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.wg.Wait()
	})
}
