package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	appsync "github.com/erp/syncbridge/internal/application/entitysync"
	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/erp/syncbridge/internal/infrastructure/cache"
	"github.com/erp/syncbridge/internal/infrastructure/config"
	"github.com/erp/syncbridge/internal/infrastructure/connector"
	"github.com/erp/syncbridge/internal/infrastructure/lease"
	"github.com/erp/syncbridge/internal/infrastructure/logger"
	"github.com/erp/syncbridge/internal/infrastructure/persistence"
	"github.com/erp/syncbridge/internal/infrastructure/scheduler"
	"github.com/erp/syncbridge/internal/infrastructure/telemetry"
	"github.com/erp/syncbridge/internal/interfaces/http/handler"
	"github.com/erp/syncbridge/internal/interfaces/http/middleware"
	"github.com/erp/syncbridge/internal/interfaces/http/router"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	cfg, watcher, err := config.NewWatcher()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	log, level, err := logger.NewWithLevel(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// Telemetry
	providers, err := telemetry.NewProviders(rootCtx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		Insecure:          cfg.Telemetry.Insecure,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		MetricsInterval:   cfg.Telemetry.MetricsInterval,
		LogsEnabled:       cfg.Telemetry.LogsEnabled,
	}, log)
	if err != nil {
		log.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	if cfg.Telemetry.LogsEnabled {
		minLevel, err := zapcore.ParseLevel(cfg.Telemetry.LogsMinLevel)
		if err != nil {
			minLevel = zapcore.InfoLevel
		}
		log = log.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, providers.LogCore(minLevel))
		}))
	}

	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:           cfg.Telemetry.Profiling.Enabled,
		ServerAddress:     cfg.Telemetry.Profiling.ServerAddress,
		ApplicationName:   cfg.Telemetry.ServiceName,
		BasicAuthUser:     cfg.Telemetry.Profiling.BasicAuthUser,
		BasicAuthPassword: cfg.Telemetry.Profiling.BasicAuthPass,
	}, log)
	if err != nil {
		log.Fatal("failed to start profiler", zap.Error(err))
	}
	if profiler.IsEnabled() {
		providers.EnableSpanProfiles()
	}

	log.Info("starting syncbridge",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
		zap.Bool("telemetry", providers.IsEnabled()),
	)

	if watcher.Watch(func(next *config.Config, err error) {
		if err != nil {
			log.Warn("config reload failed", zap.Error(err))
			return
		}
		logger.SetLevel(level, next.Log.Level)
		log.Info("log level reloaded", zap.String("level", next.Log.Level))
	}) {
		log.Debug("watching config file for changes")
	}

	// Database
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level))
	db, err := persistence.NewDatabaseWithLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("error closing database", zap.Error(err))
		}
	}()
	log.Info("database connected", zap.String("driver", cfg.Database.Driver))

	if err := db.Migrate(log); err != nil {
		log.Fatal("failed to migrate schema", zap.Error(err))
	}

	dbInstr, err := telemetry.InstrumentDB(db.DB, providers.Meter("syncbridge/db"), telemetry.DBInstrumentationConfig{
		Tracing:  cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		Metrics:  cfg.Telemetry.Enabled && cfg.Telemetry.DBMetricsEnabled,
		DBSystem: dbSystem(db.Driver()),
	}, log)
	if err != nil {
		log.Fatal("failed to instrument database", zap.Error(err))
	}
	if dbInstr != nil {
		dbInstr.StartPoolStats(rootCtx)
	}

	// Repositories
	mappingRepo := persistence.NewGormEntityMappingRepository(db.DB)
	jobRepo := persistence.NewGormSyncJobRepository(db.DB)
	logRepo := persistence.NewGormSyncLogRepository(db.DB)
	stateRepo := persistence.NewGormSyncStateRepository(db.DB)

	// Redis-backed stores, in-process outside production when Redis is off
	cacheFactory := cache.NewFactory(cfg.Redis,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(cfg.App.Env != "production"),
	)
	dedupStore, err := cacheFactory.CreateIdempotencyStore()
	if err != nil {
		log.Fatal("failed to create idempotency store", zap.Error(err))
	}
	redisClient, err := cacheFactory.RedisClient()
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	leaseManager := lease.NewManager(redisClient, log)

	// Sync engine
	resolver, err := entitysync.NewConflictResolver(cfg.Sync.ConflictPolicy, entitysync.System(cfg.Sync.MasterSystem))
	if err != nil {
		log.Fatal("invalid conflict policy", zap.Error(err))
	}
	clients := connector.NewDefaultRegistry(cfg.CRM, cfg.Finance, log)

	syncMetrics, err := telemetry.NewSyncMetrics(telemetry.SyncMetricsConfig{
		Meter:         providers.Meter("syncbridge/sync"),
		Logger:        log,
		QueueProvider: jobRepo,
	})
	if err != nil {
		log.Fatal("failed to create sync metrics", zap.Error(err))
	}
	syncMetrics.StartPeriodicCollection(rootCtx, cfg.Telemetry.MetricsInterval)

	orchestrator := appsync.NewOrchestrator(appsync.OrchestratorDeps{
		Mappings:    mappingRepo,
		Logs:        logRepo,
		Clients:     clients,
		Transformer: connector.NewMapper(cfg.Finance.DefaultRegion),
		Resolver:    resolver,
		Leases:      leaseManager,
	},
		appsync.WithObserver(entitysync.MultiObserver{
			logger.NewSyncEventLogger(log),
			syncMetrics,
			telemetry.SpanEventObserver{},
		}),
		appsync.WithLeaseTTL(cfg.Sync.LeaseTTL),
		appsync.WithLoopDetector(entitysync.NewLoopDetector(mappingRepo, entitysync.WithGuardWindow(cfg.Sync.GuardWindow))),
		appsync.WithLogger(log),
	)

	ingestService, err := appsync.NewIngestService(jobRepo, dedupStore, appsync.IngestConfig{
		DedupTTL:    cfg.Sync.DedupTTL,
		MaxAttempts: cfg.Sync.MaxAttempts,
	}, log)
	if err != nil {
		log.Fatal("failed to create ingest service", zap.Error(err))
	}
	pollService := appsync.NewPollService(clients, stateRepo, jobRepo, mappingRepo, appsync.PollConfig{
		BatchSize:   cfg.Sync.PollBatchSize,
		Lookback:    cfg.Sync.PollLookback,
		MaxAttempts: cfg.Sync.MaxAttempts,
	}, log)
	adminService := appsync.NewQueueAdminService(jobRepo, logRepo, log)

	// Background workers
	dispatcherCfg := scheduler.DefaultDispatcherConfig()
	dispatcherCfg.Workers = cfg.Sync.Workers
	dispatcherCfg.QueueSize = cfg.Sync.QueueSize
	dispatcherCfg.FetchInterval = cfg.Sync.FetchInterval
	dispatcherCfg.ClaimBatch = cfg.Sync.ClaimBatch
	dispatcherCfg.RetryBaseDelay = cfg.Sync.RetryBaseDelay
	dispatcherCfg.StuckAfter = cfg.Sync.StuckAfter
	dispatcherCfg.Retention = cfg.Sync.JobRetention

	runner := scheduler.NewProfiledRunner(appsync.NewJobRunner(orchestrator, log))
	dispatcher, err := scheduler.NewJobDispatcher(dispatcherCfg, jobRepo, runner, log)
	if err != nil {
		log.Fatal("invalid dispatcher configuration", zap.Error(err))
	}
	if err := dispatcher.Start(rootCtx); err != nil {
		log.Fatal("failed to start job dispatcher", zap.Error(err))
	}

	var pollTrigger *scheduler.PollTrigger
	if cfg.Sync.PollEnabled {
		pollTrigger, err = scheduler.NewPollTrigger(scheduler.PollTriggerConfig{
			Interval:   cfg.Sync.PollInterval,
			Scopes:     scheduler.DefaultPollScopes(),
			StaleAfter: cfg.Sync.StaleAfter,
		},
			func(ctx context.Context, system entitysync.System, entityType entitysync.EntityType) error {
				_, err := pollService.Poll(ctx, system, entityType)
				return err
			},
			func(ctx context.Context, entityType entitysync.EntityType, olderThan time.Duration) error {
				_, err := pollService.SweepStale(ctx, entityType, olderThan)
				return err
			},
			log,
		)
		if err != nil {
			log.Fatal("invalid poll configuration", zap.Error(err))
		}
		if err := pollTrigger.Start(rootCtx); err != nil {
			log.Fatal("failed to start poll trigger", zap.Error(err))
		}
	}

	// HTTP
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.SetupValidator()

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
		log.Fatal("invalid trusted proxies", zap.Error(err))
	}
	engine.Use(
		logger.Recovery(log),
		middleware.RequestID(),
		middleware.Tracing(middleware.TracingConfig{ServiceName: cfg.Telemetry.ServiceName, Enabled: providers.IsEnabled()}),
		middleware.SpanAttributes(),
		middleware.SpanErrorMarker(),
		logger.GinMiddleware(log),
		middleware.SecureHeaders(),
		middleware.HTTPMetrics(providers.Meter("syncbridge/http"), log),
		middleware.Profiling(middleware.ProfilingConfig{
			Enabled:   profiler.IsEnabled(),
			SkipPaths: middleware.DefaultProfilingConfig().SkipPaths,
		}),
		middleware.BodyLimit(cfg.HTTP.MaxBodySize),
		middleware.Timeout(cfg.HTTP.WriteTimeout),
	)

	checks := []handler.ReadinessCheck{{
		Name:  "database",
		Check: db.PingContext,
	}}
	if redisClient != nil {
		checks = append(checks, handler.ReadinessCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}

	var triggerLimiter *middleware.RateLimiter
	if cfg.HTTP.TriggerRateLimit > 0 {
		triggerLimiter = middleware.NewRateLimiter(cfg.HTTP.TriggerRateLimit, time.Minute)
	}

	r := router.NewRouter(engine, router.WithAPIVersion("v1"))
	router.SyncRoutes{
		Sync:              handler.NewSyncHandler(ingestService),
		Admin:             handler.NewQueueAdminHandler(adminService),
		Health:            handler.NewHealthHandler(version, 0, log, checks...),
		WebhookMaxPayload: cfg.HTTP.WebhookMaxPayload,
		Signature: middleware.WebhookSignatureConfig{
			SecretFor:     cfg.Webhook.Secret,
			AllowUnsigned: cfg.App.Env != "production",
			Logger:        log,
		},
		TriggerLimiter: triggerLimiter,
	}.Mount(r)
	r.Setup()
	log.Debug("routes mounted", zap.Strings("routes", r.Routes()))

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if pollTrigger != nil {
		if err := pollTrigger.Stop(ctx); err != nil {
			log.Warn("poll trigger stop", zap.Error(err))
		}
	}
	if err := dispatcher.Stop(ctx); err != nil {
		log.Warn("job dispatcher stop", zap.Error(err))
	}
	cancelRoot()

	syncMetrics.Stop()
	if triggerLimiter != nil {
		triggerLimiter.Stop()
	}
	if dbInstr != nil {
		dbInstr.Stop()
	}
	if err := dedupStore.Close(); err != nil {
		log.Warn("idempotency store close", zap.Error(err))
	}
	if err := cacheFactory.Close(); err != nil {
		log.Warn("cache close", zap.Error(err))
	}
	if err := providers.Shutdown(ctx); err != nil {
		log.Warn("telemetry shutdown", zap.Error(err))
	}
	if err := profiler.Stop(); err != nil {
		log.Warn("profiler stop", zap.Error(err))
	}

	log.Info("server exited gracefully")
}

func dbSystem(driver string) string {
	if driver == "sqlite" {
		return "sqlite"
	}
	return "postgresql"
}
