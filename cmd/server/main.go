package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	billingapp "github.com/meterline/backend/internal/application/billing"
	"github.com/meterline/backend/internal/domain/shared"
	"github.com/meterline/backend/internal/infrastructure/cache"
	"github.com/meterline/backend/internal/infrastructure/config"
	"github.com/meterline/backend/internal/infrastructure/event"
	"github.com/meterline/backend/internal/infrastructure/logger"
	"github.com/meterline/backend/internal/infrastructure/payment"
	"github.com/meterline/backend/internal/infrastructure/persistence"
	"github.com/meterline/backend/internal/infrastructure/scheduler"
	"github.com/meterline/backend/internal/infrastructure/storage"
	"github.com/meterline/backend/internal/infrastructure/telemetry"
	"github.com/meterline/backend/internal/interfaces/http/handler"
	"github.com/meterline/backend/internal/interfaces/http/middleware"
	"github.com/meterline/backend/internal/interfaces/http/router"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceVersion = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	baseLog, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = baseLog.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// OpenTelemetry providers. Disabled telemetry yields no-op providers.
	telCfg := telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    serviceVersion,
		Insecure:          cfg.Telemetry.Insecure,
		MetricsInterval:   cfg.Telemetry.MetricsInterval,
	}
	tracerProvider, err := telemetry.NewTracerProvider(ctx, telCfg, baseLog)
	if err != nil {
		baseLog.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, telCfg, baseLog)
	if err != nil {
		baseLog.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	loggerProvider, err := telemetry.NewLoggerProvider(ctx, telCfg, baseLog)
	if err != nil {
		baseLog.Fatal("Failed to initialize logger provider", zap.Error(err))
	}
	log := loggerProvider.Bridge(baseLog, zapcore.InfoLevel)

	log.Info("Starting Meterline billing engine",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
	)

	// Database with zap-backed GORM logger and query tracing
	dbSystem := "postgresql"
	if cfg.Database.Driver == "sqlite" {
		dbSystem = "sqlite"
	}
	dbTracing := telemetry.NewDBTracingPlugin(telemetry.DBTracingConfig{
		Enabled:         cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
		SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
		DBSystem:        dbSystem,
	}, log)
	db, err := persistence.NewDatabase(&cfg.Database,
		persistence.WithGormLogger(logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
			logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh),
		)),
		persistence.WithPlugins(dbTracing),
	)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if db.IsSQLite() {
		// Postgres schemas are managed by cmd/migrate
		if err := db.AutoMigrate(); err != nil {
			log.Fatal("Failed to migrate sqlite schema", zap.Error(err))
		}
	}
	log.Info("Database connected successfully", zap.String("driver", cfg.Database.Driver))

	// Metrics and event bus
	metrics, err := telemetry.NewBillingMetrics(meterProvider.Meter("meterline/billing"), log)
	if err != nil {
		log.Fatal("Failed to register billing metrics", zap.Error(err))
	}
	bus := event.NewInMemoryEventBus(log)
	bus.Subscribe(metrics, metrics.EventTypes()...)
	alerts := billingapp.NewAccountAlertHandler(log)
	bus.Subscribe(alerts, alerts.EventTypes()...)

	// Repositories
	serializer := event.NewBillingEventSerializer()
	store := persistence.NewGormEventStore(db.DB, serializer,
		persistence.WithEventStoreLogger(log),
		persistence.WithCorruptRecordHook(metrics.RecordCorruptRecord),
	)
	projections := persistence.NewGormProjectionRepository(db.DB)
	usageRepo := persistence.NewGormMeteredUsageRepository(db.DB)

	// Application services
	commands := billingapp.NewCommandHandler(billingapp.CommandHandlerConfig{
		Store:       store,
		Projections: projections,
		Publisher:   bus,
		Recorder:    metrics,
		Logger:      log,
	})
	queries := billingapp.NewQueryService(billingapp.QueryServiceConfig{
		Store:               store,
		Recorder:            metrics,
		Logger:              log,
		LowBalanceThreshold: cfg.Billing.LowBalanceThreshold,
		TopUpTargetBuffer:   cfg.Billing.TopUpTargetBuffer,
	})
	archives := billingapp.NewArchiveService(billingapp.ArchiveServiceConfig{
		Store:         store,
		Storage:       newArchiveStorage(ctx, cfg, log),
		Encoder:       serializer,
		Logger:        log,
		Prefix:        cfg.Billing.ArchivePrefix,
		URLExpiration: cfg.Storage.PresignExpiration,
	})
	ingestion := billingapp.NewUsageIngestionService(billingapp.UsageIngestionServiceConfig{
		Usage:         usageRepo,
		Commands:      commands,
		Logger:        log,
		RetryAttempts: cfg.Billing.ConflictRetryAttempts,
		DefaultBatch:  cfg.Scheduler.UsageIngestionBatch,
	})

	// Background jobs
	cycleScheduler := scheduler.NewBillingCycleScheduler(projections, commands, metrics, log,
		scheduler.BillingCycleSchedulerConfig{
			Enabled:       cfg.Scheduler.Enabled,
			DayOfMonth:    cfg.Scheduler.BillingCycleDay,
			Hour:          cfg.Scheduler.BillingCycleHour,
			BatchSize:     cfg.Scheduler.BillingCycleBatchSize,
			RetryAttempts: cfg.Billing.ConflictRetryAttempts,
			CheckInterval: time.Minute,
			JobTimeout:    cfg.Scheduler.JobTimeout,
		})
	ingestionScheduler := scheduler.NewUsageIngestionScheduler(ingestion, metrics, log,
		scheduler.UsageIngestionSchedulerConfig{
			Enabled:    cfg.Scheduler.Enabled,
			Interval:   cfg.Scheduler.UsageIngestionInterval,
			BatchSize:  cfg.Scheduler.UsageIngestionBatch,
			JobTimeout: cfg.Scheduler.JobTimeout,
		})
	if err := cycleScheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start billing cycle scheduler", zap.Error(err))
	}
	if err := ingestionScheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start usage ingestion scheduler", zap.Error(err))
	}

	// HTTP
	engine, err := router.NewEngine(router.EngineConfig{
		Logger: log,
		Meter:  meterProvider.Meter("meterline/http"),
		Tracing: middleware.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Enabled:     cfg.Telemetry.Enabled,
		},
		TrustedProxies: cfg.HTTP.TrustedProxies,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		ReleaseMode:    cfg.App.Env == "production",
	})
	if err != nil {
		log.Fatal("Failed to build HTTP engine", zap.Error(err))
	}

	r := router.NewRouter(engine, router.WithAPIVersion("v1"))
	r.RegisterRoot(handler.NewHealthHandler(db))
	r.Register(handler.NewAccountHandler(handler.AccountHandlerConfig{
		Commands:         commands,
		Queries:          queries,
		Projections:      projections,
		Archives:         archives,
		Usage:            usageRepo,
		Currency:         cfg.Billing.Currency,
		DefaultAllotment: cfg.Billing.DefaultMonthlyCreditAllotment,
		RetryAttempts:    cfg.Billing.ConflictRetryAttempts,
	}))

	var idempotency shared.IdempotencyStore
	if cfg.Stripe.Enabled {
		parser, err := payment.NewStripeWebhookParser(&payment.StripeConfig{
			WebhookSecret:            cfg.Stripe.WebhookSecret,
			SignatureTolerance:       cfg.Stripe.SignatureTolerance,
			IgnoreAPIVersionMismatch: cfg.Stripe.IgnoreAPIVersionMismatch,
			Currency:                 cfg.Billing.Currency,
			AccountMetadataKey:       cfg.Stripe.AccountMetadataKey,
		}, log)
		if err != nil {
			log.Fatal("Invalid Stripe configuration", zap.Error(err))
		}
		idempotency, err = cache.NewIdempotencyStoreFactory(cfg.Redis,
			cache.WithLogger(log),
			cache.WithKeyPrefix(cfg.Idempotency.KeyPrefix),
		).CreateStore(ctx)
		if err != nil {
			log.Fatal("Failed to create idempotency store", zap.Error(err))
		}
		payments := billingapp.NewPaymentEventService(billingapp.PaymentEventServiceConfig{
			Commands:    commands,
			Idempotency: idempotency,
			Config: shared.IdempotencyConfig{
				TTL:     cfg.Idempotency.TTL,
				Enabled: cfg.Idempotency.Enabled,
			},
			RetryAttempts: cfg.Billing.ConflictRetryAttempts,
			Logger:        log,
		})
		r.Register(handler.NewWebhookHandler(parser, payments))
		log.Info("Stripe webhook endpoint enabled")
	}
	r.Setup()

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down server...")
	case err := <-serverErr:
		log.Error("Server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := ingestionScheduler.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop usage ingestion scheduler", zap.Error(err))
	}
	if err := cycleScheduler.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop billing cycle scheduler", zap.Error(err))
	}
	if idempotency != nil {
		if err := idempotency.Close(); err != nil {
			log.Error("Failed to close idempotency store", zap.Error(err))
		}
	}
	for name, shutdown := range map[string]func(context.Context) error{
		"tracer": tracerProvider.Shutdown,
		"meter":  meterProvider.Shutdown,
		"logger": loggerProvider.Shutdown,
	} {
		if err := shutdown(shutdownCtx); err != nil {
			baseLog.Error("Failed to shut down telemetry provider", zap.String("provider", name), zap.Error(err))
		}
	}

	log.Info("Server exited gracefully")
}

// newArchiveStorage returns S3 storage when configured, otherwise an
// in-process store suitable for development
func newArchiveStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) billingapp.ArchiveStorage {
	if !cfg.Storage.Enabled {
		log.Warn("Object storage disabled, archives are kept in memory")
		return storage.NewStubObjectStorage()
	}
	s3, err := storage.NewS3ObjectStorage(&cfg.Storage,
		storage.WithLogger(log),
		storage.WithPresignExpiration(cfg.Storage.PresignExpiration),
	)
	if err != nil {
		log.Fatal("Failed to initialize object storage", zap.Error(err))
	}
	if err := s3.EnsureBucket(ctx); err != nil {
		log.Fatal("Failed to ensure archive bucket", zap.Error(err))
	}
	return s3
}
