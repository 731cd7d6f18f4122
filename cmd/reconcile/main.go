// Command reconcile rebuilds account projections from the event store and
// optionally exports account histories to object storage.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	billingapp "github.com/meterline/backend/internal/application/billing"
	"github.com/meterline/backend/internal/infrastructure/config"
	"github.com/meterline/backend/internal/infrastructure/event"
	"github.com/meterline/backend/internal/infrastructure/logger"
	"github.com/meterline/backend/internal/infrastructure/persistence"
	"github.com/meterline/backend/internal/infrastructure/storage"
	"go.uber.org/zap"
)

func main() {
	var (
		accountID   string
		batch       int
		concurrency int
		archive     bool
	)
	flag.StringVar(&accountID, "account", "", "Rebuild a single account instead of all accounts")
	flag.IntVar(&batch, "batch", 500, "Accounts listed per page when rebuilding all accounts")
	flag.IntVar(&concurrency, "concurrency", 4, "Accounts rebuilt in parallel")
	flag.BoolVar(&archive, "archive", false, "Export the account history to object storage (requires -account)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	if archive && accountID == "" {
		log.Fatal("-archive requires -account")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := persistence.NewDatabase(&cfg.Database,
		persistence.WithGormLogger(logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
			logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh),
		)),
	)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()

	serializer := event.NewBillingEventSerializer()
	var corrupt atomic.Int64
	store := persistence.NewGormEventStore(db.DB, serializer,
		persistence.WithEventStoreLogger(log),
		persistence.WithCorruptRecordHook(func(_ context.Context, typeTag string) {
			corrupt.Add(1)
			log.Warn("Skipped corrupt event record", zap.String("type_tag", typeTag))
		}),
	)
	rebuilder := billingapp.NewProjectionRebuilder(billingapp.ProjectionRebuilderConfig{
		Store:       store,
		Projections: persistence.NewGormProjectionRepository(db.DB),
		Logger:      log,
		Concurrency: concurrency,
	})

	if accountID != "" {
		p, err := rebuilder.Rebuild(ctx, accountID)
		if err != nil {
			log.Fatal("Failed to rebuild projection", zap.String("account_id", accountID), zap.Error(err))
		}
		log.Info("Projection rebuilt",
			zap.String("account_id", p.AccountID),
			zap.String("state", p.State.String()),
			zap.Int64("version", p.Version),
			zap.Int64("usage_balance", p.UsageBalance),
		)
	} else {
		report, err := rebuilder.RebuildAll(ctx, batch)
		if err != nil {
			log.Fatal("Failed to rebuild projections", zap.Error(err))
		}
		if report.Failed > 0 {
			log.Warn("Some accounts could not be rebuilt",
				zap.Int64("accounts", report.Accounts),
				zap.Int64("failed", report.Failed),
			)
		}
	}

	if archive {
		if !cfg.Storage.Enabled {
			log.Fatal("Object storage is disabled, cannot export archive")
		}
		s3, err := storage.NewS3ObjectStorage(&cfg.Storage, storage.WithLogger(log))
		if err != nil {
			log.Fatal("Failed to initialize object storage", zap.Error(err))
		}
		archives := billingapp.NewArchiveService(billingapp.ArchiveServiceConfig{
			Store:         store,
			Storage:       s3,
			Encoder:       serializer,
			Logger:        log,
			Prefix:        cfg.Billing.ArchivePrefix,
			URLExpiration: cfg.Storage.PresignExpiration,
		})
		export, err := archives.ExportAccount(ctx, accountID)
		if err != nil {
			log.Fatal("Failed to export archive", zap.String("account_id", accountID), zap.Error(err))
		}
		log.Info("Archive exported",
			zap.String("key", export.Key),
			zap.Int("events", export.EventCount),
			zap.String("download_url", export.DownloadURL),
		)
	}

	if n := corrupt.Load(); n > 0 {
		log.Warn("Corrupt event records were skipped", zap.Int64("count", n))
	}
}
