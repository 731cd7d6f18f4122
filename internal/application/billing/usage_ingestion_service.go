package billing

import (
	"context"
	"errors"
	"time"

	"github.com/meterline/backend/internal/domain/billing"
	"github.com/meterline/backend/internal/domain/shared"
	"github.com/meterline/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// UsageCommands is the part of CommandHandler used by metering ingestion
type UsageCommands interface {
	RecordUsage(ctx context.Context, accountID string, amount int64, ref string) (*CommandResult, error)
}

// IngestReport summarises one IngestPending run
type IngestReport struct {
	Processed int // posted as usage
	Rejected  int // refused by the account, marked with the error
	Deferred  int // left pending for the next run
}

// UsageIngestionServiceConfig configures UsageIngestionService
type UsageIngestionServiceConfig struct {
	Usage         billing.MeteredUsageRepository
	Commands      UsageCommands
	Logger        *zap.Logger
	RetryAttempts int
	DefaultBatch  int
	Clock         func() time.Time
}

// UsageIngestionService posts staged metering rows to accounts
type UsageIngestionService struct {
	usage         billing.MeteredUsageRepository
	commands      UsageCommands
	logger        *zap.Logger
	retryAttempts int
	defaultBatch  int
	now           func() time.Time
}

// NewUsageIngestionService creates a new UsageIngestionService
func NewUsageIngestionService(cfg UsageIngestionServiceConfig) *UsageIngestionService {
	s := &UsageIngestionService{
		usage:         cfg.Usage,
		commands:      cfg.Commands,
		logger:        cfg.Logger,
		retryAttempts: cfg.RetryAttempts,
		defaultBatch:  cfg.DefaultBatch,
		now:           cfg.Clock,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.defaultBatch <= 0 {
		s.defaultBatch = 100
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// IngestPending posts up to batch pending rows, oldest first
func (s *UsageIngestionService) IngestPending(ctx context.Context, batch int) (*IngestReport, error) {
	if batch <= 0 {
		batch = s.defaultBatch
	}
	ctx, span := telemetry.StartServiceSpan(ctx, "billing_ingestion", "ingest_pending")
	defer span.End()

	rows, err := s.usage.FindPending(ctx, batch)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	report := &IngestReport{}
	for i := range rows {
		if err := ctx.Err(); err != nil {
			report.Deferred += len(rows) - i
			return report, err
		}
		s.ingest(ctx, &rows[i], report)
	}

	telemetry.SetAttributes(span,
		"billing.ingest.processed", report.Processed,
		"billing.ingest.rejected", report.Rejected,
		"billing.ingest.deferred", report.Deferred,
	)
	if len(rows) > 0 {
		s.logger.Info("Ingested metered usage",
			zap.Int("processed", report.Processed),
			zap.Int("rejected", report.Rejected),
			zap.Int("deferred", report.Deferred),
		)
	}
	return report, nil
}

func (s *UsageIngestionService) ingest(ctx context.Context, row *billing.MeteredUsage, report *IngestReport) {
	ref := row.Ref()
	_, err := RetryOnConflict(ctx, s.retryAttempts, func(ctx context.Context) (*CommandResult, error) {
		return s.commands.RecordUsage(ctx, row.AccountID, row.Amount, ref)
	})

	lastError := ""
	switch {
	case err == nil:
		report.Processed++
	case isRejection(err):
		lastError = err.Error()
		report.Rejected++
		s.logger.Warn("Metered usage rejected",
			zap.Int64("usage_id", row.ID),
			zap.String("account_id", row.AccountID),
			zap.Int64("amount", row.Amount),
			zap.Error(err),
		)
	default:
		report.Deferred++
		s.logger.Warn("Metered usage deferred",
			zap.Int64("usage_id", row.ID),
			zap.String("account_id", row.AccountID),
			zap.Error(err),
		)
		return
	}

	if err := s.usage.MarkProcessed(ctx, row.ID, s.now(), lastError); err != nil {
		s.logger.Error("Failed to mark metered usage processed",
			zap.Int64("usage_id", row.ID),
			zap.String("ref", ref),
			zap.Error(err),
		)
	}
}

// isRejection reports whether err is a domain error that retrying cannot fix
func isRejection(err error) bool {
	if errors.Is(err, shared.ErrConcurrencyConflict) {
		return false
	}
	var domainErr *shared.DomainError
	return errors.As(err, &domainErr)
}
