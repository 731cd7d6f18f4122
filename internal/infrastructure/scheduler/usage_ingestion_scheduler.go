// Package scheduler runs the recurring billing jobs: metering ingestion on an
// interval and the monthly billing cycle rollover.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	billingapp "github.com/meterline/backend/internal/application/billing"
	"go.uber.org/zap"
)

// Job names reported to JobRecorder
const (
	JobUsageIngestion = "usage_ingestion"
	JobBillingCycle   = "billing_cycle"
)

// JobRecorder observes scheduler runs
type JobRecorder interface {
	RecordJobRun(ctx context.Context, job string, err error)
}

// UsageIngester posts pending metering rows
type UsageIngester interface {
	IngestPending(ctx context.Context, batch int) (*billingapp.IngestReport, error)
}

// UsageIngestionSchedulerConfig holds configuration for the ingestion scheduler
type UsageIngestionSchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// Interval between runs
	Interval time.Duration

	// BatchSize is the number of rows taken per run
	BatchSize int

	// JobTimeout bounds a single run
	JobTimeout time.Duration
}

// DefaultUsageIngestionSchedulerConfig returns default configuration
func DefaultUsageIngestionSchedulerConfig() UsageIngestionSchedulerConfig {
	return UsageIngestionSchedulerConfig{
		Enabled:    true,
		Interval:   time.Minute,
		BatchSize:  500,
		JobTimeout: 5 * time.Minute,
	}
}

// Validate checks the configuration
func (c UsageIngestionSchedulerConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: ingestion interval must be positive", ErrInvalidConfig)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: ingestion batch size must be positive", ErrInvalidConfig)
	}
	return nil
}

// UsageIngestionScheduler drains the metering staging table on an interval
type UsageIngestionScheduler struct {
	ingester UsageIngester
	recorder JobRecorder
	logger   *zap.Logger
	config   UsageIngestionSchedulerConfig

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	runMu     sync.Mutex
	isRunning bool
}

// NewUsageIngestionScheduler creates a new usage ingestion scheduler.
// recorder may be nil.
func NewUsageIngestionScheduler(
	ingester UsageIngester,
	recorder JobRecorder,
	logger *zap.Logger,
	config UsageIngestionSchedulerConfig,
) *UsageIngestionScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = DefaultUsageIngestionSchedulerConfig().JobTimeout
	}
	return &UsageIngestionScheduler{
		ingester: ingester,
		recorder: recorder,
		logger:   logger,
		config:   config,
	}
}

// Start starts the ingestion loop
func (s *UsageIngestionScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Usage ingestion scheduler is disabled")
		return nil
	}
	if err := s.config.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.runLoop(ctx)

	s.logger.Info("Usage ingestion scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("batch_size", s.config.BatchSize),
	)
	return nil
}

// Stop gracefully stops the scheduler
func (s *UsageIngestionScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	return waitGroupWithContext(ctx, &s.wg, s.logger, "Usage ingestion scheduler")
}

func (s *UsageIngestionScheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Usage ingestion loop stopping")
			return
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}

// RunOnce ingests one batch. Overlapping runs are serialised.
func (s *UsageIngestionScheduler) RunOnce(ctx context.Context) (*billingapp.IngestReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	start := time.Now()
	report, err := s.ingester.IngestPending(runCtx, s.config.BatchSize)
	if s.recorder != nil {
		s.recorder.RecordJobRun(ctx, JobUsageIngestion, err)
	}
	if err != nil {
		s.logger.Error("Usage ingestion failed",
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return report, err
	}

	s.logger.Debug("Usage ingestion completed",
		zap.Duration("duration", time.Since(start)),
		zap.Int("processed", report.Processed),
		zap.Int("rejected", report.Rejected),
		zap.Int("deferred", report.Deferred),
	)
	return report, nil
}

// TriggerImmediate runs one batch in the background
func (s *UsageIngestionScheduler) TriggerImmediate(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		_, _ = s.RunOnce(ctx)
	}()
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *UsageIngestionScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// waitGroupWithContext waits for wg or gives up when ctx is done
func waitGroupWithContext(ctx context.Context, wg *sync.WaitGroup, logger *zap.Logger, name string) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info(name + " stopped gracefully")
		return nil
	case <-ctx.Done():
		logger.Warn(name + " stop timed out")
		return ctx.Err()
	}
}
