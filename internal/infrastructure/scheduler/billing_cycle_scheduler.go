package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	billingapp "github.com/meterline/backend/internal/application/billing"
	"github.com/meterline/backend/internal/domain/billing"
	"go.uber.org/zap"
)

// cycleStates are the states StartNewBillingCycle accepts
var cycleStates = []billing.AccountState{
	billing.StateActiveSubscription,
	billing.StateMeteredBilling,
	billing.StateSuspended,
}

// AccountLister enumerates accounts by projected state
type AccountLister interface {
	ListAccountIDsByStates(ctx context.Context, states []billing.AccountState, afterAccountID string, limit int) ([]string, error)
}

// CycleCommands is the command the rollover issues
type CycleCommands interface {
	StartBillingCycleOnce(ctx context.Context, accountID string, cycleStart time.Time) (*billingapp.CommandResult, error)
}

// BillingCycleSchedulerConfig holds configuration for the rollover scheduler
type BillingCycleSchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// DayOfMonth (1-31) on which cycles roll over. Months shorter than
	// DayOfMonth roll over on their last day.
	DayOfMonth int

	// Hour (0-23, UTC) at which the rollover runs
	Hour int

	// BatchSize is the page size used when enumerating accounts
	BatchSize int

	// RetryAttempts bounds conflict retries per account
	RetryAttempts int

	// CheckInterval is how often the loop checks whether it is time to run
	CheckInterval time.Duration

	// JobTimeout bounds a whole rollover run
	JobTimeout time.Duration
}

// DefaultBillingCycleSchedulerConfig returns default configuration
func DefaultBillingCycleSchedulerConfig() BillingCycleSchedulerConfig {
	return BillingCycleSchedulerConfig{
		Enabled:       true,
		DayOfMonth:    1,
		Hour:          0,
		BatchSize:     200,
		RetryAttempts: billingapp.DefaultConflictRetryAttempts,
		CheckInterval: time.Minute,
		JobTimeout:    time.Hour,
	}
}

// Validate checks the configuration
func (c BillingCycleSchedulerConfig) Validate() error {
	switch {
	case c.DayOfMonth < 1 || c.DayOfMonth > 31:
		return fmt.Errorf("%w: billing cycle day must be 1-31, got %d", ErrInvalidConfig, c.DayOfMonth)
	case c.Hour < 0 || c.Hour > 23:
		return fmt.Errorf("%w: billing cycle hour must be 0-23, got %d", ErrInvalidConfig, c.Hour)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: billing cycle batch size must be positive", ErrInvalidConfig)
	case c.CheckInterval <= 0:
		return fmt.Errorf("%w: check interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// CycleReport summarises one rollover run
type CycleReport struct {
	Accounts       int // enumerated from the projection
	Started        int // new cycle recorded
	AlreadyStarted int // reset already in the log for this cycle
	Skipped        int // account no longer in a cycle state
	Failed         int
}

// BillingCycleScheduler starts a new billing cycle for every subscribed
// account once a month. The projection is used only to find candidates;
// each command is decided against the replayed account.
type BillingCycleScheduler struct {
	accounts AccountLister
	commands CycleCommands
	recorder JobRecorder
	logger   *zap.Logger
	config   BillingCycleSchedulerConfig
	now      func() time.Time

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.Mutex
	runMu       sync.Mutex
	isRunning   bool
	lastRunDate string
}

// NewBillingCycleScheduler creates a new billing cycle scheduler.
// recorder may be nil.
func NewBillingCycleScheduler(
	accounts AccountLister,
	commands CycleCommands,
	recorder JobRecorder,
	logger *zap.Logger,
	config BillingCycleSchedulerConfig,
) *BillingCycleScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBillingCycleSchedulerConfig().BatchSize
	}
	return &BillingCycleScheduler{
		accounts: accounts,
		commands: commands,
		recorder: recorder,
		logger:   logger,
		config:   config,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start starts the check loop
func (s *BillingCycleScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Billing cycle scheduler is disabled")
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

	s.logger.Info("Billing cycle scheduler started",
		zap.Int("day_of_month", s.config.DayOfMonth),
		zap.Int("hour", s.config.Hour),
		zap.Duration("check_interval", s.config.CheckInterval),
	)
	return nil
}

// Stop gracefully stops the scheduler
func (s *BillingCycleScheduler) Stop(ctx context.Context) error {
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
	return waitGroupWithContext(ctx, &s.wg, s.logger, "Billing cycle scheduler")
}

func (s *BillingCycleScheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAndRun(ctx)
		}
	}
}

// checkAndRun runs the rollover at most once per matching day
func (s *BillingCycleScheduler) checkAndRun(ctx context.Context) bool {
	now := s.now()
	if !s.Due(now) {
		return false
	}

	today := now.Format("2006-01-02")
	s.mu.Lock()
	if s.lastRunDate == today {
		s.mu.Unlock()
		return false
	}
	s.lastRunDate = today
	s.mu.Unlock()

	_, _ = s.RunOnce(ctx)
	return true
}

// Due reports whether now falls in the rollover hour of the rollover day
func (s *BillingCycleScheduler) Due(now time.Time) bool {
	now = now.UTC()
	return now.Day() == cycleDay(now, s.config.DayOfMonth) && now.Hour() == s.config.Hour
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// cycleDay clamps day to the last day of now's month
func cycleDay(now time.Time, day int) int {
	last := time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	return min(day, last)
}

// RunOnce starts a new cycle for every candidate account
func (s *BillingCycleScheduler) RunOnce(ctx context.Context) (*CycleReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, s.jobTimeout())
	defer cancel()

	start := time.Now()
	report, err := s.rollover(runCtx)
	if s.recorder != nil {
		s.recorder.RecordJobRun(ctx, JobBillingCycle, err)
	}

	fields := []zap.Field{
		zap.Duration("duration", time.Since(start)),
		zap.Int("accounts", report.Accounts),
		zap.Int("started", report.Started),
		zap.Int("already_started", report.AlreadyStarted),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	}
	if err != nil {
		s.logger.Error("Billing cycle rollover failed", append(fields, zap.Error(err))...)
		return report, err
	}
	s.logger.Info("Billing cycle rollover completed", fields...)
	return report, nil
}

// rollover resets every candidate once for the cycle beginning at the start
// of the current UTC day. The check against the replayed account makes a
// restart or a second replica in the same day a no-op.
func (s *BillingCycleScheduler) rollover(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{}
	cycleStart := startOfDay(s.now())
	after := ""
	for {
		ids, err := s.accounts.ListAccountIDsByStates(ctx, cycleStates, after, s.config.BatchSize)
		if err != nil {
			return report, fmt.Errorf("failed to list accounts: %w", err)
		}

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Accounts++
			result, err := billingapp.RetryOnConflict(ctx, s.config.RetryAttempts, func(ctx context.Context) (*billingapp.CommandResult, error) {
				return s.commands.StartBillingCycleOnce(ctx, id, cycleStart)
			})
			switch {
			case err == nil && result != nil && len(result.Events) == 0:
				report.AlreadyStarted++
			case err == nil:
				report.Started++
			case errors.Is(err, billing.ErrInvalidTransition):
				report.Skipped++
			default:
				report.Failed++
				s.logger.Warn("Failed to start billing cycle",
					zap.String("account_id", id),
					zap.Error(err),
				)
			}
		}

		if len(ids) == 0 || len(ids) < s.config.BatchSize {
			return report, nil
		}
		after = ids[len(ids)-1]
	}
}

func (s *BillingCycleScheduler) jobTimeout() time.Duration {
	if s.config.JobTimeout > 0 {
		return s.config.JobTimeout
	}
	return DefaultBillingCycleSchedulerConfig().JobTimeout
}

// TriggerImmediate runs a rollover in the background regardless of the date
func (s *BillingCycleScheduler) TriggerImmediate(ctx context.Context) error {
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
func (s *BillingCycleScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
