// Package billing holds the application services that drive billing accounts:
// the command handler, the read-only query service and the adapters that feed
// commands in from schedulers, metering and payment notifications.
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

// CommandRecorder receives one observation per executed command
type CommandRecorder interface {
	RecordCommand(ctx context.Context, command string, duration time.Duration, err error)
}

// CommandResult is the outcome of a successful command
type CommandResult struct {
	// Account is the aggregate replayed after the new events were stored
	Account *billing.Account
	// Events are the events appended by this command, possibly none
	Events []billing.Event
}

// CommandHandler runs billing commands: replay, decide, append, then refresh
// the projection. It does not retry on version conflicts; callers wrap it
// with RetryOnConflict.
type CommandHandler struct {
	store       billing.EventStore
	projections billing.ProjectionRepository
	publisher   shared.EventPublisher
	recorder    CommandRecorder
	logger      *zap.Logger
	now         func() time.Time
}

// CommandHandlerConfig contains the dependencies of CommandHandler.
// Publisher and Recorder are optional.
type CommandHandlerConfig struct {
	Store       billing.EventStore
	Projections billing.ProjectionRepository
	Publisher   shared.EventPublisher
	Recorder    CommandRecorder
	Logger      *zap.Logger
	Clock       func() time.Time
}

// NewCommandHandler creates a new CommandHandler
func NewCommandHandler(cfg CommandHandlerConfig) *CommandHandler {
	h := &CommandHandler{
		store:       cfg.Store,
		projections: cfg.Projections,
		publisher:   cfg.Publisher,
		recorder:    cfg.Recorder,
		logger:      cfg.Logger,
		now:         cfg.Clock,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.now == nil {
		h.now = func() time.Time { return time.Now().UTC() }
	}
	return h
}

// SignupSubscription starts a subscription with the given monthly allotment
func (h *CommandHandler) SignupSubscription(ctx context.Context, accountID, ref string, allotment int64) (*CommandResult, error) {
	return h.execute(ctx, billing.CommandSignupSubscription, accountID,
		func(a *billing.Account, now time.Time) ([]billing.Event, error) {
			return a.SignupSubscription(ref, allotment, now)
		},
		telemetry.SpanAttrRef, ref,
	)
}

// SkipSubscription moves a new account to the free tier
func (h *CommandHandler) SkipSubscription(ctx context.Context, accountID, ref string) (*CommandResult, error) {
	return h.execute(ctx, billing.CommandSkipSubscription, accountID,
		func(a *billing.Account, now time.Time) ([]billing.Event, error) {
			return a.SkipSubscription(ref, now)
		},
		telemetry.SpanAttrRef, ref,
	)
}

// CancelSubscription ends the current subscription
func (h *CommandHandler) CancelSubscription(ctx context.Context, accountID, ref, reason string) (*CommandResult, error) {
	return h.execute(ctx, billing.CommandCancelSubscription, accountID,
		func(a *billing.Account, now time.Time) ([]billing.Event, error) {
			return a.CancelSubscription(ref, reason, now)
		},
		telemetry.SpanAttrRef, ref,
	)
}

// RecordUsage debits usage from credits first, then the prepaid balance
func (h *CommandHandler) RecordUsage(ctx context.Context, accountID string, amount int64, ref string) (*CommandResult, error) {
	return h.execute(ctx, billing.CommandRecordUsage, accountID,
		func(a *billing.Account, now time.Time) ([]billing.Event, error) {
			return a.RecordUsage(amount, ref, now)
		},
		telemetry.SpanAttrAmount, amount, telemetry.SpanAttrRef, ref,
	)
}

// TopUpBalance credits the prepaid balance. receiptURL may be nil.
func (h *CommandHandler) TopUpBalance(ctx context.Context, accountID string, amount int64, ref string, receiptURL *string) (*CommandResult, error) {
	return h.execute(ctx, billing.CommandTopUpBalance, accountID,
		func(a *billing.Account, now time.Time) ([]billing.Event, error) {
			return a.TopUpBalance(amount, ref, receiptURL, now)
		},
		telemetry.SpanAttrAmount, amount, telemetry.SpanAttrRef, ref,
	)
}

// StartNewBillingCycle resets monthly credits
func (h *CommandHandler) StartNewBillingCycle(ctx context.Context, accountID string) (*CommandResult, error) {
	return h.execute(ctx, billing.CommandStartNewBillingCycle, accountID,
		func(a *billing.Account, now time.Time) ([]billing.Event, error) {
			return a.StartNewBillingCycle(now)
		},
	)
}

// StartBillingCycleOnce resets monthly credits unless the replayed account
// already started a cycle at or after cycleStart. In that case the result
// carries no events. Racing callers are serialized by the version check, so
// at most one reset lands per cycle.
func (h *CommandHandler) StartBillingCycleOnce(ctx context.Context, accountID string, cycleStart time.Time) (*CommandResult, error) {
	return h.execute(ctx, billing.CommandStartNewBillingCycle, accountID,
		func(a *billing.Account, now time.Time) ([]billing.Event, error) {
			return a.StartBillingCycleOnce(cycleStart, now)
		},
		telemetry.SpanAttrCycleStart, cycleStart.UTC().Format(time.RFC3339),
	)
}

// ProcessBalanceRefund returns prepaid balance to the customer
func (h *CommandHandler) ProcessBalanceRefund(ctx context.Context, accountID string, amount int64, ref, reason string) (*CommandResult, error) {
	return h.execute(ctx, billing.CommandProcessBalanceRefund, accountID,
		func(a *billing.Account, now time.Time) ([]billing.Event, error) {
			return a.ProcessBalanceRefund(amount, ref, reason, now)
		},
		telemetry.SpanAttrAmount, amount, telemetry.SpanAttrRef, ref,
	)
}

// DetectChargeback closes the account
func (h *CommandHandler) DetectChargeback(ctx context.Context, accountID, ref string, amount int64) (*CommandResult, error) {
	return h.execute(ctx, billing.CommandDetectChargeback, accountID,
		func(a *billing.Account, now time.Time) ([]billing.Event, error) {
			return a.DetectChargeback(ref, amount, now)
		},
		telemetry.SpanAttrAmount, amount, telemetry.SpanAttrRef, ref,
	)
}

// LoadAccount replays the account's full event stream
func (h *CommandHandler) LoadAccount(ctx context.Context, accountID string) (*billing.Account, error) {
	return replayAccount(ctx, h.store, accountID)
}

type decideFunc func(a *billing.Account, now time.Time) ([]billing.Event, error)

func (h *CommandHandler) execute(ctx context.Context, command, accountID string, decide decideFunc, spanAttrs ...interface{}) (result *CommandResult, err error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "billing", command,
		telemetry.WithAttribute(telemetry.SpanAttrAccountID, accountID),
		telemetry.WithAttribute(telemetry.SpanAttrCommand, command),
	)
	telemetry.SetAttributes(span, spanAttrs...)
	start := time.Now()
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		}
		if h.recorder != nil {
			h.recorder.RecordCommand(ctx, command, time.Since(start), err)
		}
		span.End()
	}()

	if accountID == "" {
		return nil, shared.NewDomainError(shared.ErrInvalidInput.Code, "account id is required")
	}

	account, err := h.LoadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	events, err := decide(account, h.now())
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return &CommandResult{Account: account}, nil
	}

	if err := h.store.Save(ctx, accountID, events, account.Version); err != nil {
		if errors.Is(err, billing.ErrConcurrencyConflict) {
			h.logger.Info("Command lost a version race",
				zap.String("command", command),
				zap.String("account_id", accountID),
				zap.Int64("expected_version", account.Version),
			)
		}
		return nil, err
	}
	telemetry.SetAttributes(span,
		telemetry.SpanAttrEventCount, len(events),
		telemetry.SpanAttrVersion, account.Version+int64(len(events)),
	)

	updated := h.refreshAfterSave(ctx, account, events)
	telemetry.SetAttributes(span, telemetry.SpanAttrState, updated.State.String())
	h.publish(ctx, events)

	h.logger.Debug("Command applied",
		zap.String("command", command),
		zap.String("account_id", accountID),
		zap.Int("events", len(events)),
		zap.Int64("version", updated.Version),
		zap.String("state", updated.State.String()),
	)
	return &CommandResult{Account: updated, Events: events}, nil
}

// refreshAfterSave replays the stream again to include the new events and
// overwrites the projection. Failures here are logged only; the event log
// has already been written.
func (h *CommandHandler) refreshAfterSave(ctx context.Context, before *billing.Account, events []billing.Event) *billing.Account {
	updated, err := h.LoadAccount(ctx, before.AccountID)
	if err != nil {
		h.logger.Warn("Failed to replay account after save",
			zap.String("account_id", before.AccountID),
			zap.Error(err),
		)
		updated = before.Clone()
		updated.ApplyAll(events)
	}

	if h.projections == nil {
		return updated
	}
	if err := h.projections.Upsert(ctx, billing.ProjectionFromAccount(updated, h.now())); err != nil {
		h.logger.Error("Failed to update account projection",
			zap.String("account_id", updated.AccountID),
			zap.Int64("version", updated.Version),
			zap.Error(err),
		)
	}
	return updated
}

func (h *CommandHandler) publish(ctx context.Context, events []billing.Event) {
	if h.publisher == nil {
		return
	}
	domainEvents := make([]shared.DomainEvent, len(events))
	for i, e := range events {
		domainEvents[i] = e
	}
	if err := h.publisher.Publish(ctx, domainEvents...); err != nil {
		h.logger.Warn("Failed to publish billing events", zap.Error(err))
	}
}

func replayAccount(ctx context.Context, store billing.EventStore, accountID string) (*billing.Account, error) {
	events, err := store.Load(ctx, accountID, 0, billing.LatestVersion)
	if err != nil {
		return nil, err
	}
	return billing.Replay(accountID, events), nil
}
