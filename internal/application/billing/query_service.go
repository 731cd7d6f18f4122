package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/meterline/backend/internal/domain/billing"
	"github.com/meterline/backend/internal/domain/shared"
	"github.com/meterline/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// Defaults for QueryServiceConfig
const (
	DefaultLowBalanceThreshold int64 = 500
	DefaultTopUpTargetBuffer   int64 = 1000
)

// EnforcementDecision tells the caller what to do with a usage request
type EnforcementDecision string

const (
	DecisionAllow               EnforcementDecision = "allow"
	DecisionAllowWithWarning    EnforcementDecision = "allow_with_warning"
	DecisionAllowWithSuspension EnforcementDecision = "allow_with_suspension"
	DecisionReject              EnforcementDecision = "reject"
)

// Reason codes attached to an Enforcement
const (
	ReasonCodeOK                   = "OK"
	ReasonCodeAccountClosed        = "ACCOUNT_CLOSED"
	ReasonCodeSubscriptionRequired = "SUBSCRIPTION_REQUIRED"
	ReasonCodeAccountSuspended     = "ACCOUNT_SUSPENDED"
	ReasonCodeWillSuspend          = "WILL_SUSPEND"
	ReasonCodeEntersMetered        = "ENTERS_METERED_BILLING"
	ReasonCodeLowBalance           = "LOW_BALANCE"
)

// Enforcement is the decision for a previewed request
type Enforcement struct {
	Decision EnforcementDecision
	Reason   string
	Message  string
}

// BalanceStatus is the current account status plus a preview of one request
type BalanceStatus struct {
	AccountID              string
	State                  billing.AccountState
	Version                int64
	UsageBalance           int64
	MonthlyCreditAllotment int64
	MonthlyCreditsUsed     int64
	RemainingCredits       int64
	IsLowBalance           bool

	Cost           int64
	CanAfford      bool
	Impact         billing.UsageImpact
	Enforcement    Enforcement
	SuggestedTopUp int64
}

// ReplayRecorder observes aggregate rebuilds
type ReplayRecorder interface {
	RecordReplay(ctx context.Context, d time.Duration, events int)
}

// QueryServiceConfig configures QueryService
type QueryServiceConfig struct {
	Store               billing.EventStore
	Recorder            ReplayRecorder
	Logger              *zap.Logger
	LowBalanceThreshold int64
	TopUpTargetBuffer   int64
}

// QueryService answers affordability questions from a fresh replay of the
// event stream. It never emits events and never reads the projection.
type QueryService struct {
	store               billing.EventStore
	recorder            ReplayRecorder
	logger              *zap.Logger
	lowBalanceThreshold int64
	topUpTargetBuffer   int64
}

// NewQueryService creates a new QueryService
func NewQueryService(cfg QueryServiceConfig) *QueryService {
	s := &QueryService{
		store:               cfg.Store,
		recorder:            cfg.Recorder,
		logger:              cfg.Logger,
		lowBalanceThreshold: cfg.LowBalanceThreshold,
		topUpTargetBuffer:   cfg.TopUpTargetBuffer,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.lowBalanceThreshold <= 0 {
		s.lowBalanceThreshold = DefaultLowBalanceThreshold
	}
	if s.topUpTargetBuffer <= 0 {
		s.topUpTargetBuffer = DefaultTopUpTargetBuffer
	}
	return s
}

// CanAfford reports whether cost can be paid without a negative balance
func (s *QueryService) CanAfford(ctx context.Context, accountID string, cost int64) (bool, error) {
	account, err := s.load(ctx, "can_afford", accountID, cost)
	if err != nil {
		return false, err
	}
	return account.CanAfford(cost), nil
}

// SimulateUsageImpact dry-runs RecordUsage(cost)
func (s *QueryService) SimulateUsageImpact(ctx context.Context, accountID string, cost int64) (*billing.UsageImpact, error) {
	account, err := s.load(ctx, "simulate_usage_impact", accountID, cost)
	if err != nil {
		return nil, err
	}
	impact := account.SimulateUsage(cost, s.lowBalanceThreshold)
	return &impact, nil
}

// BalanceStatusWithPreview combines the current status, the simulation of
// cost and an enforcement decision
func (s *QueryService) BalanceStatusWithPreview(ctx context.Context, accountID string, cost int64) (*BalanceStatus, error) {
	account, err := s.load(ctx, "balance_status_with_preview", accountID, cost)
	if err != nil {
		return nil, err
	}

	impact := account.SimulateUsage(cost, s.lowBalanceThreshold)
	affordable := account.CanAfford(cost)

	status := &BalanceStatus{
		AccountID:              account.AccountID,
		State:                  account.State,
		Version:                account.Version,
		UsageBalance:           account.UsageBalance,
		MonthlyCreditAllotment: account.MonthlyCreditAllotment,
		MonthlyCreditsUsed:     account.MonthlyCreditsUsed,
		RemainingCredits:       account.RemainingCredits(),
		IsLowBalance:           !account.State.IsTerminal() && account.UsageBalance < s.lowBalanceThreshold,
		Cost:                   cost,
		CanAfford:              affordable,
		Impact:                 impact,
		Enforcement:            decide(account, impact),
	}
	if !affordable && account.State.AcceptsUsage() {
		status.SuggestedTopUp = max(0, s.topUpTargetBuffer-impact.ProjectedBalance)
	}
	return status, nil
}

func decide(account *billing.Account, impact billing.UsageImpact) Enforcement {
	switch account.State {
	case billing.StateClosed:
		return Enforcement{DecisionReject, ReasonCodeAccountClosed, "account is closed"}
	case billing.StateNew, billing.StateNoSubscription:
		return Enforcement{DecisionReject, ReasonCodeSubscriptionRequired, "a subscription or top-up is required before usage"}
	case billing.StateSuspended:
		return Enforcement{DecisionReject, ReasonCodeAccountSuspended, "account is suspended until the balance is topped up"}
	}

	switch {
	case impact.WouldBeSuspended:
		return Enforcement{DecisionAllowWithSuspension, ReasonCodeWillSuspend,
			fmt.Sprintf("request would leave a balance of %d and suspend the account", impact.ProjectedBalance)}
	case account.State == billing.StateActiveSubscription && impact.WouldBeMetered:
		return Enforcement{DecisionAllowWithWarning, ReasonCodeEntersMetered,
			"monthly credits would be exhausted and usage billed from the balance"}
	case impact.WouldBeLowBalance && impact.BalanceDebited > 0:
		return Enforcement{DecisionAllowWithWarning, ReasonCodeLowBalance,
			fmt.Sprintf("balance would drop to %d", impact.ProjectedBalance)}
	}
	return Enforcement{DecisionAllow, ReasonCodeOK, "ok"}
}

func (s *QueryService) load(ctx context.Context, method, accountID string, cost int64) (*billing.Account, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "billing_query", method,
		telemetry.WithAttribute(telemetry.SpanAttrAccountID, accountID),
		telemetry.WithAttribute(telemetry.SpanAttrAmount, cost),
	)
	defer span.End()

	if accountID == "" {
		return nil, shared.NewDomainError(shared.ErrInvalidInput.Code, "account id is required")
	}
	if cost < 0 {
		return nil, shared.NewDomainError(shared.ErrInvalidAmount.Code, fmt.Sprintf("cost must not be negative, got %d", cost))
	}

	start := time.Now()
	events, err := s.store.Load(ctx, accountID, 0, billing.LatestVersion)
	if err != nil {
		telemetry.RecordError(span, err)
		s.logger.Error("Failed to load account for query",
			zap.String("account_id", accountID),
			zap.String("query", method),
			zap.Error(err),
		)
		return nil, err
	}
	if s.recorder != nil {
		s.recorder.RecordReplay(ctx, time.Since(start), len(events))
	}
	account := billing.Replay(accountID, events)
	telemetry.SetAttributes(span,
		telemetry.SpanAttrVersion, account.Version,
		telemetry.SpanAttrState, account.State.String(),
	)
	return account, nil
}
