package billing

import "time"

// Transition reasons recorded on StateTransition events
const (
	ReasonSubscriptionSignup = "subscription_signup"
	ReasonSubscriptionSkip   = "subscription_skipped"
	ReasonSubscriptionCancel = "subscription_cancelled"
	ReasonCreditsExhausted   = "credits_exhausted"
	ReasonBalanceExhausted   = "balance_exhausted"
	ReasonBalanceToppedUp    = "balance_topped_up"
	ReasonBillingCycleStart  = "billing_cycle_started"
	ReasonBalanceRefunded    = "balance_refunded"
	ReasonChargeback         = "chargeback_detected"
)

// Command names, used in error messages and telemetry
const (
	CommandSignupSubscription   = "SignupSubscription"
	CommandSkipSubscription     = "SkipSubscription"
	CommandCancelSubscription   = "CancelSubscription"
	CommandRecordUsage          = "RecordUsage"
	CommandTopUpBalance         = "TopUpBalance"
	CommandStartNewBillingCycle = "StartNewBillingCycle"
	CommandProcessBalanceRefund = "ProcessBalanceRefund"
	CommandDetectChargeback     = "DetectChargeback"
)

// The methods below are pure: they read the aggregate, return the events the
// operation produces and never mutate the receiver.

// SignupSubscription starts a subscription with the given monthly allotment.
// Valid from NEW or NO_SUBSCRIPTION.
func (a *Account) SignupSubscription(ref string, allotment int64, now time.Time) ([]Event, error) {
	if !a.State.in(StateNew, StateNoSubscription) {
		return nil, invalidTransition(CommandSignupSubscription, a.State)
	}
	if allotment <= 0 {
		return nil, invalidAmount("monthly credit allotment", allotment)
	}
	return []Event{
		NewSubscriptionSignupEvent(a.AccountID, ref, allotment, now),
		a.transition(StateActiveSubscription, ReasonSubscriptionSignup, now),
	}, nil
}

// SkipSubscription moves a new account to the free tier. Valid from NEW only.
func (a *Account) SkipSubscription(ref string, now time.Time) ([]Event, error) {
	if a.State != StateNew {
		return nil, invalidTransition(CommandSkipSubscription, a.State)
	}
	reason := ReasonSubscriptionSkip
	if ref != "" {
		reason += ":" + ref
	}
	return []Event{a.transition(StateNoSubscription, reason, now)}, nil
}

// CancelSubscription ends the subscription. Valid from ACTIVE_SUBSCRIPTION or SUSPENDED.
func (a *Account) CancelSubscription(ref, reason string, now time.Time) ([]Event, error) {
	if !a.State.in(StateActiveSubscription, StateSuspended) {
		return nil, invalidTransition(CommandCancelSubscription, a.State)
	}
	return []Event{
		NewSubscriptionCancelEvent(a.AccountID, ref, reason, now),
		a.transition(StateNoSubscription, ReasonSubscriptionCancel, now),
	}, nil
}

// RecordUsage debits usage, from monthly credits first when subscribed and
// from the prepaid balance otherwise.
func (a *Account) RecordUsage(amount int64, ref string, now time.Time) ([]Event, error) {
	if amount <= 0 {
		return nil, invalidAmount("usage amount", amount)
	}
	if !a.State.AcceptsUsage() {
		return nil, invalidTransition(CommandRecordUsage, a.State)
	}

	d := a.debit(amount)
	var events []Event
	if d.credits > 0 {
		events = append(events, NewCreditUsageEvent(a.AccountID, d.credits, ref, now))
	}
	if d.balancePath {
		events = append(events, NewBalanceUsageEvent(a.AccountID, d.balance, ref, now))
	}
	if d.nextState != a.State {
		reason := ReasonBalanceExhausted
		if a.State == StateActiveSubscription {
			reason = ReasonCreditsExhausted
		}
		events = append(events, a.transition(d.nextState, reason, now))
	}
	return events, nil
}

// TopUpBalance credits the prepaid balance. A suspended account resumes
// metered billing. Invalid from NEW, NO_SUBSCRIPTION and CLOSED.
func (a *Account) TopUpBalance(amount int64, ref string, receiptURL *string, now time.Time) ([]Event, error) {
	if amount <= 0 {
		return nil, invalidAmount("top-up amount", amount)
	}
	if !a.State.in(StateActiveSubscription, StateMeteredBilling, StateSuspended) {
		return nil, invalidTransition(CommandTopUpBalance, a.State)
	}
	events := []Event{NewBalanceTopUpEvent(a.AccountID, amount, ref, receiptURL, now)}
	if a.State == StateSuspended {
		events = append(events, a.transition(StateMeteredBilling, ReasonBalanceToppedUp, now))
	}
	return events, nil
}

// StartNewBillingCycle resets monthly credits and returns the account to
// ACTIVE_SUBSCRIPTION. Valid from ACTIVE_SUBSCRIPTION, METERED_BILLING or SUSPENDED.
func (a *Account) StartNewBillingCycle(now time.Time) ([]Event, error) {
	if !a.State.in(StateActiveSubscription, StateMeteredBilling, StateSuspended) {
		return nil, invalidTransition(CommandStartNewBillingCycle, a.State)
	}
	events := []Event{NewMonthlyCreditsResetEvent(a.AccountID, now)}
	if a.State != StateActiveSubscription {
		events = append(events, a.transition(StateActiveSubscription, ReasonBillingCycleStart, now))
	}
	return events, nil
}

// StartBillingCycleOnce starts a cycle unless one was already started at or
// after cycleStart. An account already in the cycle yields no events.
func (a *Account) StartBillingCycleOnce(cycleStart, now time.Time) ([]Event, error) {
	if a.CycleStartedSince(cycleStart) {
		return nil, nil
	}
	return a.StartNewBillingCycle(now)
}

// CycleStartedSince reports whether monthly credits were reset at or after t
func (a *Account) CycleStartedSince(t time.Time) bool {
	return !a.CycleStartedAt.IsZero() && !a.CycleStartedAt.Before(t)
}

// ProcessBalanceRefund returns part of the prepaid balance
func (a *Account) ProcessBalanceRefund(amount int64, ref, reason string, now time.Time) ([]Event, error) {
	if amount <= 0 {
		return nil, invalidAmount("refund amount", amount)
	}
	if amount > a.UsageBalance {
		return nil, insufficientBalance(amount, a.UsageBalance)
	}
	events := []Event{NewBalanceRefundEvent(a.AccountID, amount, ref, reason, now)}
	if a.State == StateMeteredBilling && a.UsageBalance-amount <= 0 {
		events = append(events, a.transition(StateSuspended, ReasonBalanceRefunded, now))
	}
	return events, nil
}

// DetectChargeback records a disputed payment. Valid from any state; the
// account is closed unless it already is.
func (a *Account) DetectChargeback(ref string, amount int64, now time.Time) ([]Event, error) {
	events := []Event{NewChargebackDetectedEvent(a.AccountID, ref, amount, now)}
	if a.State != StateClosed {
		events = append(events, a.transition(StateClosed, ReasonChargeback, now))
	}
	return events, nil
}

func (a *Account) transition(to AccountState, reason string, now time.Time) *StateTransitionEvent {
	return NewStateTransitionEvent(a.AccountID, a.State, to, reason, now)
}

// debitPlan is the arithmetic of a usage debit, shared by RecordUsage and
// SimulateUsage
type debitPlan struct {
	credits     int64
	balance     int64
	balancePath bool
	nextBalance int64
	nextState   AccountState
}

func (a *Account) debit(amount int64) debitPlan {
	p := debitPlan{nextBalance: a.UsageBalance, nextState: a.State}

	if a.State == StateActiveSubscription {
		remaining := a.RemainingCredits()
		if amount < remaining {
			p.credits = amount
			return p
		}
		// amount == remaining takes this path too: the full allotment is
		// consumed and the state is re-evaluated against the balance.
		overflow := amount - remaining
		p.credits = remaining
		p.balance = overflow
		p.balancePath = true
		p.nextBalance = a.UsageBalance - overflow
		if p.nextBalance > 0 {
			p.nextState = StateMeteredBilling
		} else {
			p.nextState = StateSuspended
		}
		return p
	}

	p.balance = amount
	p.balancePath = true
	p.nextBalance = a.UsageBalance - amount
	if a.State == StateMeteredBilling && p.nextBalance <= 0 {
		p.nextState = StateSuspended
	}
	return p
}
