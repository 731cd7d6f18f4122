package billing

import (
	"time"

	"github.com/meterline/backend/internal/domain/shared"
)

// Event type tags, persisted alongside each event record
const (
	EventTypeCreditUsage         = "CreditUsage"
	EventTypeBalanceUsage        = "BalanceUsage"
	EventTypeStateTransition     = "StateTransition"
	EventTypeBalanceTopUp        = "BalanceTopUp"
	EventTypeMonthlyCreditsReset = "MonthlyCreditsReset"
	EventTypeBalanceRefund       = "BalanceRefund"
	EventTypeSubscriptionSignup  = "SubscriptionSignup"
	EventTypeSubscriptionCancel  = "SubscriptionCancel"
	EventTypeChargebackDetected  = "ChargebackDetected"
)

// Event is a billing domain event. The set of implementations is closed:
// only the types in this file satisfy it, and Account.Apply switches over
// all of them.
type Event interface {
	shared.DomainEvent
	StreamVersion() int64
	SetStreamVersion(v int64)
	isBillingEvent()
}

// CreditUsageEvent debits the monthly credit allotment
type CreditUsageEvent struct {
	shared.BaseDomainEvent
	Amount int64  `json:"amount"`
	Ref    string `json:"ref"`
}

// BalanceUsageEvent debits the prepaid usage balance
type BalanceUsageEvent struct {
	shared.BaseDomainEvent
	Amount int64  `json:"amount"`
	Ref    string `json:"ref"`
}

// StateTransitionEvent moves the account between lifecycle states
type StateTransitionEvent struct {
	shared.BaseDomainEvent
	From   AccountState `json:"from"`
	To     AccountState `json:"to"`
	Reason string       `json:"reason"`
}

// BalanceTopUpEvent credits the prepaid usage balance
type BalanceTopUpEvent struct {
	shared.BaseDomainEvent
	Amount     int64   `json:"amount"`
	Ref        string  `json:"ref"`
	ReceiptURL *string `json:"receipt_url,omitempty"`
}

// MonthlyCreditsResetEvent starts a new billing cycle
type MonthlyCreditsResetEvent struct {
	shared.BaseDomainEvent
}

// BalanceRefundEvent returns prepaid balance to the customer
type BalanceRefundEvent struct {
	shared.BaseDomainEvent
	Amount int64  `json:"amount"`
	Ref    string `json:"ref"`
	Reason string `json:"reason"`
}

// SubscriptionSignupEvent starts a subscription with a monthly allotment
type SubscriptionSignupEvent struct {
	shared.BaseDomainEvent
	Ref                    string `json:"ref"`
	MonthlyCreditAllotment int64  `json:"monthly_credit_allotment"`
}

// SubscriptionCancelEvent ends the subscription
type SubscriptionCancelEvent struct {
	shared.BaseDomainEvent
	Ref    string `json:"ref"`
	Reason string `json:"reason"`
}

// ChargebackDetectedEvent records a disputed payment and closes the account
type ChargebackDetectedEvent struct {
	shared.BaseDomainEvent
	Ref    string `json:"ref"`
	Amount int64  `json:"amount"`
}

func (*CreditUsageEvent) isBillingEvent()         {}
func (*BalanceUsageEvent) isBillingEvent()        {}
func (*StateTransitionEvent) isBillingEvent()     {}
func (*BalanceTopUpEvent) isBillingEvent()        {}
func (*MonthlyCreditsResetEvent) isBillingEvent() {}
func (*BalanceRefundEvent) isBillingEvent()       {}
func (*SubscriptionSignupEvent) isBillingEvent()  {}
func (*SubscriptionCancelEvent) isBillingEvent()  {}
func (*ChargebackDetectedEvent) isBillingEvent()  {}

// NewCreditUsageEvent creates a CreditUsage event
func NewCreditUsageEvent(accountID string, amount int64, ref string, at time.Time) *CreditUsageEvent {
	return &CreditUsageEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeCreditUsage, accountID, at),
		Amount:          amount,
		Ref:             ref,
	}
}

// NewBalanceUsageEvent creates a BalanceUsage event
func NewBalanceUsageEvent(accountID string, amount int64, ref string, at time.Time) *BalanceUsageEvent {
	return &BalanceUsageEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeBalanceUsage, accountID, at),
		Amount:          amount,
		Ref:             ref,
	}
}

// NewStateTransitionEvent creates a StateTransition event
func NewStateTransitionEvent(accountID string, from, to AccountState, reason string, at time.Time) *StateTransitionEvent {
	return &StateTransitionEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeStateTransition, accountID, at),
		From:            from,
		To:              to,
		Reason:          reason,
	}
}

// NewBalanceTopUpEvent creates a BalanceTopUp event. receiptURL may be nil.
func NewBalanceTopUpEvent(accountID string, amount int64, ref string, receiptURL *string, at time.Time) *BalanceTopUpEvent {
	return &BalanceTopUpEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeBalanceTopUp, accountID, at),
		Amount:          amount,
		Ref:             ref,
		ReceiptURL:      receiptURL,
	}
}

// NewMonthlyCreditsResetEvent creates a MonthlyCreditsReset event
func NewMonthlyCreditsResetEvent(accountID string, at time.Time) *MonthlyCreditsResetEvent {
	return &MonthlyCreditsResetEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeMonthlyCreditsReset, accountID, at),
	}
}

// NewBalanceRefundEvent creates a BalanceRefund event
func NewBalanceRefundEvent(accountID string, amount int64, ref, reason string, at time.Time) *BalanceRefundEvent {
	return &BalanceRefundEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeBalanceRefund, accountID, at),
		Amount:          amount,
		Ref:             ref,
		Reason:          reason,
	}
}

// NewSubscriptionSignupEvent creates a SubscriptionSignup event
func NewSubscriptionSignupEvent(accountID, ref string, allotment int64, at time.Time) *SubscriptionSignupEvent {
	return &SubscriptionSignupEvent{
		BaseDomainEvent:        shared.NewBaseDomainEvent(EventTypeSubscriptionSignup, accountID, at),
		Ref:                    ref,
		MonthlyCreditAllotment: allotment,
	}
}

// NewSubscriptionCancelEvent creates a SubscriptionCancel event
func NewSubscriptionCancelEvent(accountID, ref, reason string, at time.Time) *SubscriptionCancelEvent {
	return &SubscriptionCancelEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeSubscriptionCancel, accountID, at),
		Ref:             ref,
		Reason:          reason,
	}
}

// NewChargebackDetectedEvent creates a ChargebackDetected event
func NewChargebackDetectedEvent(accountID, ref string, amount int64, at time.Time) *ChargebackDetectedEvent {
	return &ChargebackDetectedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeChargebackDetected, accountID, at),
		Ref:             ref,
		Amount:          amount,
	}
}
