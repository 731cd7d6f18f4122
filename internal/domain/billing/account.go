package billing

import (
	"time"

	"github.com/meterline/backend/internal/domain/shared"
)

// Account is the billing aggregate for one user. It is a projection of the
// account's event stream and is never persisted directly.
type Account struct {
	shared.BaseAggregateRoot
	AccountID              string
	State                  AccountState
	UsageBalance           int64 // signed, smallest currency unit
	MonthlyCreditAllotment int64
	MonthlyCreditsUsed     int64
	LastEventAt            time.Time
	CycleStartedAt         time.Time // time of the last MonthlyCreditsReset
}

// NewAccount returns the zero aggregate: state NEW, zero amounts, version 0
func NewAccount(accountID string) *Account {
	return &Account{
		AccountID: accountID,
		State:     StateNew,
	}
}

// Replay rebuilds an account by applying events in order to the zero aggregate
func Replay(accountID string, events []Event) *Account {
	a := NewAccount(accountID)
	for _, e := range events {
		a.Apply(e)
	}
	return a
}

// AggregateID returns the account identifier
func (a *Account) AggregateID() string {
	return a.AccountID
}

// Apply folds a single event into the aggregate. It never fails. The version
// moves to the event's stream version when it has one, otherwise by one.
func (a *Account) Apply(e Event) {
	switch ev := e.(type) {
	case *CreditUsageEvent:
		a.MonthlyCreditsUsed += ev.Amount
	case *BalanceUsageEvent:
		a.UsageBalance -= ev.Amount
	case *StateTransitionEvent:
		// CLOSED is terminal
		if !a.State.IsTerminal() {
			a.State = ev.To
		}
	case *BalanceTopUpEvent:
		a.UsageBalance += ev.Amount
	case *MonthlyCreditsResetEvent:
		a.MonthlyCreditsUsed = 0
		a.CycleStartedAt = ev.OccurredAt()
	case *BalanceRefundEvent:
		a.UsageBalance -= ev.Amount
	case *SubscriptionSignupEvent:
		a.MonthlyCreditAllotment = ev.MonthlyCreditAllotment
	case *SubscriptionCancelEvent:
		a.MonthlyCreditAllotment = 0
	case *ChargebackDetectedEvent:
		a.UsageBalance = 0
		a.MonthlyCreditAllotment = 0
	}
	if t := e.OccurredAt(); t.After(a.LastEventAt) {
		a.LastEventAt = t
	}
	if v := e.StreamVersion(); v > 0 {
		a.AdvanceTo(v)
	} else {
		a.IncrementVersion()
	}
}

// ApplyAll applies events in order
func (a *Account) ApplyAll(events []Event) {
	for _, e := range events {
		a.Apply(e)
	}
}

// Clone returns a copy that can be mutated without affecting a
func (a *Account) Clone() *Account {
	c := *a
	return &c
}

// RemainingCredits returns the unused part of the monthly allotment, never negative
func (a *Account) RemainingCredits() int64 {
	remaining := a.MonthlyCreditAllotment - a.MonthlyCreditsUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
