package billing

// UsageImpact is the outcome of a usage debit computed without emitting events
type UsageImpact struct {
	Cost                 int64
	Accepted             bool // false when the current state rejects usage
	CreditsDebited       int64
	BalanceDebited       int64
	ProjectedBalance     int64
	ProjectedCreditsUsed int64
	ProjectedState       AccountState
	WouldBeSuspended     bool
	WouldBeMetered       bool
	WouldBeLowBalance    bool
}

// CanAfford reports whether cost can be covered by remaining credits and the
// prepaid balance without going negative.
func (a *Account) CanAfford(cost int64) bool {
	switch a.State {
	case StateSuspended:
		return false
	case StateActiveSubscription:
		remaining := a.RemainingCredits()
		if cost <= remaining {
			return true
		}
		return a.UsageBalance >= cost-remaining
	default:
		return a.UsageBalance-cost >= 0
	}
}

// SimulateUsage runs the RecordUsage arithmetic for cost. Balances strictly
// below lowBalanceThreshold are flagged unless the account is closed.
func (a *Account) SimulateUsage(cost, lowBalanceThreshold int64) UsageImpact {
	impact := UsageImpact{
		Cost:                 cost,
		ProjectedBalance:     a.UsageBalance,
		ProjectedCreditsUsed: a.MonthlyCreditsUsed,
		ProjectedState:       a.State,
	}

	if a.State.AcceptsUsage() {
		impact.Accepted = true
		if cost > 0 {
			d := a.debit(cost)
			impact.CreditsDebited = d.credits
			impact.BalanceDebited = d.balance
			impact.ProjectedBalance = d.nextBalance
			impact.ProjectedCreditsUsed = a.MonthlyCreditsUsed + d.credits
			impact.ProjectedState = d.nextState
		}
	}

	impact.WouldBeSuspended = impact.ProjectedState == StateSuspended
	impact.WouldBeMetered = impact.ProjectedState == StateMeteredBilling
	impact.WouldBeLowBalance = !impact.ProjectedState.IsTerminal() &&
		impact.ProjectedBalance < lowBalanceThreshold
	return impact
}
