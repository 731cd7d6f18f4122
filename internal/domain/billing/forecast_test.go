package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccount_CanAfford(t *testing.T) {
	t.Run("suspended accounts can never afford usage", func(t *testing.T) {
		assert.False(t, suspendedAccount(t).CanAfford(1))
	})

	t.Run("subscription covers cost from credits then balance", func(t *testing.T) {
		a, _ := accountWithHistory(t, signup(500), topUp(100), usage(100))
		assert.True(t, a.CanAfford(400))
		assert.True(t, a.CanAfford(500))
		assert.False(t, a.CanAfford(501))
	})

	t.Run("metered accounts use the balance", func(t *testing.T) {
		a, _ := accountWithHistory(t, signup(100), topUp(300), usage(200))
		assert.True(t, a.CanAfford(200))
		assert.False(t, a.CanAfford(201))
	})
}

func TestAccount_SimulateUsage(t *testing.T) {
	t.Run("matches the outcome of RecordUsage", func(t *testing.T) {
		a, _ := accountWithHistory(t, signup(500))
		impact := a.SimulateUsage(700, 500)

		events, err := a.RecordUsage(700, "u", testNow)
		assert.NoError(t, err)
		after := a.Clone()
		after.ApplyAll(events)

		assert.True(t, impact.Accepted)
		assert.Equal(t, after.UsageBalance, impact.ProjectedBalance)
		assert.Equal(t, after.MonthlyCreditsUsed, impact.ProjectedCreditsUsed)
		assert.Equal(t, after.State, impact.ProjectedState)
		assert.True(t, impact.WouldBeSuspended)
		assert.False(t, impact.WouldBeMetered)
		assert.True(t, impact.WouldBeLowBalance)
		assert.Equal(t, int64(0), a.MonthlyCreditsUsed, "simulation must not mutate")
	})

	t.Run("flags entering metered billing", func(t *testing.T) {
		a, _ := accountWithHistory(t, signup(500), topUp(2000))
		impact := a.SimulateUsage(600, 500)

		assert.True(t, impact.WouldBeMetered)
		assert.False(t, impact.WouldBeSuspended)
		assert.False(t, impact.WouldBeLowBalance)
		assert.Equal(t, int64(500), impact.CreditsDebited)
		assert.Equal(t, int64(100), impact.BalanceDebited)
	})

	t.Run("closed accounts are never low balance", func(t *testing.T) {
		a, _ := accountWithHistory(t, func(a *Account) ([]Event, error) { return a.DetectChargeback("dp", 1, testNow) })
		impact := a.SimulateUsage(10, 500)

		assert.False(t, impact.Accepted)
		assert.Equal(t, StateClosed, impact.ProjectedState)
		assert.False(t, impact.WouldBeLowBalance)
	})
}
