package billing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountState_IsValid(t *testing.T) {
	for _, s := range AllAccountStates() {
		assert.True(t, s.IsValid(), s)
	}
	assert.False(t, AccountState("").IsValid())
	assert.False(t, AccountState("active").IsValid())
}

func TestAccountState_AcceptsUsage(t *testing.T) {
	tests := map[AccountState]bool{
		StateNew:                false,
		StateActiveSubscription: true,
		StateNoSubscription:     false,
		StateMeteredBilling:     true,
		StateSuspended:          true,
		StateClosed:             false,
	}
	for state, want := range tests {
		assert.Equal(t, want, state.AcceptsUsage(), state)
	}
}

func TestAccountState_UnmarshalText(t *testing.T) {
	t.Run("accepts known names", func(t *testing.T) {
		var s AccountState
		require.NoError(t, json.Unmarshal([]byte(`"METERED_BILLING"`), &s))
		assert.Equal(t, StateMeteredBilling, s)
	})

	t.Run("rejects unknown names", func(t *testing.T) {
		var s AccountState
		err := json.Unmarshal([]byte(`"FROZEN"`), &s)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid account state")
	})
}
