package billing

import (
	"context"
	"testing"

	"github.com/meterline/backend/internal/domain/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAccountAlertHandler(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := NewAccountAlertHandler(zap.New(core))
	ctx := context.Background()

	assert.Equal(t, []string{billing.EventTypeStateTransition}, h.EventTypes())

	events := []billing.Event{
		billing.NewStateTransitionEvent("acct-1", billing.StateActiveSubscription, billing.StateSuspended, billing.ReasonCreditsExhausted, testNow),
		billing.NewStateTransitionEvent("acct-1", billing.StateSuspended, billing.StateMeteredBilling, billing.ReasonBalanceToppedUp, testNow),
		billing.NewStateTransitionEvent("acct-1", billing.StateMeteredBilling, billing.StateClosed, billing.ReasonChargeback, testNow),
		billing.NewStateTransitionEvent("acct-2", billing.StateNew, billing.StateActiveSubscription, billing.ReasonSubscriptionSignup, testNow),
		billing.NewBalanceTopUpEvent("acct-1", 10, "pi_1", nil, testNow),
	}
	for _, e := range events {
		require.NoError(t, h.Handle(ctx, e))
	}

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	assert.Equal(t, "Account suspended", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "Account resumed", entries[1].Message)
	assert.Equal(t, "Account closed", entries[2].Message)
	assert.Equal(t, "acct-1", entries[2].ContextMap()["account_id"])
}
