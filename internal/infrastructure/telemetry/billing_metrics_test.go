package telemetry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/meterline/backend/internal/domain/billing"
	"github.com/meterline/backend/internal/domain/shared"
	"github.com/meterline/backend/internal/infrastructure/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func newTestMetrics(t *testing.T) (*telemetry.BillingMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := telemetry.NewBillingMetrics(provider.Meter("test"), zap.NewNop())
	require.NoError(t, err)
	return m, reader
}

// sumValue returns the int64 sum recorded for name at the given attributes.
func sumValue(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	want := attribute.NewSet(attrs...)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if dp.Attributes.Equals(&want) {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestNewBillingMetrics_NilMeter(t *testing.T) {
	m, err := telemetry.NewBillingMetrics(nil, zap.NewNop())

	require.ErrorIs(t, err, telemetry.ErrMeterNil)
	assert.Nil(t, m)
}

func TestBillingMetrics_HandleCountsCommittedEvents(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.Handle(ctx, billing.NewBalanceTopUpEvent("acct-1", 300, "tx-1", nil, at)))
	require.NoError(t, m.Handle(ctx, billing.NewBalanceTopUpEvent("acct-1", 100, "tx-2", nil, at)))
	require.NoError(t, m.Handle(ctx, billing.NewStateTransitionEvent("acct-1",
		billing.StateActiveSubscription, billing.StateSuspended, billing.ReasonCreditsExhausted, at)))

	assert.Equal(t, int64(2), sumValue(t, reader, "billing.events.committed",
		telemetry.AttrEventType.String(billing.EventTypeBalanceTopUp)))
	assert.Equal(t, int64(1), sumValue(t, reader, "billing.state.transitions",
		telemetry.AttrState.String("SUSPENDED"),
		telemetry.AttrReason.String(billing.ReasonCreditsExhausted)))
}

func TestBillingMetrics_TransitionReasonDropsReference(t *testing.T) {
	m, reader := newTestMetrics(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.Handle(context.Background(), billing.NewStateTransitionEvent("acct-1",
		billing.StateNew, billing.StateNoSubscription, billing.ReasonSubscriptionSkip+":onboarding-42", at)))

	assert.Equal(t, int64(1), sumValue(t, reader, "billing.state.transitions",
		telemetry.AttrState.String("NO_SUBSCRIPTION"),
		telemetry.AttrReason.String(billing.ReasonSubscriptionSkip)))
}

func TestBillingMetrics_RecordCommand(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCommand(ctx, "record_usage", time.Millisecond, nil)
	m.RecordCommand(ctx, "record_usage", time.Millisecond, billing.NewConcurrencyConflict("acct-1", 3, 4))
	m.RecordCommand(ctx, "record_usage", time.Millisecond, shared.ErrInvalidAmount)

	assert.Equal(t, int64(1), sumValue(t, reader, "billing.commands",
		telemetry.AttrCommand.String("record_usage"), telemetry.AttrOutcome.String(telemetry.OutcomeOK)))
	assert.Equal(t, int64(1), sumValue(t, reader, "billing.commands",
		telemetry.AttrCommand.String("record_usage"), telemetry.AttrOutcome.String(telemetry.OutcomeConflict)))
	assert.Equal(t, int64(1), sumValue(t, reader, "billing.commands",
		telemetry.AttrCommand.String("record_usage"),
		telemetry.AttrOutcome.String(telemetry.OutcomeDomainError),
		telemetry.AttrErrorCode.String("INVALID_AMOUNT")))
}

func TestBillingMetrics_RecordCorruptRecordAndJobRun(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCorruptRecord(ctx, "LegacyEvent")
	m.RecordJobRun(ctx, "billing_cycle", nil)
	m.RecordJobRun(ctx, "billing_cycle", errors.New("db down"))
	m.RecordReplay(ctx, 2*time.Millisecond, 12)

	assert.Equal(t, int64(1), sumValue(t, reader, "billing.events.corrupt_skipped",
		telemetry.AttrEventType.String("LegacyEvent")))
	assert.Equal(t, int64(1), sumValue(t, reader, "billing.job.runs",
		telemetry.AttrJob.String("billing_cycle"), telemetry.AttrOutcome.String(telemetry.OutcomeError)))
}

func TestCommandOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, telemetry.OutcomeOK},
		{"conflict", billing.NewConcurrencyConflict("a", 1, 2), telemetry.OutcomeConflict},
		{"wrapped domain error", fmt.Errorf("decide: %w", shared.ErrInvalidTransition), telemetry.OutcomeDomainError},
		{"infrastructure", errors.New("connection reset"), telemetry.OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, telemetry.CommandOutcome(tt.err))
		})
	}
}

func TestBillingMetrics_SubscribesToAllEvents(t *testing.T) {
	m, _ := newTestMetrics(t)
	assert.Empty(t, m.EventTypes())
}
