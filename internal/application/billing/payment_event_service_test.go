package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meterline/backend/internal/domain/billing"
	"github.com/meterline/backend/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestPaymentService(commands PaymentCommands, store shared.IdempotencyStore) *PaymentEventService {
	return NewPaymentEventService(PaymentEventServiceConfig{
		Commands:      commands,
		Idempotency:   store,
		Config:        shared.IdempotencyConfig{Enabled: true, TTL: time.Hour},
		RetryAttempts: 2,
	})
}

func TestPaymentNotification_IdempotencyKey(t *testing.T) {
	n := &PaymentNotification{Kind: PaymentKindRefund, Ref: "re_123"}
	assert.Equal(t, "payment:refund:re_123", n.IdempotencyKey())
}

func TestPaymentEventService_Dispatch(t *testing.T) {
	ctx := context.Background()
	receipt := "https://pay.example.com/r/1"
	ok := &CommandResult{Account: billing.NewAccount("acct-1")}

	commands := new(mockPaymentCommands)
	commands.On("TopUpBalance", mock.Anything, "acct-1", int64(500), "pi_1", &receipt).Return(ok, nil).Once()
	commands.On("ProcessBalanceRefund", mock.Anything, "acct-1", int64(100), "re_1", "requested_by_customer").Return(ok, nil).Once()
	commands.On("DetectChargeback", mock.Anything, "acct-1", "dp_1", int64(500)).Return(ok, nil).Once()

	idem := new(mockIdempotencyStore)
	idem.On("MarkProcessed", mock.Anything, mock.Anything, time.Hour).Return(true, nil)

	s := newTestPaymentService(commands, idem)
	for _, n := range []*PaymentNotification{
		{Kind: PaymentKindTopUp, AccountID: "acct-1", Amount: 500, Ref: "pi_1", ReceiptURL: &receipt},
		{Kind: PaymentKindRefund, AccountID: "acct-1", Amount: 100, Ref: "re_1", Reason: "requested_by_customer"},
		{Kind: PaymentKindChargeback, AccountID: "acct-1", Amount: 500, Ref: "dp_1"},
	} {
		result, err := s.Handle(ctx, n)
		require.NoError(t, err, n.Kind)
		assert.False(t, result.Duplicate)
		assert.Same(t, ok, result.Result)
	}

	commands.AssertExpectations(t)
	idem.AssertCalled(t, "MarkProcessed", mock.Anything, "payment:top_up:pi_1", time.Hour)
	idem.AssertCalled(t, "MarkProcessed", mock.Anything, "payment:chargeback:dp_1", time.Hour)
}

func TestPaymentEventService_Duplicate(t *testing.T) {
	commands := new(mockPaymentCommands)
	idem := new(mockIdempotencyStore)
	idem.On("MarkProcessed", mock.Anything, "payment:top_up:pi_1", time.Hour).Return(false, nil)

	s := newTestPaymentService(commands, idem)
	result, err := s.Handle(context.Background(), &PaymentNotification{
		Kind: PaymentKindTopUp, AccountID: "acct-1", Amount: 500, Ref: "pi_1",
	})
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	commands.AssertNotCalled(t, "TopUpBalance", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPaymentEventService_Failures(t *testing.T) {
	ctx := context.Background()
	n := &PaymentNotification{Kind: PaymentKindRefund, AccountID: "acct-1", Amount: 100, Ref: "re_1"}

	t.Run("domain rejection keeps the key", func(t *testing.T) {
		commands := new(mockPaymentCommands)
		commands.On("ProcessBalanceRefund", mock.Anything, "acct-1", int64(100), "re_1", "").
			Return(nil, billing.ErrInsufficientBalance)
		idem := new(mockIdempotencyStore)
		idem.On("MarkProcessed", mock.Anything, "payment:refund:re_1", time.Hour).Return(true, nil)

		_, err := newTestPaymentService(commands, idem).Handle(ctx, n)
		assert.ErrorIs(t, err, billing.ErrInsufficientBalance)
		idem.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
	})

	t.Run("infrastructure failure releases the key", func(t *testing.T) {
		commands := new(mockPaymentCommands)
		commands.On("ProcessBalanceRefund", mock.Anything, "acct-1", int64(100), "re_1", "").
			Return(nil, errors.New("db down"))
		idem := new(mockIdempotencyStore)
		idem.On("MarkProcessed", mock.Anything, "payment:refund:re_1", time.Hour).Return(true, nil)
		idem.On("Release", mock.Anything, "payment:refund:re_1").Return(nil).Once()

		_, err := newTestPaymentService(commands, idem).Handle(ctx, n)
		assert.EqualError(t, err, "db down")
		idem.AssertExpectations(t)
	})

	t.Run("exhausted conflicts release the key", func(t *testing.T) {
		commands := new(mockPaymentCommands)
		commands.On("ProcessBalanceRefund", mock.Anything, "acct-1", int64(100), "re_1", "").
			Return(nil, billing.NewConcurrencyConflict("acct-1", 3, 4)).Twice()
		idem := new(mockIdempotencyStore)
		idem.On("MarkProcessed", mock.Anything, "payment:refund:re_1", time.Hour).Return(true, nil)
		idem.On("Release", mock.Anything, "payment:refund:re_1").Return(nil).Once()

		_, err := newTestPaymentService(commands, idem).Handle(ctx, n)
		assert.ErrorIs(t, err, billing.ErrConcurrencyConflict)
		commands.AssertExpectations(t)
		idem.AssertExpectations(t)
	})

	t.Run("store error", func(t *testing.T) {
		idem := new(mockIdempotencyStore)
		idem.On("MarkProcessed", mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("redis down"))

		_, err := newTestPaymentService(new(mockPaymentCommands), idem).Handle(ctx, n)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis down")
	})
}

func TestPaymentEventService_Validation(t *testing.T) {
	s := newTestPaymentService(new(mockPaymentCommands), new(mockIdempotencyStore))
	ctx := context.Background()

	_, err := s.Handle(ctx, nil)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = s.Handle(ctx, &PaymentNotification{Kind: PaymentKindTopUp, Ref: "pi_1"})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = s.Handle(ctx, &PaymentNotification{Kind: PaymentKindTopUp, AccountID: "acct-1"})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = s.Handle(ctx, &PaymentNotification{Kind: "payout", AccountID: "acct-1", Ref: "po_1"})
	assert.ErrorIs(t, err, ErrUnsupportedPaymentKind)
}

func TestPaymentEventService_GuardDisabled(t *testing.T) {
	commands := new(mockPaymentCommands)
	commands.On("DetectChargeback", mock.Anything, "acct-1", "dp_1", int64(0)).
		Return(&CommandResult{Account: billing.NewAccount("acct-1")}, nil).Twice()

	s := NewPaymentEventService(PaymentEventServiceConfig{Commands: commands})
	n := &PaymentNotification{Kind: PaymentKindChargeback, AccountID: "acct-1", Ref: "dp_1"}
	for i := 0; i < 2; i++ {
		result, err := s.Handle(context.Background(), n)
		require.NoError(t, err)
		assert.False(t, result.Duplicate)
	}
	commands.AssertExpectations(t)
}
