package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/meterline/backend/internal/domain/shared"
	"github.com/meterline/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// PaymentKind is the kind of a gateway notification
type PaymentKind string

const (
	PaymentKindTopUp      PaymentKind = "top_up"
	PaymentKindRefund     PaymentKind = "refund"
	PaymentKindChargeback PaymentKind = "chargeback"
)

// ErrUnsupportedPaymentKind is returned for notifications of an unknown kind
var ErrUnsupportedPaymentKind = errors.New("unsupported payment notification kind")

// PaymentNotification is a gateway notification normalised to billing terms.
// Ref is the gateway's stable reference for the payment, refund or dispute.
type PaymentNotification struct {
	Kind       PaymentKind
	AccountID  string
	Amount     int64
	Ref        string
	ReceiptURL *string
	Reason     string
}

// IdempotencyKey is the key under which the notification is remembered
func (n *PaymentNotification) IdempotencyKey() string {
	return fmt.Sprintf("payment:%s:%s", n.Kind, n.Ref)
}

// PaymentResult is the outcome of handling a notification
type PaymentResult struct {
	// Duplicate is true when the notification was already handled and skipped
	Duplicate bool
	Result    *CommandResult
}

// PaymentCommands is the part of CommandHandler used by the payment adapter
type PaymentCommands interface {
	TopUpBalance(ctx context.Context, accountID string, amount int64, ref string, receiptURL *string) (*CommandResult, error)
	ProcessBalanceRefund(ctx context.Context, accountID string, amount int64, ref, reason string) (*CommandResult, error)
	DetectChargeback(ctx context.Context, accountID, ref string, amount int64) (*CommandResult, error)
}

// PaymentEventServiceConfig configures PaymentEventService
type PaymentEventServiceConfig struct {
	Commands      PaymentCommands
	Idempotency   shared.IdempotencyStore
	Config        shared.IdempotencyConfig
	RetryAttempts int
	Logger        *zap.Logger
}

// PaymentEventService applies payment gateway notifications to accounts and
// drops redelivered ones
type PaymentEventService struct {
	commands      PaymentCommands
	idempotency   shared.IdempotencyStore
	config        shared.IdempotencyConfig
	retryAttempts int
	logger        *zap.Logger
}

// NewPaymentEventService creates a new PaymentEventService
func NewPaymentEventService(cfg PaymentEventServiceConfig) *PaymentEventService {
	s := &PaymentEventService{
		commands:      cfg.Commands,
		idempotency:   cfg.Idempotency,
		config:        cfg.Config,
		retryAttempts: cfg.RetryAttempts,
		logger:        cfg.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.config.TTL <= 0 {
		s.config.TTL = shared.DefaultIdempotencyConfig().TTL
	}
	return s
}

// Handle applies n once. A redelivery of a handled notification returns a
// result with Duplicate set. When the command fails for a reason other than
// a domain rejection the key is released so the gateway can retry.
func (s *PaymentEventService) Handle(ctx context.Context, n *PaymentNotification) (*PaymentResult, error) {
	if err := validateNotification(n); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartServiceSpan(ctx, "billing_payment", string(n.Kind),
		telemetry.WithAttribute(telemetry.SpanAttrAccountID, n.AccountID),
		telemetry.WithAttribute(telemetry.SpanAttrRef, n.Ref),
		telemetry.WithAttribute(telemetry.SpanAttrAmount, n.Amount),
	)
	defer span.End()

	key := n.IdempotencyKey()
	guarded := s.config.Enabled && s.idempotency != nil
	if guarded {
		first, err := s.idempotency.MarkProcessed(ctx, key, s.config.TTL)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("failed to check payment idempotency: %w", err)
		}
		if !first {
			telemetry.AddEvent(span, "duplicate_notification")
			s.logger.Info("Skipping duplicate payment notification",
				zap.String("key", key),
				zap.String("account_id", n.AccountID),
			)
			return &PaymentResult{Duplicate: true}, nil
		}
	}

	result, err := RetryOnConflict(ctx, s.retryAttempts, func(ctx context.Context) (*CommandResult, error) {
		return s.dispatch(ctx, n)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		if guarded && !isRejection(err) {
			if releaseErr := s.idempotency.Release(ctx, key); releaseErr != nil {
				s.logger.Error("Failed to release payment idempotency key",
					zap.String("key", key),
					zap.Error(releaseErr),
				)
			}
		}
		s.logger.Warn("Payment notification failed",
			zap.String("kind", string(n.Kind)),
			zap.String("account_id", n.AccountID),
			zap.String("ref", n.Ref),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("Payment notification applied",
		zap.String("kind", string(n.Kind)),
		zap.String("account_id", n.AccountID),
		zap.String("ref", n.Ref),
		zap.Int64("amount", n.Amount),
		zap.Int64("version", result.Account.Version),
	)
	return &PaymentResult{Result: result}, nil
}

func (s *PaymentEventService) dispatch(ctx context.Context, n *PaymentNotification) (*CommandResult, error) {
	switch n.Kind {
	case PaymentKindTopUp:
		return s.commands.TopUpBalance(ctx, n.AccountID, n.Amount, n.Ref, n.ReceiptURL)
	case PaymentKindRefund:
		return s.commands.ProcessBalanceRefund(ctx, n.AccountID, n.Amount, n.Ref, n.Reason)
	case PaymentKindChargeback:
		return s.commands.DetectChargeback(ctx, n.AccountID, n.Ref, n.Amount)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedPaymentKind, n.Kind)
}

func validateNotification(n *PaymentNotification) error {
	switch {
	case n == nil:
		return shared.NewDomainError(shared.ErrInvalidInput.Code, "payment notification is required")
	case n.AccountID == "":
		return shared.NewDomainError(shared.ErrInvalidInput.Code, "payment notification has no account id")
	case n.Ref == "":
		return shared.NewDomainError(shared.ErrInvalidInput.Code, "payment notification has no reference")
	}
	switch n.Kind {
	case PaymentKindTopUp, PaymentKindRefund, PaymentKindChargeback:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedPaymentKind, n.Kind)
}
