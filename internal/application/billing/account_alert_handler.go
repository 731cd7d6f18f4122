package billing

import (
	"context"

	"github.com/meterline/backend/internal/domain/billing"
	"github.com/meterline/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// AccountAlertHandler logs transitions that need operator or customer
// attention: suspension, return to service and closure.
type AccountAlertHandler struct {
	logger *zap.Logger
}

// NewAccountAlertHandler creates a new AccountAlertHandler
func NewAccountAlertHandler(logger *zap.Logger) *AccountAlertHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountAlertHandler{logger: logger}
}

// EventTypes returns the event types this handler subscribes to
func (h *AccountAlertHandler) EventTypes() []string {
	return []string{billing.EventTypeStateTransition}
}

// Handle handles a state transition event
func (h *AccountAlertHandler) Handle(_ context.Context, event shared.DomainEvent) error {
	t, ok := event.(*billing.StateTransitionEvent)
	if !ok {
		return nil
	}

	fields := []zap.Field{
		zap.String("account_id", t.AggregateID()),
		zap.String("from", t.From.String()),
		zap.String("to", t.To.String()),
		zap.String("reason", t.Reason),
		zap.Time("at", t.OccurredAt()),
	}
	switch {
	case t.To == billing.StateSuspended:
		h.logger.Warn("Account suspended", fields...)
	case t.To == billing.StateClosed:
		h.logger.Warn("Account closed", fields...)
	case t.From == billing.StateSuspended:
		h.logger.Info("Account resumed", fields...)
	}
	return nil
}

var _ shared.EventHandler = (*AccountAlertHandler)(nil)
