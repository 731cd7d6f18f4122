package event

import "github.com/meterline/backend/internal/domain/billing"

// RegisterBillingEvents registers all billing event types with the serializer.
// Every stored type tag must be registered here or replay will skip the record.
func RegisterBillingEvents(serializer *EventSerializer) {
	serializer.Register(billing.EventTypeCreditUsage, &billing.CreditUsageEvent{})
	serializer.Register(billing.EventTypeBalanceUsage, &billing.BalanceUsageEvent{})
	serializer.Register(billing.EventTypeStateTransition, &billing.StateTransitionEvent{})
	serializer.Register(billing.EventTypeBalanceTopUp, &billing.BalanceTopUpEvent{})
	serializer.Register(billing.EventTypeMonthlyCreditsReset, &billing.MonthlyCreditsResetEvent{})
	serializer.Register(billing.EventTypeBalanceRefund, &billing.BalanceRefundEvent{})
	serializer.Register(billing.EventTypeSubscriptionSignup, &billing.SubscriptionSignupEvent{})
	serializer.Register(billing.EventTypeSubscriptionCancel, &billing.SubscriptionCancelEvent{})
	serializer.Register(billing.EventTypeChargebackDetected, &billing.ChargebackDetectedEvent{})
}
