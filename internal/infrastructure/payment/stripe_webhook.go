package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	billingapp "github.com/meterline/backend/internal/application/billing"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"
)

// Stripe event types that move money on a billing account
const (
	StripeEventPaymentIntentSucceeded = "payment_intent.succeeded"
	StripeEventRefundCreated          = "refund.created"
	StripeEventRefundUpdated          = "refund.updated"
	StripeEventDisputeCreated         = "charge.dispute.created"
)

var (
	// ErrInvalidSignature is returned when the payload fails signature verification
	ErrInvalidSignature = errors.New("webhook signature verification failed")

	// ErrIgnoredEvent is returned for well-formed events that do not affect billing.
	// Callers acknowledge them so the gateway stops redelivering.
	ErrIgnoredEvent = errors.New("webhook event ignored")

	// ErrMalformedEvent is returned when a verified event lacks required data
	ErrMalformedEvent = errors.New("malformed webhook event")
)

// StripeWebhookParser verifies Stripe webhook deliveries and converts them to
// payment notifications
type StripeWebhookParser struct {
	config *StripeConfig
	logger *zap.Logger
}

// NewStripeWebhookParser creates a parser. The config is validated.
func NewStripeWebhookParser(config *StripeConfig, logger *zap.Logger) (*StripeWebhookParser, error) {
	if config == nil {
		return nil, fmt.Errorf("stripe: configuration is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeWebhookParser{config: config, logger: logger}, nil
}

// Parse verifies payload against the Stripe-Signature header value and maps
// the event to a notification
func (p *StripeWebhookParser) Parse(payload []byte, signatureHeader string) (*billingapp.PaymentNotification, error) {
	opts := webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: p.config.IgnoreAPIVersionMismatch,
	}
	if p.config.SignatureTolerance > 0 {
		opts.Tolerance = p.config.SignatureTolerance
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.config.WebhookSecret, opts)
	if err != nil {
		p.logger.Warn("Failed to verify Stripe webhook", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformedEvent, event.ID)
	}

	p.logger.Debug("Verified Stripe webhook",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	)

	switch string(event.Type) {
	case StripeEventPaymentIntentSucceeded:
		return p.parsePaymentIntent(event)
	case StripeEventRefundCreated, StripeEventRefundUpdated:
		return p.parseRefund(event)
	case StripeEventDisputeCreated:
		return p.parseDispute(event)
	}
	return nil, fmt.Errorf("%w: type %s", ErrIgnoredEvent, event.Type)
}

func (p *StripeWebhookParser) parsePaymentIntent(event stripe.Event) (*billingapp.PaymentNotification, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := p.checkCurrency(string(pi.Currency)); err != nil {
		return nil, err
	}

	accountID, err := p.accountID(pi.Metadata, pi.LatestCharge)
	if err != nil {
		return nil, err
	}

	amount := pi.AmountReceived
	if amount == 0 {
		amount = pi.Amount
	}
	n := &billingapp.PaymentNotification{
		Kind:      billingapp.PaymentKindTopUp,
		AccountID: accountID,
		Amount:    amount,
		Ref:       pi.ID,
	}
	if pi.LatestCharge != nil && pi.LatestCharge.ReceiptURL != "" {
		receipt := pi.LatestCharge.ReceiptURL
		n.ReceiptURL = &receipt
	}
	return n, nil
}

func (p *StripeWebhookParser) parseRefund(event stripe.Event) (*billingapp.PaymentNotification, error) {
	var refund stripe.Refund
	if err := json.Unmarshal(event.Data.Raw, &refund); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if refund.Status != stripe.RefundStatusSucceeded {
		return nil, fmt.Errorf("%w: refund %s is %s", ErrIgnoredEvent, refund.ID, refund.Status)
	}
	if err := p.checkCurrency(string(refund.Currency)); err != nil {
		return nil, err
	}

	accountID, err := p.accountID(refund.Metadata, refund.Charge)
	if err != nil {
		return nil, err
	}
	return &billingapp.PaymentNotification{
		Kind:      billingapp.PaymentKindRefund,
		AccountID: accountID,
		Amount:    refund.Amount,
		Ref:       refund.ID,
		Reason:    string(refund.Reason),
	}, nil
}

func (p *StripeWebhookParser) parseDispute(event stripe.Event) (*billingapp.PaymentNotification, error) {
	var dispute stripe.Dispute
	if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	accountID, err := p.accountID(dispute.Metadata, dispute.Charge)
	if err != nil {
		return nil, err
	}
	return &billingapp.PaymentNotification{
		Kind:      billingapp.PaymentKindChargeback,
		AccountID: accountID,
		Amount:    dispute.Amount,
		Ref:       dispute.ID,
		Reason:    string(dispute.Reason),
	}, nil
}

// accountID reads the account id from the object's metadata, falling back to
// the metadata of an expanded charge
func (p *StripeWebhookParser) accountID(metadata map[string]string, charge *stripe.Charge) (string, error) {
	key := p.config.accountKey()
	if id := metadata[key]; id != "" {
		return id, nil
	}
	if charge != nil {
		if id := charge.Metadata[key]; id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: metadata %q is missing", ErrMalformedEvent, key)
}

func (p *StripeWebhookParser) checkCurrency(currency string) error {
	if currency == "" || strings.EqualFold(currency, p.config.Currency) {
		return nil
	}
	return fmt.Errorf("%w: currency %s is not %s", ErrIgnoredEvent, currency, p.config.Currency)
}
