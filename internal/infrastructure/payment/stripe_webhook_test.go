package payment

import (
	"encoding/json"
	"testing"
	"time"

	billingapp "github.com/meterline/backend/internal/application/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap/zaptest"
)

const testWebhookSecret = "whsec_test_secret"

func testStripeConfig() *StripeConfig {
	return &StripeConfig{
		WebhookSecret: testWebhookSecret,
		Currency:      "usd",
	}
}

func newTestParser(t *testing.T) *StripeWebhookParser {
	t.Helper()
	p, err := NewStripeWebhookParser(testStripeConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return p
}

func stripeEvent(t *testing.T, id, eventType string, object map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return payload
}

func sign(payload []byte, secret string, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	})
	return signed.Header
}

func TestStripeConfig_Validate(t *testing.T) {
	assert.NoError(t, testStripeConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*StripeConfig)
	}{
		{"missing secret", func(c *StripeConfig) { c.WebhookSecret = "" }},
		{"wrong secret prefix", func(c *StripeConfig) { c.WebhookSecret = "sk_test_123" }},
		{"missing currency", func(c *StripeConfig) { c.Currency = "" }},
		{"negative tolerance", func(c *StripeConfig) { c.SignatureTolerance = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testStripeConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	_, err := NewStripeWebhookParser(nil, nil)
	assert.Error(t, err)
}

func TestStripeWebhookParser_PaymentIntentSucceeded(t *testing.T) {
	p := newTestParser(t)
	payload := stripeEvent(t, "evt_1", StripeEventPaymentIntentSucceeded, map[string]any{
		"id":              "pi_123",
		"object":          "payment_intent",
		"amount":          2500,
		"amount_received": 2500,
		"currency":        "usd",
		"metadata":        map[string]string{"account_id": "acct-1"},
		"latest_charge": map[string]any{
			"id":          "ch_1",
			"object":      "charge",
			"receipt_url": "https://pay.stripe.com/receipts/ch_1",
		},
	})

	n, err := p.Parse(payload, sign(payload, testWebhookSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, billingapp.PaymentKindTopUp, n.Kind)
	assert.Equal(t, "acct-1", n.AccountID)
	assert.Equal(t, int64(2500), n.Amount)
	assert.Equal(t, "pi_123", n.Ref)
	require.NotNil(t, n.ReceiptURL)
	assert.Equal(t, "https://pay.stripe.com/receipts/ch_1", *n.ReceiptURL)
	assert.Equal(t, "payment:top_up:pi_123", n.IdempotencyKey())
}

func TestStripeWebhookParser_Refund(t *testing.T) {
	p := newTestParser(t)

	t.Run("succeeded refund uses charge metadata", func(t *testing.T) {
		payload := stripeEvent(t, "evt_2", StripeEventRefundCreated, map[string]any{
			"id":       "re_1",
			"object":   "refund",
			"amount":   400,
			"currency": "usd",
			"status":   "succeeded",
			"reason":   "requested_by_customer",
			"charge": map[string]any{
				"id":       "ch_9",
				"object":   "charge",
				"metadata": map[string]string{"account_id": "acct-2"},
			},
		})

		n, err := p.Parse(payload, sign(payload, testWebhookSecret, time.Now()))
		require.NoError(t, err)
		assert.Equal(t, billingapp.PaymentKindRefund, n.Kind)
		assert.Equal(t, "acct-2", n.AccountID)
		assert.Equal(t, int64(400), n.Amount)
		assert.Equal(t, "re_1", n.Ref)
		assert.Equal(t, "requested_by_customer", n.Reason)
	})

	t.Run("pending refund is ignored", func(t *testing.T) {
		payload := stripeEvent(t, "evt_3", StripeEventRefundUpdated, map[string]any{
			"id":       "re_2",
			"object":   "refund",
			"amount":   400,
			"currency": "usd",
			"status":   "pending",
			"metadata": map[string]string{"account_id": "acct-2"},
		})

		_, err := p.Parse(payload, sign(payload, testWebhookSecret, time.Now()))
		assert.ErrorIs(t, err, ErrIgnoredEvent)
	})
}

func TestStripeWebhookParser_Dispute(t *testing.T) {
	p := newTestParser(t)
	payload := stripeEvent(t, "evt_4", StripeEventDisputeCreated, map[string]any{
		"id":       "dp_1",
		"object":   "dispute",
		"amount":   2500,
		"currency": "usd",
		"reason":   "fraudulent",
		"metadata": map[string]string{"account_id": "acct-3"},
	})

	n, err := p.Parse(payload, sign(payload, testWebhookSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, billingapp.PaymentKindChargeback, n.Kind)
	assert.Equal(t, "acct-3", n.AccountID)
	assert.Equal(t, "dp_1", n.Ref)
	assert.Equal(t, int64(2500), n.Amount)
	assert.Equal(t, "fraudulent", n.Reason)
}

func TestStripeWebhookParser_Rejections(t *testing.T) {
	p := newTestParser(t)
	intent := func(currency string, metadata map[string]string) map[string]any {
		return map[string]any{
			"id":       "pi_9",
			"object":   "payment_intent",
			"amount":   100,
			"currency": currency,
			"metadata": metadata,
		}
	}

	t.Run("bad signature", func(t *testing.T) {
		payload := stripeEvent(t, "evt_5", StripeEventPaymentIntentSucceeded, intent("usd", map[string]string{"account_id": "a"}))
		_, err := p.Parse(payload, sign(payload, "whsec_other", time.Now()))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("expired signature", func(t *testing.T) {
		payload := stripeEvent(t, "evt_6", StripeEventPaymentIntentSucceeded, intent("usd", map[string]string{"account_id": "a"}))
		_, err := p.Parse(payload, sign(payload, testWebhookSecret, time.Now().Add(-time.Hour)))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("unhandled type", func(t *testing.T) {
		payload := stripeEvent(t, "evt_7", "customer.created", map[string]any{"id": "cus_1", "object": "customer"})
		_, err := p.Parse(payload, sign(payload, testWebhookSecret, time.Now()))
		assert.ErrorIs(t, err, ErrIgnoredEvent)
	})

	t.Run("other currency", func(t *testing.T) {
		payload := stripeEvent(t, "evt_8", StripeEventPaymentIntentSucceeded, intent("eur", map[string]string{"account_id": "a"}))
		_, err := p.Parse(payload, sign(payload, testWebhookSecret, time.Now()))
		assert.ErrorIs(t, err, ErrIgnoredEvent)
	})

	t.Run("missing account metadata", func(t *testing.T) {
		payload := stripeEvent(t, "evt_9", StripeEventPaymentIntentSucceeded, intent("usd", nil))
		_, err := p.Parse(payload, sign(payload, testWebhookSecret, time.Now()))
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})
}

func TestStripeWebhookParser_CustomMetadataKey(t *testing.T) {
	cfg := testStripeConfig()
	cfg.AccountMetadataKey = "meterline_account"
	p, err := NewStripeWebhookParser(cfg, nil)
	require.NoError(t, err)

	payload := stripeEvent(t, "evt_10", StripeEventPaymentIntentSucceeded, map[string]any{
		"id":       "pi_10",
		"object":   "payment_intent",
		"amount":   100,
		"currency": "usd",
		"metadata": map[string]string{"meterline_account": "acct-9", "account_id": "wrong"},
	})
	n, err := p.Parse(payload, sign(payload, testWebhookSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "acct-9", n.AccountID)
}
