// Package payment verifies payment gateway webhooks and normalises them into
// billing payment notifications.
package payment

import (
	"fmt"
	"strings"
	"time"
)

// DefaultAccountMetadataKey is the metadata key that carries the billing account id
const DefaultAccountMetadataKey = "account_id"

// StripeConfig holds configuration for Stripe webhook handling
type StripeConfig struct {
	// WebhookSecret is the endpoint signing secret (whsec_xxx)
	WebhookSecret string

	// SignatureTolerance is the maximum age of a signed payload. Zero uses
	// the library default of five minutes.
	SignatureTolerance time.Duration

	// IgnoreAPIVersionMismatch accepts events rendered with an API version
	// other than the one this library was built against
	IgnoreAPIVersionMismatch bool

	// Currency is the only currency accepted for balance movements
	Currency string

	// AccountMetadataKey names the metadata entry holding the account id
	AccountMetadataKey string
}

// Validate validates the Stripe configuration
func (c *StripeConfig) Validate() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("stripe: webhook secret is required")
	}
	if !strings.HasPrefix(c.WebhookSecret, "whsec_") {
		return fmt.Errorf("stripe: webhook secret must start with whsec_")
	}
	if c.Currency == "" {
		return fmt.Errorf("stripe: currency is required")
	}
	if c.SignatureTolerance < 0 {
		return fmt.Errorf("stripe: signature tolerance must not be negative")
	}
	return nil
}

func (c *StripeConfig) accountKey() string {
	if c.AccountMetadataKey == "" {
		return DefaultAccountMetadataKey
	}
	return c.AccountMetadataKey
}
