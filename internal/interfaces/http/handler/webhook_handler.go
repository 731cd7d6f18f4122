package handler

import (
	"context"
	"errors"
	"io"

	"github.com/gin-gonic/gin"
	billingapp "github.com/meterline/backend/internal/application/billing"
	"github.com/meterline/backend/internal/domain/shared"
	"github.com/meterline/backend/internal/infrastructure/logger"
	"github.com/meterline/backend/internal/infrastructure/payment"
	"github.com/meterline/backend/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

// StripeSignatureHeader carries the webhook signature
const StripeSignatureHeader = "Stripe-Signature"

// WebhookParser verifies and normalises a gateway delivery
type WebhookParser interface {
	Parse(payload []byte, signatureHeader string) (*billingapp.PaymentNotification, error)
}

// PaymentHandler applies a normalised payment notification
type PaymentHandler interface {
	Handle(ctx context.Context, n *billingapp.PaymentNotification) (*billingapp.PaymentResult, error)
}

// WebhookHandler serves POST /webhooks/stripe.
//
// Responses follow the gateway's retry contract: 2xx stops redelivery, so
// duplicates, ignored event types and notifications the billing rules reject
// are acknowledged. Signature failures get 400 and infrastructure failures
// 500, which makes the gateway retry.
type WebhookHandler struct {
	BaseHandler
	parser   WebhookParser
	payments PaymentHandler
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(parser WebhookParser, payments PaymentHandler) *WebhookHandler {
	return &WebhookHandler{parser: parser, payments: payments}
}

// RegisterRoutes implements router.RouteRegistrar
func (h *WebhookHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/webhooks/stripe", h.HandleStripe)
}

// HandleStripe handles POST /webhooks/stripe
func (h *WebhookHandler) HandleStripe(c *gin.Context) {
	log := logger.GetGinLogger(c)

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.BadRequest(c, "Failed to read request body")
		return
	}

	n, err := h.parser.Parse(payload, c.GetHeader(StripeSignatureHeader))
	switch {
	case errors.Is(err, payment.ErrIgnoredEvent):
		log.Debug("Ignoring webhook event", zap.Error(err))
		h.Success(c, dto.WebhookResponse{Received: true, Ignored: true})
		return
	case errors.Is(err, payment.ErrInvalidSignature):
		h.ErrorWithCode(c, dto.ErrCodeInvalidSignature, "Webhook signature verification failed")
		return
	case err != nil:
		log.Warn("Rejected webhook event", zap.Error(err))
		h.ErrorWithCode(c, dto.ErrCodeBadRequest, err.Error())
		return
	}

	result, err := h.payments.Handle(c.Request.Context(), n)
	if err != nil {
		var domainErr *shared.DomainError
		if errors.As(err, &domainErr) && !errors.Is(err, shared.ErrConcurrencyConflict) {
			log.Warn("Payment notification rejected by billing rules",
				zap.String("account_id", n.AccountID),
				zap.String("kind", string(n.Kind)),
				zap.String("ref", n.Ref),
				zap.Error(err),
			)
			h.Success(c, dto.WebhookResponse{Received: true, Ignored: true})
			return
		}
		log.Error("Failed to apply payment notification",
			zap.String("account_id", n.AccountID),
			zap.String("ref", n.Ref),
			zap.Error(err),
		)
		h.ErrorWithCode(c, dto.ErrCodeInternal, "Payment notification could not be applied")
		return
	}

	resp := dto.WebhookResponse{Received: true, Duplicate: result.Duplicate}
	if result.Result != nil && result.Result.Account != nil {
		v := result.Result.Account.Version
		resp.Version = &v
	}
	h.Success(c, resp)
}
