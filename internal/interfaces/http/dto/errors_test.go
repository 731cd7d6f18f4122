package dto

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	billingapp "github.com/meterline/backend/internal/application/billing"
	"github.com/meterline/backend/internal/domain/billing"
	"github.com/meterline/backend/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		code     string
		expected int
	}{
		{ErrCodeInternal, http.StatusInternalServerError},
		{ErrCodeInvalidAmount, http.StatusBadRequest},
		{ErrCodeInvalidInput, http.StatusBadRequest},
		{ErrCodeValidation, http.StatusBadRequest},
		{ErrCodeInvalidTransition, http.StatusUnprocessableEntity},
		{ErrCodeInsufficientBalance, http.StatusUnprocessableEntity},
		{ErrCodeConcurrencyConflict, http.StatusConflict},
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeInvalidSignature, http.StatusBadRequest},
		{ErrCodeUnavailable, http.StatusServiceUnavailable},
		// Unknown code should return 500
		{"UNKNOWN_CODE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetHTTPStatus(tt.code))
		})
	}
}

func TestNormalizeErrorCode(t *testing.T) {
	tests := []struct {
		input    *shared.DomainError
		expected string
	}{
		{billing.ErrInvalidAmount, ErrCodeInvalidAmount},
		{billing.ErrInvalidTransition, ErrCodeInvalidTransition},
		{billing.ErrInsufficientBalance, ErrCodeInsufficientBalance},
		{billing.ErrConcurrencyConflict, ErrCodeConcurrencyConflict},
		{shared.ErrNotFound, ErrCodeNotFound},
		{shared.ErrInvalidInput, ErrCodeInvalidInput},
		// Store integrity errors are not the client's fault
		{billing.ErrOwnershipMismatch, ErrCodeInternal},
		{billing.ErrUnknownEventType, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.input.Code, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeErrorCode(tt.input.Code))
		})
	}
}

func TestErrorCodesHaveStatus(t *testing.T) {
	for domainCode, apiCode := range DomainErrorCodeMapping {
		t.Run(domainCode, func(t *testing.T) {
			_, ok := ErrorCodeHTTPStatus[apiCode]
			assert.True(t, ok, "error code %s should be in ErrorCodeHTTPStatus", apiCode)
			assert.Contains(t, apiCode, "ERR_")
		})
	}
}

func TestNewErrorResponseWithRequestID(t *testing.T) {
	resp := NewErrorResponseWithRequestID(ErrCodeNotFound, "account not found", "req-123")

	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
	assert.Equal(t, "account not found", resp.Error.Message)
	assert.Equal(t, "req-123", resp.Error.RequestID)
	assert.NotZero(t, resp.Error.Timestamp)
}

func TestNewValidationErrorResponse(t *testing.T) {
	details := []ValidationDetail{{Field: "ref", Message: "This field is required"}}
	resp := NewValidationErrorResponse("Request validation failed", "req-789", details)

	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeValidation, resp.Error.Code)
	assert.Equal(t, "req-789", resp.Error.RequestID)
	assert.Equal(t, details, resp.Error.Details)
}

func TestMoney(t *testing.T) {
	data, err := json.Marshal(NewMoney(-20050, "USD"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"minor":-20050,"amount":"-200.5","currency":"USD"}`, string(data))

	assert.Equal(t, "12.34", NewMoney(1234, "USD").Amount.StringFixed(2))
	assert.True(t, NewMoney(0, "USD").Amount.IsZero())
}

func TestNewAccountResponseFromProjection(t *testing.T) {
	updated := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	resp := NewAccountResponseFromProjection(&billing.AccountProjection{
		AccountID:              "acct-1",
		State:                  billing.StateMeteredBilling,
		UsageBalance:           100,
		MonthlyCreditAllotment: 500,
		MonthlyCreditsUsed:     600,
		Version:                6,
		UpdatedAt:              updated,
	}, "USD")

	assert.Equal(t, "acct-1", resp.AccountID)
	assert.Equal(t, billing.StateMeteredBilling.String(), resp.State)
	assert.Equal(t, int64(6), resp.Version)
	assert.Equal(t, int64(100), resp.UsageBalance.Minor)
	assert.Equal(t, int64(0), resp.RemainingCredits, "overdrawn credits never report negative")
	assert.Equal(t, updated, resp.UpdatedAt)
}

func TestNewBalanceStatusResponse(t *testing.T) {
	status := &billingapp.BalanceStatus{
		AccountID:    "acct-1",
		State:        billing.StateActiveSubscription,
		UsageBalance: 0,
		Cost:         700,
		Impact: billing.UsageImpact{
			Cost:             700,
			Accepted:         true,
			ProjectedBalance: -200,
			ProjectedState:   billing.StateSuspended,
			WouldBeSuspended: true,
		},
		Enforcement: billingapp.Enforcement{
			Decision: billingapp.DecisionAllowWithSuspension,
			Reason:   billingapp.ReasonCodeWillSuspend,
		},
		SuggestedTopUp: 1200,
	}

	resp := NewBalanceStatusResponse(status, "USD")
	assert.Equal(t, "allow_with_suspension", resp.Enforcement.Decision)
	assert.Equal(t, billingapp.ReasonCodeWillSuspend, resp.Enforcement.Reason)
	assert.Equal(t, int64(-200), resp.Impact.ProjectedBalance.Minor)
	assert.Equal(t, billing.StateSuspended.String(), resp.Impact.ProjectedState)
	assert.Equal(t, "12", resp.SuggestedTopUp.Amount.String())
}
