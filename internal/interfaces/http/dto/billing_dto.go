package dto

import (
	"encoding/json"
	"time"

	billingapp "github.com/meterline/backend/internal/application/billing"
	"github.com/meterline/backend/internal/domain/billing"
	"github.com/shopspring/decimal"
)

// MinorUnitExponent is the number of decimal places between minor and major
// currency units
const MinorUnitExponent = 2

// Money is an amount in minor units alongside its major unit rendering
type Money struct {
	Minor    int64           `json:"minor"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney renders minor units of currency
func NewMoney(minor int64, currency string) Money {
	return Money{
		Minor:    minor,
		Amount:   decimal.New(minor, -MinorUnitExponent),
		Currency: currency,
	}
}

// SignupRequest starts a subscription
type SignupRequest struct {
	Ref                    string `json:"ref" binding:"required,max=255"`
	MonthlyCreditAllotment *int64 `json:"monthly_credit_allotment" binding:"omitempty,gt=0"`
}

// RefRequest carries only an external reference
type RefRequest struct {
	Ref string `json:"ref" binding:"required,max=255"`
}

// CancelRequest cancels a subscription
type CancelRequest struct {
	Ref    string `json:"ref" binding:"required,max=255"`
	Reason string `json:"reason" binding:"max=500"`
}

// UsageRequest records consumption. Amount is validated by the domain so a
// non-positive value surfaces as ERR_INVALID_AMOUNT.
type UsageRequest struct {
	Amount int64  `json:"amount"`
	Ref    string `json:"ref" binding:"required,max=255"`
}

// TopUpRequest adds prepaid balance
type TopUpRequest struct {
	Amount     int64   `json:"amount"`
	Ref        string  `json:"ref" binding:"required,max=255"`
	ReceiptURL *string `json:"receipt_url" binding:"omitempty,url"`
}

// RefundRequest removes prepaid balance
type RefundRequest struct {
	Amount int64  `json:"amount"`
	Ref    string `json:"ref" binding:"required,max=255"`
	Reason string `json:"reason" binding:"max=500"`
}

// ChargebackRequest records a disputed payment
type ChargebackRequest struct {
	Ref    string `json:"ref" binding:"required,max=255"`
	Amount int64  `json:"amount"`
}

// CostQuery is the cost parameter of the forecast endpoints
type CostQuery struct {
	Cost *int64 `form:"cost" binding:"required"`
}

// AccountResponse is the user-facing account read model
type AccountResponse struct {
	AccountID              string    `json:"account_id"`
	State                  string    `json:"state"`
	Version                int64     `json:"version"`
	UsageBalance           Money     `json:"usage_balance"`
	MonthlyCreditAllotment int64     `json:"monthly_credit_allotment"`
	MonthlyCreditsUsed     int64     `json:"monthly_credits_used"`
	RemainingCredits       int64     `json:"remaining_credits"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// NewAccountResponseFromProjection renders a projection row
func NewAccountResponseFromProjection(p *billing.AccountProjection, currency string) AccountResponse {
	return AccountResponse{
		AccountID:              p.AccountID,
		State:                  p.State.String(),
		Version:                p.Version,
		UsageBalance:           NewMoney(p.UsageBalance, currency),
		MonthlyCreditAllotment: p.MonthlyCreditAllotment,
		MonthlyCreditsUsed:     p.MonthlyCreditsUsed,
		RemainingCredits:       max(0, p.MonthlyCreditAllotment-p.MonthlyCreditsUsed),
		UpdatedAt:              p.UpdatedAt,
	}
}

// NewAccountResponse renders a replayed aggregate
func NewAccountResponse(a *billing.Account, currency string) AccountResponse {
	return AccountResponse{
		AccountID:              a.AccountID,
		State:                  a.State.String(),
		Version:                a.Version,
		UsageBalance:           NewMoney(a.UsageBalance, currency),
		MonthlyCreditAllotment: a.MonthlyCreditAllotment,
		MonthlyCreditsUsed:     a.MonthlyCreditsUsed,
		RemainingCredits:       a.RemainingCredits(),
		UpdatedAt:              a.LastEventAt,
	}
}

// EventSummary names one event emitted by a command
type EventSummary struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CommandResponse is returned by every write endpoint
type CommandResponse struct {
	Account AccountResponse `json:"account"`
	Events  []EventSummary  `json:"events"`
}

// NewCommandResponse renders a command result
func NewCommandResponse(r *billingapp.CommandResult, currency string) CommandResponse {
	resp := CommandResponse{
		Account: NewAccountResponse(r.Account, currency),
		Events:  make([]EventSummary, 0, len(r.Events)),
	}
	for _, e := range r.Events {
		resp.Events = append(resp.Events, EventSummary{
			EventID:    e.EventID().String(),
			EventType:  e.EventType(),
			OccurredAt: e.OccurredAt(),
		})
	}
	return resp
}

// HistoryEvent is one stored event of an account's history
type HistoryEvent struct {
	Sequence   int64           `json:"sequence"`
	EventID    string          `json:"event_id"`
	TypeTag    string          `json:"type_tag"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewHistoryResponse renders an account history
func NewHistoryResponse(records []billingapp.HistoryRecord) []HistoryEvent {
	out := make([]HistoryEvent, 0, len(records))
	for _, r := range records {
		out = append(out, HistoryEvent(r))
	}
	return out
}

// AffordabilityResponse answers whether a cost can be covered
type AffordabilityResponse struct {
	AccountID string `json:"account_id"`
	Cost      int64  `json:"cost"`
	CanAfford bool   `json:"can_afford"`
}

// UsageImpactResponse is a dry run of recording usage
type UsageImpactResponse struct {
	Cost                 int64  `json:"cost"`
	Accepted             bool   `json:"accepted"`
	CreditsDebited       int64  `json:"credits_debited"`
	BalanceDebited       Money  `json:"balance_debited"`
	ProjectedBalance     Money  `json:"projected_balance"`
	ProjectedCreditsUsed int64  `json:"projected_credits_used"`
	ProjectedState       string `json:"projected_state"`
	WouldBeSuspended     bool   `json:"would_be_suspended"`
	WouldBeMetered       bool   `json:"would_be_metered"`
	WouldBeLowBalance    bool   `json:"would_be_low_balance"`
}

// NewUsageImpactResponse renders a usage impact
func NewUsageImpactResponse(i *billing.UsageImpact, currency string) UsageImpactResponse {
	return UsageImpactResponse{
		Cost:                 i.Cost,
		Accepted:             i.Accepted,
		CreditsDebited:       i.CreditsDebited,
		BalanceDebited:       NewMoney(i.BalanceDebited, currency),
		ProjectedBalance:     NewMoney(i.ProjectedBalance, currency),
		ProjectedCreditsUsed: i.ProjectedCreditsUsed,
		ProjectedState:       i.ProjectedState.String(),
		WouldBeSuspended:     i.WouldBeSuspended,
		WouldBeMetered:       i.WouldBeMetered,
		WouldBeLowBalance:    i.WouldBeLowBalance,
	}
}

// EnforcementResponse tells the client what to do with the previewed request
type EnforcementResponse struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	Message  string `json:"message"`
}

// BalanceStatusResponse is the account status plus a preview of one request
type BalanceStatusResponse struct {
	AccountID              string              `json:"account_id"`
	State                  string              `json:"state"`
	Version                int64               `json:"version"`
	UsageBalance           Money               `json:"usage_balance"`
	MonthlyCreditAllotment int64               `json:"monthly_credit_allotment"`
	MonthlyCreditsUsed     int64               `json:"monthly_credits_used"`
	RemainingCredits       int64               `json:"remaining_credits"`
	IsLowBalance           bool                `json:"is_low_balance"`
	Cost                   int64               `json:"cost"`
	CanAfford              bool                `json:"can_afford"`
	Impact                 UsageImpactResponse `json:"impact"`
	Enforcement            EnforcementResponse `json:"enforcement"`
	SuggestedTopUp         Money               `json:"suggested_top_up"`
}

// NewBalanceStatusResponse renders a balance status
func NewBalanceStatusResponse(s *billingapp.BalanceStatus, currency string) BalanceStatusResponse {
	return BalanceStatusResponse{
		AccountID:              s.AccountID,
		State:                  s.State.String(),
		Version:                s.Version,
		UsageBalance:           NewMoney(s.UsageBalance, currency),
		MonthlyCreditAllotment: s.MonthlyCreditAllotment,
		MonthlyCreditsUsed:     s.MonthlyCreditsUsed,
		RemainingCredits:       s.RemainingCredits,
		IsLowBalance:           s.IsLowBalance,
		Cost:                   s.Cost,
		CanAfford:              s.CanAfford,
		Impact:                 NewUsageImpactResponse(&s.Impact, currency),
		Enforcement: EnforcementResponse{
			Decision: string(s.Enforcement.Decision),
			Reason:   s.Enforcement.Reason,
			Message:  s.Enforcement.Message,
		},
		SuggestedTopUp: NewMoney(s.SuggestedTopUp, currency),
	}
}

// ArchiveResponse describes an exported event stream
type ArchiveResponse struct {
	AccountID   string    `json:"account_id"`
	Key         string    `json:"key"`
	Version     int64     `json:"version"`
	EventCount  int       `json:"event_count"`
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// NewArchiveResponse renders an archive export
func NewArchiveResponse(e *billingapp.ArchiveExport) ArchiveResponse {
	return ArchiveResponse(*e)
}

// WebhookResponse acknowledges a gateway delivery
type WebhookResponse struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
	Version   *int64 `json:"version,omitempty"`
}
