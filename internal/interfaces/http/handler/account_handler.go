package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	billingapp "github.com/meterline/backend/internal/application/billing"
	"github.com/meterline/backend/internal/domain/billing"
	"github.com/meterline/backend/internal/interfaces/http/dto"
)

// AccountCommands is the write side used by the account endpoints
type AccountCommands interface {
	SignupSubscription(ctx context.Context, accountID, ref string, allotment int64) (*billingapp.CommandResult, error)
	SkipSubscription(ctx context.Context, accountID, ref string) (*billingapp.CommandResult, error)
	CancelSubscription(ctx context.Context, accountID, ref, reason string) (*billingapp.CommandResult, error)
	RecordUsage(ctx context.Context, accountID string, amount int64, ref string) (*billingapp.CommandResult, error)
	TopUpBalance(ctx context.Context, accountID string, amount int64, ref string, receiptURL *string) (*billingapp.CommandResult, error)
	StartNewBillingCycle(ctx context.Context, accountID string) (*billingapp.CommandResult, error)
	ProcessBalanceRefund(ctx context.Context, accountID string, amount int64, ref, reason string) (*billingapp.CommandResult, error)
	DetectChargeback(ctx context.Context, accountID, ref string, amount int64) (*billingapp.CommandResult, error)
}

// AccountQueries answers forecast questions from the event stream
type AccountQueries interface {
	CanAfford(ctx context.Context, accountID string, cost int64) (bool, error)
	SimulateUsageImpact(ctx context.Context, accountID string, cost int64) (*billing.UsageImpact, error)
	BalanceStatusWithPreview(ctx context.Context, accountID string, cost int64) (*billingapp.BalanceStatus, error)
}

// ProjectionReader reads the account read model
type ProjectionReader interface {
	FindByAccountID(ctx context.Context, accountID string) (*billing.AccountProjection, error)
}

// HistoryExporter reads and archives event histories
type HistoryExporter interface {
	History(ctx context.Context, accountID string) ([]billingapp.HistoryRecord, error)
	ExportAccount(ctx context.Context, accountID string) (*billingapp.ArchiveExport, error)
}

// UsageQueue stages usage for asynchronous posting
type UsageQueue interface {
	Enqueue(ctx context.Context, usage *billing.MeteredUsage) error
}

// AccountHandlerConfig configures AccountHandler. Archives and Usage may be
// nil, which disables their endpoints.
type AccountHandlerConfig struct {
	Commands         AccountCommands
	Queries          AccountQueries
	Projections      ProjectionReader
	Archives         HistoryExporter
	Usage            UsageQueue
	Currency         string
	DefaultAllotment int64
	RetryAttempts    int
}

// AccountHandler serves the /accounts endpoints
type AccountHandler struct {
	BaseHandler
	commands         AccountCommands
	queries          AccountQueries
	projections      ProjectionReader
	archives         HistoryExporter
	usage            UsageQueue
	currency         string
	defaultAllotment int64
	retryAttempts    int
}

// NewAccountHandler creates a new AccountHandler
func NewAccountHandler(cfg AccountHandlerConfig) *AccountHandler {
	h := &AccountHandler{
		commands:         cfg.Commands,
		queries:          cfg.Queries,
		projections:      cfg.Projections,
		archives:         cfg.Archives,
		usage:            cfg.Usage,
		currency:         cfg.Currency,
		defaultAllotment: cfg.DefaultAllotment,
		retryAttempts:    cfg.RetryAttempts,
	}
	if h.retryAttempts <= 0 {
		h.retryAttempts = billingapp.DefaultConflictRetryAttempts
	}
	return h
}

// RegisterRoutes implements router.RouteRegistrar
func (h *AccountHandler) RegisterRoutes(rg *gin.RouterGroup) {
	accounts := rg.Group("/accounts/:id")

	accounts.GET("", h.GetAccount)
	accounts.GET("/events", h.ListEvents)
	accounts.POST("/archives", h.ExportArchive)

	accounts.POST("/subscription", h.SignupSubscription)
	accounts.POST("/subscription/skip", h.SkipSubscription)
	accounts.DELETE("/subscription", h.CancelSubscription)
	accounts.POST("/usage", h.RecordUsage)
	accounts.POST("/metered-usage", h.EnqueueUsage)
	accounts.POST("/top-ups", h.TopUpBalance)
	accounts.POST("/refunds", h.ProcessBalanceRefund)
	accounts.POST("/billing-cycles", h.StartNewBillingCycle)
	accounts.POST("/chargebacks", h.DetectChargeback)

	accounts.GET("/affordability", h.CanAfford)
	accounts.GET("/usage-impact", h.SimulateUsageImpact)
	accounts.GET("/balance-status", h.BalanceStatus)
}

// runCommand runs fn with conflict retry and writes the result
func (h *AccountHandler) runCommand(c *gin.Context, status int, fn func(ctx context.Context) (*billingapp.CommandResult, error)) {
	result, err := billingapp.RetryOnConflict(c.Request.Context(), h.retryAttempts, fn)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(status, dto.NewSuccessResponse(dto.NewCommandResponse(result, h.currency)))
}

// SignupSubscription handles POST /accounts/:id/subscription
func (h *AccountHandler) SignupSubscription(c *gin.Context) {
	var req dto.SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}
	allotment := h.defaultAllotment
	if req.MonthlyCreditAllotment != nil {
		allotment = *req.MonthlyCreditAllotment
	}

	id := c.Param("id")
	h.runCommand(c, http.StatusCreated, func(ctx context.Context) (*billingapp.CommandResult, error) {
		return h.commands.SignupSubscription(ctx, id, req.Ref, allotment)
	})
}

// SkipSubscription handles POST /accounts/:id/subscription/skip
func (h *AccountHandler) SkipSubscription(c *gin.Context) {
	var req dto.RefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	id := c.Param("id")
	h.runCommand(c, http.StatusOK, func(ctx context.Context) (*billingapp.CommandResult, error) {
		return h.commands.SkipSubscription(ctx, id, req.Ref)
	})
}

// CancelSubscription handles DELETE /accounts/:id/subscription
func (h *AccountHandler) CancelSubscription(c *gin.Context) {
	var req dto.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	id := c.Param("id")
	h.runCommand(c, http.StatusOK, func(ctx context.Context) (*billingapp.CommandResult, error) {
		return h.commands.CancelSubscription(ctx, id, req.Ref, req.Reason)
	})
}

// RecordUsage handles POST /accounts/:id/usage
func (h *AccountHandler) RecordUsage(c *gin.Context) {
	var req dto.UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	id := c.Param("id")
	h.runCommand(c, http.StatusOK, func(ctx context.Context) (*billingapp.CommandResult, error) {
		return h.commands.RecordUsage(ctx, id, req.Amount, req.Ref)
	})
}

// EnqueueUsage handles POST /accounts/:id/metered-usage. The report is
// posted later by the ingestion job.
func (h *AccountHandler) EnqueueUsage(c *gin.Context) {
	if h.usage == nil {
		h.ErrorWithCode(c, dto.ErrCodeUnavailable, "Usage staging is not configured")
		return
	}
	var req dto.UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}
	if req.Amount <= 0 {
		h.HandleError(c, billing.ErrInvalidAmount)
		return
	}

	usage := &billing.MeteredUsage{
		AccountID:  c.Param("id"),
		Amount:     req.Amount,
		SourceRef:  req.Ref,
		ReportedAt: time.Now().UTC(),
	}
	if err := h.usage.Enqueue(c.Request.Context(), usage); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Accepted(c, gin.H{"id": usage.ID, "ref": usage.Ref()})
}

// TopUpBalance handles POST /accounts/:id/top-ups
func (h *AccountHandler) TopUpBalance(c *gin.Context) {
	var req dto.TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	id := c.Param("id")
	h.runCommand(c, http.StatusOK, func(ctx context.Context) (*billingapp.CommandResult, error) {
		return h.commands.TopUpBalance(ctx, id, req.Amount, req.Ref, req.ReceiptURL)
	})
}

// ProcessBalanceRefund handles POST /accounts/:id/refunds
func (h *AccountHandler) ProcessBalanceRefund(c *gin.Context) {
	var req dto.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	id := c.Param("id")
	h.runCommand(c, http.StatusOK, func(ctx context.Context) (*billingapp.CommandResult, error) {
		return h.commands.ProcessBalanceRefund(ctx, id, req.Amount, req.Ref, req.Reason)
	})
}

// StartNewBillingCycle handles POST /accounts/:id/billing-cycles
func (h *AccountHandler) StartNewBillingCycle(c *gin.Context) {
	id := c.Param("id")
	h.runCommand(c, http.StatusOK, func(ctx context.Context) (*billingapp.CommandResult, error) {
		return h.commands.StartNewBillingCycle(ctx, id)
	})
}

// DetectChargeback handles POST /accounts/:id/chargebacks
func (h *AccountHandler) DetectChargeback(c *gin.Context) {
	var req dto.ChargebackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	id := c.Param("id")
	h.runCommand(c, http.StatusOK, func(ctx context.Context) (*billingapp.CommandResult, error) {
		return h.commands.DetectChargeback(ctx, id, req.Ref, req.Amount)
	})
}

// GetAccount handles GET /accounts/:id from the projection
func (h *AccountHandler) GetAccount(c *gin.Context) {
	p, err := h.projections.FindByAccountID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.NewAccountResponseFromProjection(p, h.currency))
}

// ListEvents handles GET /accounts/:id/events
func (h *AccountHandler) ListEvents(c *gin.Context) {
	if h.archives == nil {
		h.ErrorWithCode(c, dto.ErrCodeUnavailable, "Event history is not configured")
		return
	}
	records, err := h.archives.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.NewHistoryResponse(records))
}

// ExportArchive handles POST /accounts/:id/archives
func (h *AccountHandler) ExportArchive(c *gin.Context) {
	if h.archives == nil {
		h.ErrorWithCode(c, dto.ErrCodeUnavailable, "Archive storage is not configured")
		return
	}
	export, err := h.archives.ExportAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, dto.NewArchiveResponse(export))
}

func (h *AccountHandler) bindCost(c *gin.Context) (int64, bool) {
	var q dto.CostQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.BindError(c, err)
		return 0, false
	}
	return *q.Cost, true
}

// CanAfford handles GET /accounts/:id/affordability?cost=
func (h *AccountHandler) CanAfford(c *gin.Context) {
	cost, ok := h.bindCost(c)
	if !ok {
		return
	}
	id := c.Param("id")
	affordable, err := h.queries.CanAfford(c.Request.Context(), id, cost)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.AffordabilityResponse{AccountID: id, Cost: cost, CanAfford: affordable})
}

// SimulateUsageImpact handles GET /accounts/:id/usage-impact?cost=
func (h *AccountHandler) SimulateUsageImpact(c *gin.Context) {
	cost, ok := h.bindCost(c)
	if !ok {
		return
	}
	impact, err := h.queries.SimulateUsageImpact(c.Request.Context(), c.Param("id"), cost)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.NewUsageImpactResponse(impact, h.currency))
}

// BalanceStatus handles GET /accounts/:id/balance-status?cost=
func (h *AccountHandler) BalanceStatus(c *gin.Context) {
	cost, ok := h.bindCost(c)
	if !ok {
		return
	}
	status, err := h.queries.BalanceStatusWithPreview(c.Request.Context(), c.Param("id"), cost)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.NewBalanceStatusResponse(status, h.currency))
}
