package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	billingapp "github.com/meterline/backend/internal/application/billing"
	"github.com/meterline/backend/internal/domain/billing"
	"github.com/meterline/backend/internal/interfaces/http/middleware"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
	middleware.SetupValidator()
}

// apiResponse mirrors dto.Response with a raw data payload
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func perform(engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

type mockCommands struct {
	mock.Mock
}

func (m *mockCommands) result(args mock.Arguments) (*billingapp.CommandResult, error) {
	r, _ := args.Get(0).(*billingapp.CommandResult)
	return r, args.Error(1)
}

func (m *mockCommands) SignupSubscription(ctx context.Context, accountID, ref string, allotment int64) (*billingapp.CommandResult, error) {
	return m.result(m.Called(ctx, accountID, ref, allotment))
}

func (m *mockCommands) SkipSubscription(ctx context.Context, accountID, ref string) (*billingapp.CommandResult, error) {
	return m.result(m.Called(ctx, accountID, ref))
}

func (m *mockCommands) CancelSubscription(ctx context.Context, accountID, ref, reason string) (*billingapp.CommandResult, error) {
	return m.result(m.Called(ctx, accountID, ref, reason))
}

func (m *mockCommands) RecordUsage(ctx context.Context, accountID string, amount int64, ref string) (*billingapp.CommandResult, error) {
	return m.result(m.Called(ctx, accountID, amount, ref))
}

func (m *mockCommands) TopUpBalance(ctx context.Context, accountID string, amount int64, ref string, receiptURL *string) (*billingapp.CommandResult, error) {
	return m.result(m.Called(ctx, accountID, amount, ref, receiptURL))
}

func (m *mockCommands) StartNewBillingCycle(ctx context.Context, accountID string) (*billingapp.CommandResult, error) {
	return m.result(m.Called(ctx, accountID))
}

func (m *mockCommands) ProcessBalanceRefund(ctx context.Context, accountID string, amount int64, ref, reason string) (*billingapp.CommandResult, error) {
	return m.result(m.Called(ctx, accountID, amount, ref, reason))
}

func (m *mockCommands) DetectChargeback(ctx context.Context, accountID, ref string, amount int64) (*billingapp.CommandResult, error) {
	return m.result(m.Called(ctx, accountID, ref, amount))
}

type mockQueries struct {
	mock.Mock
}

func (m *mockQueries) CanAfford(ctx context.Context, accountID string, cost int64) (bool, error) {
	args := m.Called(ctx, accountID, cost)
	return args.Bool(0), args.Error(1)
}

func (m *mockQueries) SimulateUsageImpact(ctx context.Context, accountID string, cost int64) (*billing.UsageImpact, error) {
	args := m.Called(ctx, accountID, cost)
	i, _ := args.Get(0).(*billing.UsageImpact)
	return i, args.Error(1)
}

func (m *mockQueries) BalanceStatusWithPreview(ctx context.Context, accountID string, cost int64) (*billingapp.BalanceStatus, error) {
	args := m.Called(ctx, accountID, cost)
	s, _ := args.Get(0).(*billingapp.BalanceStatus)
	return s, args.Error(1)
}

type mockProjections struct {
	mock.Mock
}

func (m *mockProjections) FindByAccountID(ctx context.Context, accountID string) (*billing.AccountProjection, error) {
	args := m.Called(ctx, accountID)
	p, _ := args.Get(0).(*billing.AccountProjection)
	return p, args.Error(1)
}

type mockHistory struct {
	mock.Mock
}

func (m *mockHistory) History(ctx context.Context, accountID string) ([]billingapp.HistoryRecord, error) {
	args := m.Called(ctx, accountID)
	r, _ := args.Get(0).([]billingapp.HistoryRecord)
	return r, args.Error(1)
}

func (m *mockHistory) ExportAccount(ctx context.Context, accountID string) (*billingapp.ArchiveExport, error) {
	args := m.Called(ctx, accountID)
	e, _ := args.Get(0).(*billingapp.ArchiveExport)
	return e, args.Error(1)
}

type mockUsageQueue struct {
	mock.Mock
}

func (m *mockUsageQueue) Enqueue(ctx context.Context, usage *billing.MeteredUsage) error {
	return m.Called(ctx, usage).Error(0)
}

type mockParser struct {
	mock.Mock
}

func (m *mockParser) Parse(payload []byte, signatureHeader string) (*billingapp.PaymentNotification, error) {
	args := m.Called(payload, signatureHeader)
	n, _ := args.Get(0).(*billingapp.PaymentNotification)
	return n, args.Error(1)
}

type mockPayments struct {
	mock.Mock
}

func (m *mockPayments) Handle(ctx context.Context, n *billingapp.PaymentNotification) (*billingapp.PaymentResult, error) {
	args := m.Called(ctx, n)
	r, _ := args.Get(0).(*billingapp.PaymentResult)
	return r, args.Error(1)
}
