package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/genstudio/internal/config"
	creditdomain "github.com/smallbiznis/genstudio/internal/credit/domain"
	generationdomain "github.com/smallbiznis/genstudio/internal/generation/domain"
	"github.com/smallbiznis/genstudio/internal/observability"
	subscriptiondomain "github.com/smallbiznis/genstudio/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCreditService struct {
	creditdomain.Service

	view        creditdomain.BalanceView
	balanceErr  error
	initialized creditdomain.InitializeAccountRequest
	initErr     error
}

func (f *fakeCreditService) GetBalanceView(ctx context.Context, userID string) (creditdomain.BalanceView, error) {
	_ = ctx
	_ = userID
	return f.view, f.balanceErr
}

func (f *fakeCreditService) InitializeAccount(ctx context.Context, req creditdomain.InitializeAccountRequest) (*creditdomain.UserCreditAccount, error) {
	_ = ctx
	f.initialized = req
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &creditdomain.UserCreditAccount{
		UserID:           req.UserID,
		CreditsRemaining: req.InitialCredits,
		CreditsTotal:     req.InitialCredits,
		SubscriptionTier: req.Tier,
	}, nil
}

type fakeGenerationService struct {
	result  generationdomain.GenerationResult
	err     error
	gotReq  generationdomain.GenerateRequest
	job     generationdomain.Job
	jobErr  error
	jobUser string
}

func (f *fakeGenerationService) Generate(ctx context.Context, req generationdomain.GenerateRequest) (generationdomain.GenerationResult, error) {
	_ = ctx
	f.gotReq = req
	return f.result, f.err
}

func (f *fakeGenerationService) GetJob(ctx context.Context, userID, jobID string) (generationdomain.Job, error) {
	_ = ctx
	_ = jobID
	f.jobUser = userID
	return f.job, f.jobErr
}

type fakeSubscriptionService struct {
	result   subscriptiondomain.IngestResult
	err      error
	provider string
	payload  []byte
}

func (f *fakeSubscriptionService) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (subscriptiondomain.IngestResult, error) {
	_ = ctx
	_ = headers
	f.provider = provider
	f.payload = payload
	return f.result, f.err
}

func (f *fakeSubscriptionService) HandleEvent(ctx context.Context, event subscriptiondomain.Event) (subscriptiondomain.IngestResult, error) {
	_ = ctx
	_ = event
	return f.result, f.err
}

type fixture struct {
	engine       *gin.Engine
	credit       *fakeCreditService
	generation   *fakeGenerationService
	subscription *fakeSubscriptionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		engine:       NewEngine(observability.Config{}, nil),
		credit:       &fakeCreditService{},
		generation:   &fakeGenerationService{},
		subscription: &fakeSubscriptionService{},
	}
	cfg := config.Config{}
	cfg.Credit.FreeInitialCredits = 5

	NewServer(ServerParams{
		Gin:             f.engine,
		Cfg:             cfg,
		Log:             zap.NewNop(),
		CreditSvc:       f.credit,
		GenerationSvc:   f.generation,
		SubscriptionSvc: f.subscription,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, userID string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestAPIRequiresUser(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/balance", "", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)
}

func TestCreateGenerationCompleted(t *testing.T) {
	f := newFixture(t)
	f.generation.result = generationdomain.GenerationResult{
		Status:           generationdomain.ResultCompleted,
		GenerationID:     "gen-1",
		Provider:         "replicate",
		Outputs:          []string{"https://cdn.example/out.png"},
		RemainingCredits: 4,
	}

	rec := f.do(t, http.MethodPost, "/api/generations", "user-1", []byte(`{"feature":"interior","params":{"prompt":"loft"}}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", f.generation.gotReq.UserID)
	assert.Equal(t, "interior", f.generation.gotReq.Feature)
	assert.Equal(t, "loft", f.generation.gotReq.Params["prompt"])

	var resp struct {
		Data generationdomain.GenerationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, generationdomain.ResultCompleted, resp.Data.Status)
	assert.Equal(t, int64(4), resp.Data.RemainingCredits)
}

func TestCreateGenerationInsufficientCreditAnswers402(t *testing.T) {
	f := newFixture(t)
	f.generation.result = generationdomain.GenerationResult{
		Status: generationdomain.ResultInsufficientCredit,
	}

	rec := f.do(t, http.MethodPost, "/api/generations", "user-1", []byte(`{"feature":"interior"}`))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient_credit")
}

func TestCreateGenerationFailedAnswers200(t *testing.T) {
	f := newFixture(t)
	f.generation.result = generationdomain.GenerationResult{
		Status:        generationdomain.ResultFailed,
		FailureReason: "provider_exhausted",
	}

	rec := f.do(t, http.MethodPost, "/api/generations", "user-1", []byte(`{"feature":"interior"}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "provider_exhausted")
}

func TestCreateGenerationValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/generations", "user-1", []byte(`{"feature":""}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/generations", "user-1", []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateGenerationErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"invalid feature", generationdomain.ErrInvalidFeature, http.StatusBadRequest, "validation_error"},
		{"rate limited", generationdomain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{"unknown account", creditdomain.ErrNotFound, http.StatusNotFound, "not_found"},
		{"ledger down", creditdomain.ErrLedgerUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
		{"no providers", generationdomain.ErrNoProviders, http.StatusServiceUnavailable, "service_unavailable"},
		{"insufficient", creditdomain.ErrInsufficientCredit, http.StatusPaymentRequired, "insufficient_credit"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.generation.err = tc.err

			rec := f.do(t, http.MethodPost, "/api/generations", "user-1", []byte(`{"feature":"interior"}`))

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.kind, decodeError(t, rec).Type)
		})
	}
}

func TestGetGenerationJobScopedToCaller(t *testing.T) {
	f := newFixture(t)
	f.generation.jobErr = generationdomain.ErrJobNotFound

	rec := f.do(t, http.MethodGet, "/api/generations/jobs/job-1", "user-2", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "user-2", f.generation.jobUser)
}

func TestGetBalance(t *testing.T) {
	f := newFixture(t)
	f.credit.view = creditdomain.BalanceView{Remaining: 3, Total: 5, Tier: creditdomain.TierFree}

	rec := f.do(t, http.MethodGet, "/api/balance", "user-1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data creditdomain.BalanceView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Data.Remaining)
	assert.Equal(t, creditdomain.TierFree, resp.Data.Tier)
}

func TestInitializeAccountUsesConfiguredGrant(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/accounts", "user-9", []byte(`{"email":"nine@example.com"}`))

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "user-9", f.credit.initialized.UserID)
	assert.Equal(t, "nine@example.com", f.credit.initialized.Email)
	assert.Equal(t, int64(5), f.credit.initialized.InitialCredits)
	assert.Equal(t, creditdomain.TierFree, f.credit.initialized.Tier)
}

func TestInitializeAccountConflict(t *testing.T) {
	f := newFixture(t)
	f.credit.initErr = creditdomain.ErrAccountExists

	rec := f.do(t, http.MethodPost, "/api/accounts", "user-9", nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBillingWebhookAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.subscription.result = subscriptiondomain.IngestResult{
		EventID: "evt_1",
		Type:    subscriptiondomain.EventTypeUpdated,
		Outcome: subscriptiondomain.OutcomeUnresolved,
	}
	body := []byte(`{"id":"evt_1"}`)

	rec := f.do(t, http.MethodPost, "/webhooks/billing/stripe", "", body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stripe", f.subscription.provider)
	assert.Equal(t, body, f.subscription.payload)
	assert.Contains(t, rec.Body.String(), "unresolved")
}

func TestBillingWebhookErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"bad signature", subscriptiondomain.ErrInvalidSignature, http.StatusBadRequest},
		{"unknown provider", subscriptiondomain.ErrProviderNotFound, http.StatusNotFound},
		{"store down", subscriptiondomain.ErrStoreUnavailable, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.subscription.err = tc.err

			rec := f.do(t, http.MethodPost, "/webhooks/billing/stripe", "", []byte(`{}`))

			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMapErrorWrappedSentinels(t *testing.T) {
	status, payload := mapError(fmt.Errorf("%w: %w", subscriptiondomain.ErrStoreUnavailable, errors.New("conn reset")))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "service_unavailable", payload.Type)

	status, payload = mapError(fmt.Errorf("%w: timestamp outside tolerance", subscriptiondomain.ErrInvalidSignature))
	assert.Equal(t, http.StatusBadRequest, status)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "invalid_signature", payload.Errors[0].Code)
	assert.Equal(t, "signature", payload.Errors[0].Field)

	status, _ = mapError(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)

	kind, code := classifyErrorForLog(generationdomain.ErrRateLimited)
	assert.Equal(t, "throttled", kind)
	assert.Equal(t, "rate_limited", code)
}
