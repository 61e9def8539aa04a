package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dealbridge/backend/internal/auth"
	"github.com/dealbridge/backend/internal/config"
	"github.com/dealbridge/backend/internal/events"
	apphttp "github.com/dealbridge/backend/internal/http"
	"github.com/dealbridge/backend/internal/http/dto"
	"github.com/dealbridge/backend/internal/http/handlers"
	"github.com/dealbridge/backend/internal/models"
	"github.com/dealbridge/backend/internal/repositories"
	"github.com/dealbridge/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

// stubLedger accepts every call.
type stubLedger struct{}

func (stubLedger) Provision(_ context.Context, dealID uuid.UUID) (string, error) {
	return "EQescrow#" + dealID.String(), nil
}
func (stubLedger) Deposit(context.Context, string, decimal.Decimal, string) (string, error) {
	return "tx-deposit", nil
}
func (stubLedger) ConfirmConditions(context.Context, string) (string, error) {
	return "tx-confirm", nil
}
func (stubLedger) StartApproval(context.Context, string, time.Time) (string, error) {
	return "tx-approval", nil
}
func (stubLedger) Dispute(context.Context, string, time.Time) (string, error) {
	return "tx-dispute", nil
}
func (stubLedger) Release(context.Context, string) (string, error) { return "tx-release", nil }
func (stubLedger) Refund(context.Context, string) (string, error)  { return "tx-refund", nil }

type testAPI struct {
	app    *fiber.App
	buyer  uuid.UUID
	seller uuid.UUID
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{JWTSecret: testSecret}
	log := zap.NewNop()
	policy := services.Policy{
		FinalApproval: services.Window{Default: 72 * time.Hour, Min: time.Hour, Max: 14 * 24 * time.Hour},
		Dispute:       services.Window{Default: 7 * 24 * time.Hour, Min: 24 * time.Hour, Max: 30 * 24 * time.Hour},
	}
	svc := services.NewDealService(repositories.NewMemoryDealRepo(), stubLedger{}, nil, events.NopPublisher{}, policy, log)

	app := fiber.New()
	apphttp.SetupRouter(app, cfg, log, rdb,
		handlers.NewDealHandler(svc, log),
		handlers.NewMetaHandler(),
		handlers.NewUserHandler(svc, log),
		handlers.NewWSHub(cfg, nil, log),
	)
	return &testAPI{app: app, buyer: uuid.New(), seller: uuid.New()}
}

func (a *testAPI) do(t *testing.T, method, path string, as uuid.UUID, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if as != uuid.Nil {
		token, err := auth.GenerateJWT(testSecret, as, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (a *testAPI) deal(t *testing.T, method, path string, as uuid.UUID, body any, wantStatus int) models.Deal {
	t.Helper()
	status, raw := a.do(t, method, path, as, body)
	require.Equal(t, wantStatus, status, string(raw))

	var resp struct {
		OK   bool        `json:"ok"`
		Data models.Deal `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp.Data
}

func (a *testAPI) createBody() map[string]any {
	return map[string]any{
		"buyer_id":          a.buyer.String(),
		"seller_id":         a.seller.String(),
		"amount":            "25",
		"asset_ref":         "TON",
		"buyer_settlement":  map[string]string{"network_id": "ton", "address": "EQbuyer"},
		"seller_settlement": map[string]string{"network_id": "ton", "address": "EQseller"},
		"conditions":        []map[string]string{{"kind": "delivery", "description": "goods received"}},
	}
}

func TestDealAPI_HappyPath(t *testing.T) {
	a := newTestAPI(t)

	d := a.deal(t, http.MethodPost, "/api/v1/deals", a.buyer, a.createBody(), http.StatusCreated)
	assert.Equal(t, models.DealStatusPendingReview, d.Status)
	base := "/api/v1/deals/" + d.ID.String()

	d = a.deal(t, http.MethodPost, base+"/decision", a.seller, map[string]string{"decision": models.DecisionAccept}, http.StatusOK)
	assert.Equal(t, models.DealStatusAwaitingFunds, d.Status)
	require.NotNil(t, d.LedgerContractRef)

	d = a.deal(t, http.MethodPost, base+"/deposit", a.buyer, map[string]string{"amount": "25", "proof_tx_ref": "abc"}, http.StatusOK)
	assert.Equal(t, models.DealStatusAwaitingConfirmation, d.Status)

	d = a.deal(t, http.MethodPost, base+"/confirm-funds", a.seller, nil, http.StatusOK)
	assert.Equal(t, models.DealStatusPendingConditions, d.Status)

	condPath := base + "/conditions/" + d.Conditions[0].ID.String() + "/review"
	d = a.deal(t, http.MethodPost, condPath, a.buyer, map[string]string{"status": models.ConditionStatusFulfilled}, http.StatusOK)
	assert.Equal(t, models.DealStatusReadyForFinalApproval, d.Status)

	d = a.deal(t, http.MethodPost, base+"/final-approval", a.seller, map[string]int64{"hint_seconds": 7200}, http.StatusOK)
	assert.Equal(t, models.DealStatusInFinalApproval, d.Status)
	require.NotNil(t, d.FinalApprovalDeadline)

	d = a.deal(t, http.MethodPost, base+"/approve-release", a.buyer, nil, http.StatusOK)
	assert.Equal(t, models.DealStatusCompleted, d.Status)
	assert.True(t, d.FundsReleasedToSeller)

	status, raw := a.do(t, http.MethodGet, base+"/timeline", a.seller, nil)
	require.Equal(t, http.StatusOK, status)
	var tl struct {
		Data dto.TimelineResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &tl))
	assert.Equal(t, models.DealStatusCompleted, tl.Data.Status)
	assert.Equal(t, "deal_completed", tl.Data.Timeline[len(tl.Data.Timeline)-1].Label)
}

func TestDealAPI_Errors(t *testing.T) {
	a := newTestAPI(t)
	d := a.deal(t, http.MethodPost, "/api/v1/deals", a.buyer, a.createBody(), http.StatusCreated)
	base := "/api/v1/deals/" + d.ID.String()

	badAmount := a.createBody()
	badAmount["amount"] = "0"

	tests := []struct {
		name       string
		method     string
		path       string
		as         uuid.UUID
		body       any
		wantStatus int
		wantCode   string
	}{
		{"no token", http.MethodGet, base, uuid.Nil, nil, http.StatusUnauthorized, ""},
		{"stranger", http.MethodGet, base, uuid.New(), nil, http.StatusForbidden, "FORBIDDEN"},
		{"unknown deal", http.MethodGet, "/api/v1/deals/" + uuid.NewString(), a.buyer, nil, http.StatusNotFound, "NOT_FOUND"},
		{"bad id", http.MethodGet, "/api/v1/deals/nope", a.buyer, nil, http.StatusBadRequest, ""},
		{"zero amount", http.MethodPost, "/api/v1/deals", a.buyer, badAmount, http.StatusBadRequest, "VALIDATION"},
		{"buyer cannot decide", http.MethodPost, base + "/decision", a.buyer, map[string]string{"decision": "ACCEPT"}, http.StatusForbidden, "FORBIDDEN"},
		{"release too early", http.MethodPost, base + "/approve-release", a.buyer, nil, http.StatusConflict, "STATE_CONFLICT"},
		{"unknown status filter", http.MethodGet, "/api/v1/deals?status=LOST", a.buyer, nil, http.StatusBadRequest, "VALIDATION"},
		{"malformed approval window", http.MethodPost, base + "/final-approval", a.buyer, map[string]string{"hint_seconds": "soon"}, http.StatusBadRequest, ""},
		{"malformed dispute window", http.MethodPost, base + "/dispute", a.seller, "later", http.StatusBadRequest, ""},
		{"empty window body uses default", http.MethodPost, base + "/dispute", a.seller, nil, http.StatusConflict, "STATE_CONFLICT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, raw := a.do(t, tt.method, tt.path, tt.as, tt.body)
			assert.Equal(t, tt.wantStatus, status, string(raw))
			if tt.wantCode == "" {
				return
			}
			var e dto.ErrorResponse
			require.NoError(t, json.Unmarshal(raw, &e))
			assert.Equal(t, tt.wantCode, e.Code)
		})
	}
}

func TestDealAPI_ListAndMe(t *testing.T) {
	a := newTestAPI(t)
	a.deal(t, http.MethodPost, "/api/v1/deals", a.buyer, a.createBody(), http.StatusCreated)
	a.deal(t, http.MethodPost, "/api/v1/deals", a.seller, a.createBody(), http.StatusCreated)

	status, raw := a.do(t, http.MethodGet, "/api/v1/deals?status=PENDING_REVIEW", a.buyer, nil)
	require.Equal(t, http.StatusOK, status)
	var list struct {
		Data []models.Deal `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &list))
	assert.Len(t, list.Data, 2)

	status, raw = a.do(t, http.MethodGet, "/api/v1/deals", uuid.New(), nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(raw, &list))
	assert.Empty(t, list.Data)

	status, raw = a.do(t, http.MethodGet, "/api/v1/me", a.seller, nil)
	require.Equal(t, http.StatusOK, status)
	var me struct {
		Data dto.MeResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &me))
	assert.Equal(t, 2, me.Data.Deals[models.DealStatusPendingReview])
}

func TestMeta_Statuses(t *testing.T) {
	a := newTestAPI(t)

	status, raw := a.do(t, http.MethodGet, "/api/v1/meta/statuses", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, status)

	var resp struct {
		Data []handlers.MetaStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Len(t, resp.Data, len(models.ValidDealTransitions))
	for _, s := range resp.Data {
		assert.Equal(t, s.Terminal, len(s.Next) == 0, s.ID)
	}
}

func TestRateLimit_PerParty(t *testing.T) {
	a := newTestAPI(t)

	var last int
	for i := 0; i < 101; i++ {
		last, _ = a.do(t, http.MethodGet, "/api/v1/deals", a.buyer, nil)
	}
	assert.Equal(t, http.StatusTooManyRequests, last)

	status, _ := a.do(t, http.MethodGet, "/api/v1/deals", a.seller, nil)
	assert.Equal(t, http.StatusOK, status)
}
