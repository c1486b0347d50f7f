package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/gig-escrow/internal/config"
	"github.com/ignatzorin/gig-escrow/internal/fees"
	"github.com/ignatzorin/gig-escrow/internal/gateway"
	"github.com/ignatzorin/gig-escrow/internal/gateway/fake"
	"github.com/ignatzorin/gig-escrow/internal/http/handlers"
	"github.com/ignatzorin/gig-escrow/internal/repository/memory"
	"github.com/ignatzorin/gig-escrow/internal/service"
)

type apiFixture struct {
	router *gin.Engine
	gw     *fake.Gateway
	store  *memory.Store
	tokens *service.TokenManager
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.New()
	gw := fake.New("whsec_test")
	retry := gateway.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calc := fees.NewCalculator(fees.Percent(15), fees.Rate(290), 25, fees.DefaultVATTable())

	escrow := service.NewEscrowService(store, gw, calc, service.EscrowConfig{
		SupportedCurrencies: []string{"EUR", "CHF"},
		ReleasePeriod:       14 * 24 * time.Hour,
		Retry:               retry,
	})
	orders := service.NewOrderService(store, escrow)
	connect := service.NewConnectService(store, gw, service.ConnectConfig{
		Countries:   []string{"DE", "AT", "CH"},
		FrontendURL: "http://localhost:3000",
		Retry:       retry,
	})
	webhooks := service.NewWebhookService(store, gw, escrow, connect, time.Hour)
	payouts := service.NewPayoutService(store, gw, connect, service.PayoutConfig{
		MinimumAmount: 5000,
		InstanceID:    "escrow-test",
		LeaseTTL:      time.Minute,
		Retry:         retry,
	})
	reconcile := service.NewReconciliationService(store, gw, escrow, payouts, 15*time.Minute)
	tokens := service.NewTokenManager("test-secret", time.Hour)

	cfg := &config.Config{
		Env:             "test",
		AllowedOrigins:  []string{"http://localhost:3000"},
		RateLimitLimit:  100,
		RateLimitPeriod: time.Minute,
	}

	r := SetupRouter(cfg,
		handlers.NewHealthHandler(nil),
		handlers.NewCheckoutHandler(escrow),
		handlers.NewWebhookHandler(webhooks),
		handlers.NewConnectHandler(connect),
		handlers.NewOrderHandler(orders, escrow),
		handlers.NewPaymentHandler(escrow),
		handlers.NewPayoutHandler(payouts, reconcile),
		nil,
		tokens,
	)
	return &apiFixture{router: r, gw: gw, store: store, tokens: tokens}
}

func (f *apiFixture) do(t *testing.T, method, path string, userID uuid.UUID, role string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != uuid.Nil {
		token, err := f.tokens.Issue(userID, role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (f *apiFixture) createOrder(t *testing.T, buyerID uuid.UUID, price int64) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/orders", buyerID, service.RoleBuyer, gin.H{
		"seller_id":   uuid.New(),
		"gig_id":      uuid.New(),
		"total_price": price,
		"currency":    "EUR",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)["id"].(string)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/health", uuid.Nil, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCheckout_RequiresToken(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPost, "/api/checkout", uuid.Nil, "", gin.H{"order_id": uuid.New()})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCheckout_CapturesAndRejectsDuplicate(t *testing.T) {
	f := newAPIFixture(t)
	buyer := uuid.New()
	orderID := f.createOrder(t, buyer, 10000)

	req := gin.H{"order_id": orderID, "amount": 10000, "currency": "EUR", "payment_method": "card"}
	w := f.do(t, http.MethodPost, "/api/checkout", buyer, service.RoleBuyer, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "captured", body["status"])
	assert.NotEmpty(t, body["transaction_id"])
	assert.NotEmpty(t, body["client_secret"])

	w = f.do(t, http.MethodPost, "/api/checkout", buyer, service.RoleBuyer, req)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DUPLICATE_PAYMENT_ATTEMPT", decode(t, w)["code"])

	w = f.do(t, http.MethodGet, "/api/orders/"+orderID, buyer, service.RoleBuyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	order := decode(t, w)
	assert.Equal(t, "in_progress", order["status"])
	txn := order["transaction"].(map[string]interface{})
	assert.EqualValues(t, 1500, txn["platform_fee"])
	assert.EqualValues(t, 315, txn["processing_fee"])
	assert.EqualValues(t, 8185, txn["seller_amount"])
}

func TestCheckout_Validation(t *testing.T) {
	f := newAPIFixture(t)
	buyer := uuid.New()
	orderID := f.createOrder(t, buyer, 10000)

	w := f.do(t, http.MethodPost, "/api/checkout", buyer, service.RoleBuyer,
		gin.H{"order_id": orderID, "amount": 0, "currency": "EUR", "payment_method": "card"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode(t, w)["code"])

	w = f.do(t, http.MethodPost, "/api/checkout", buyer, service.RoleBuyer,
		gin.H{"order_id": orderID, "amount": 10000, "currency": "USD", "payment_method": "card"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, f.gw.Calls(fake.OpAuthorize))
}

func TestCheckout_Declined(t *testing.T) {
	f := newAPIFixture(t)
	buyer := uuid.New()
	orderID := f.createOrder(t, buyer, 10000)
	f.gw.FailNext(fake.OpAuthorize, gateway.Reject("card_declined", "insufficient funds"))

	w := f.do(t, http.MethodPost, "/api/checkout", buyer, service.RoleBuyer,
		gin.H{"order_id": orderID, "amount": 10000, "currency": "EUR", "payment_method": "card"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	body := decode(t, w)
	assert.Equal(t, "GATEWAY_REJECTION", body["code"])
	assert.Equal(t, "card_declined", body["reason"])
}

func TestWebhook_SignatureAndDuplicate(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/gateway", bytes.NewBufferString(`{"id":"evt_x"}`))
	req.Header.Set(fake.SignatureHeader, "t=1,v1=deadbeef")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_SIGNATURE", decode(t, w)["code"])

	payload, header, err := f.gw.BuildWebhook(gateway.Event{ID: "evt_unknown", Type: "charge.dispute.created"})
	require.NoError(t, err)
	for i, duplicate := range []bool{false, true} {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/gateway", bytes.NewReader(payload))
		req.Header = header.Clone()
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, "delivery %d", i)
		body := decode(t, w)
		assert.Equal(t, true, body["received"])
		assert.Equal(t, duplicate, body["duplicate"] == true)
	}
}

func TestWebhook_OversizedBodyRejected(t *testing.T) {
	f := newAPIFixture(t)
	const limit = 256 << 10

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/gateway", bytes.NewReader(bytes.Repeat([]byte("a"), limit+1)))
	req.Header.Set(fake.SignatureHeader, "t=1,v1=deadbeef")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", decode(t, w)["code"])

	// Тело ровно на пределе доходит до проверки подписи.
	req = httptest.NewRequest(http.MethodPost, "/api/webhooks/gateway", bytes.NewReader(bytes.Repeat([]byte("a"), limit)))
	req.Header.Set(fake.SignatureHeader, "t=1,v1=deadbeef")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_SIGNATURE", decode(t, w)["code"])
}

func TestConnect_OnlyOwnerOrAdmin(t *testing.T) {
	f := newAPIFixture(t)
	seller := uuid.New()

	w := f.do(t, http.MethodGet, "/api/connect/status?seller_id="+seller.String(), seller, service.RoleSeller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "not_created", decode(t, w)["status"])

	w = f.do(t, http.MethodPost, "/api/connect/account", uuid.New(), service.RoleSeller,
		gin.H{"seller_id": seller, "country": "DE"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/api/connect/account", seller, service.RoleSeller,
		gin.H{"seller_id": seller, "country": "DE"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.NotEmpty(t, body["onboarding_url"])
	assert.NotEmpty(t, body["account_id"])

	w = f.do(t, http.MethodGet, "/api/connect/status?seller_id="+seller.String(), uuid.New(), service.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", decode(t, w)["status"])
}

func TestConnect_DashboardAndEarnings(t *testing.T) {
	f := newAPIFixture(t)
	seller := uuid.New()

	w := f.do(t, http.MethodGet, "/api/connect/dashboard?seller_id="+seller.String(), seller, service.RoleSeller, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/connect/account", seller, service.RoleSeller,
		gin.H{"seller_id": seller, "country": "DE"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	accountID := decode(t, w)["account_id"].(string)
	f.gw.SetAccountStatus(accountID, gateway.AccountStatus{DetailsSubmitted: true})

	w = f.do(t, http.MethodGet, "/api/connect/dashboard?seller_id="+seller.String(), uuid.New(), service.RoleSeller, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodGet, "/api/connect/dashboard?seller_id="+seller.String(), seller, service.RoleSeller, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, decode(t, w)["url"], accountID)

	w = f.do(t, http.MethodGet, "/api/payouts/earnings", seller, service.RoleSeller, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, seller.String(), body["seller_id"])
	assert.Empty(t, body["currencies"])

	w = f.do(t, http.MethodGet, "/api/payouts/earnings?seller_id="+seller.String(), uuid.New(), service.RoleSeller, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdmin_RefundRequiresAdmin(t *testing.T) {
	f := newAPIFixture(t)
	buyer := uuid.New()
	orderID := f.createOrder(t, buyer, 10000)
	w := f.do(t, http.MethodPost, "/api/checkout", buyer, service.RoleBuyer,
		gin.H{"order_id": orderID, "amount": 10000, "currency": "EUR", "payment_method": "card"})
	require.Equal(t, http.StatusCreated, w.Code)
	txID := decode(t, w)["transaction_id"].(string)

	w = f.do(t, http.MethodPost, "/api/transactions/"+txID+"/refund", buyer, service.RoleBuyer, gin.H{"reason": "requested"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/api/transactions/"+txID+"/refund", uuid.New(), service.RoleAdmin, gin.H{"reason": "requested"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "refunded", decode(t, w)["status"])

	w = f.do(t, http.MethodGet, "/api/orders/"+orderID, buyer, service.RoleBuyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decode(t, w)["status"])
}

func TestAdmin_InvalidUUID(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPost, "/api/admin/payouts/not-a-uuid/retry", uuid.New(), service.RoleAdmin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_SweepWithNothingReleased(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPost, "/api/admin/payouts/sweep", uuid.New(), service.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, false, body["skipped"])
}

func TestDispute_OpenAndResolveRefund(t *testing.T) {
	f := newAPIFixture(t)
	buyer := uuid.New()
	orderID := f.createOrder(t, buyer, 10000)
	w := f.do(t, http.MethodPost, "/api/checkout", buyer, service.RoleBuyer,
		gin.H{"order_id": orderID, "amount": 10000, "currency": "EUR", "payment_method": "card"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPost, "/api/orders/"+orderID+"/dispute", uuid.New(), service.RoleBuyer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/api/orders/"+orderID+"/dispute", buyer, service.RoleBuyer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "disputed", decode(t, w)["status"])

	resolve := "/api/orders/" + orderID + "/dispute/resolve"
	w = f.do(t, http.MethodPost, resolve, buyer, service.RoleBuyer, gin.H{"outcome": "refund"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, resolve, uuid.New(), service.RoleAdmin, gin.H{"outcome": "split"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, resolve, uuid.New(), service.RoleAdmin, gin.H{"outcome": "refund", "reason": "not delivered"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "cancelled", decode(t, w)["status"])
}
