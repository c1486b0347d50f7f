package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/gig-escrow/internal/fees"
	"github.com/ignatzorin/gig-escrow/internal/gateway"
	"github.com/ignatzorin/gig-escrow/internal/gateway/fake"
	"github.com/ignatzorin/gig-escrow/internal/models"
	"github.com/ignatzorin/gig-escrow/internal/repository/memory"
)

const testWebhookSecret = "whsec_test"

var testStart = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	store     *memory.Store
	gw        *fake.Gateway
	escrow    *EscrowService
	orders    *OrderService
	connect   *ConnectService
	webhooks  *WebhookService
	payouts   *PayoutService
	reconcile *ReconciliationService
	hub       *recordingHub
	now       time.Time
}

type recordingHub struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHub) BroadcastToUser(userID uuid.UUID, event string, data interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

// count: сколько раз было отправлено событие.
func (h *recordingHub) count(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e == event {
			n++
		}
	}
	return n
}

// staleSeller: аккаунт в шлюзе уже активен, а локальная запись ещё нет.
// Агрегация выплат обновит её через шлюз перед проверкой.
func (env *testEnv) staleSeller(t *testing.T) uuid.UUID {
	t.Helper()
	sellerID := uuid.New()
	onboarding, err := env.connect.CreateAccount(context.Background(), sellerID, "DE")
	require.NoError(t, err)
	env.gw.SetAccountStatus(onboarding.AccountID, gateway.AccountStatus{
		ChargesEnabled:   true,
		PayoutsEnabled:   true,
		DetailsSubmitted: true,
	})
	return sellerID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store: memory.New(),
		gw:    fake.New(testWebhookSecret),
		hub:   &recordingHub{},
		now:   testStart,
	}
	clock := func() time.Time { return env.now }
	env.store.SetClock(clock)
	env.gw.SetClock(clock)

	retry := gateway.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calc := fees.NewCalculator(fees.Percent(15), fees.Rate(290), 25, fees.DefaultVATTable())

	env.escrow = NewEscrowService(env.store, env.gw, calc, EscrowConfig{
		SupportedCurrencies: []string{"EUR", "CHF"},
		ReleasePeriod:       14 * 24 * time.Hour,
		Retry:               retry,
	})
	env.escrow.SetClock(clock)
	env.escrow.SetHub(env.hub)

	env.orders = NewOrderService(env.store, env.escrow)
	env.orders.now = clock

	env.connect = NewConnectService(env.store, env.gw, ConnectConfig{
		Countries:   []string{"DE", "AT", "CH"},
		FrontendURL: "http://localhost:3000",
		Retry:       retry,
	})

	env.webhooks = NewWebhookService(env.store, env.gw, env.escrow, env.connect, 30*24*time.Hour)
	env.webhooks.SetClock(clock)
	env.webhooks.SetHub(env.hub)

	env.payouts = NewPayoutService(env.store, env.gw, env.connect, PayoutConfig{
		MinimumAmount: 5000,
		InstanceID:    "escrow-test",
		LeaseTTL:      10 * time.Minute,
		Retry:         retry,
	})
	env.payouts.SetHub(env.hub)

	env.reconcile = NewReconciliationService(env.store, env.gw, env.escrow, env.payouts, 15*time.Minute)
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) createOrder(t *testing.T, sellerID uuid.UUID, price int64) *models.Order {
	t.Helper()
	order, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
		BuyerID:    uuid.New(),
		SellerID:   sellerID,
		GigID:      uuid.New(),
		TotalPrice: price,
		Currency:   "EUR",
	})
	require.NoError(t, err)
	return order
}

func (env *testEnv) checkout(t *testing.T, order *models.Order) *CheckoutResult {
	t.Helper()
	res, err := env.escrow.Checkout(context.Background(), CheckoutInput{
		OrderID:       order.ID,
		BuyerID:       order.BuyerID,
		Amount:        order.TotalPrice,
		Currency:      order.Currency,
		PaymentMethod: "card",
	})
	require.NoError(t, err)
	return res
}

// releasedOrder проводит заказ через оплату и приёмку с заданной датой.
func (env *testEnv) releasedOrder(t *testing.T, sellerID uuid.UUID, price int64, completedAt time.Time) *models.Transaction {
	t.Helper()
	order := env.createOrder(t, sellerID, price)
	res := env.checkout(t, order)
	_, err := env.escrow.CompleteOrder(context.Background(), order.ID, completedAt)
	require.NoError(t, err)
	txn, err := env.store.GetTransaction(context.Background(), res.TransactionID)
	require.NoError(t, err)
	return txn
}

// activeSeller создаёт продавца с полностью подключённым аккаунтом.
func (env *testEnv) activeSeller(t *testing.T) uuid.UUID {
	t.Helper()
	sellerID := uuid.New()
	onboarding, err := env.connect.CreateAccount(context.Background(), sellerID, "DE")
	require.NoError(t, err)
	env.gw.SetAccountStatus(onboarding.AccountID, gateway.AccountStatus{
		ChargesEnabled:   true,
		PayoutsEnabled:   true,
		DetailsSubmitted: true,
	})
	_, err = env.connect.Refresh(context.Background(), sellerID)
	require.NoError(t, err)
	return sellerID
}
