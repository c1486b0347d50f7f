// Package fake реализует детерминированный шлюз в памяти с теми же правилами идемпотентности,
// что у настоящего провайдера. Используется в тестах и при GATEWAY_PROVIDER=fake.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ignatzorin/gig-escrow/internal/gateway"
)

// Operation: имя операции для сценариев отказов.
type Operation string

const (
	OpAuthorize     Operation = "authorize"
	OpCapture       Operation = "capture"
	OpRefund        Operation = "refund"
	OpPaymentStatus Operation = "payment_status"
	OpCreateAccount Operation = "create_account"
	OpAccountStatus Operation = "account_status"
	OpOnboarding    Operation = "onboarding"
	OpCreatePayout  Operation = "create_payout"
	OpLoginLink     Operation = "login_link"
)

type payment struct {
	ref      gateway.PaymentRef
	amount   int64
	refunded int64
	metadata map[string]string
}

// Gateway реализует gateway.Gateway в памяти.
type Gateway struct {
	mu sync.Mutex

	secret         string
	tolerance      time.Duration
	authorizeState gateway.PaymentState
	now            func() time.Time
	seq            int

	payments map[string]*payment
	keys     map[string]string
	accounts map[string]gateway.AccountStatus
	payouts  map[string]gateway.PayoutRequest
	scripted map[Operation][]error
	hooks    map[Operation][]func()
	calls    map[Operation]int
}

// New создаёт шлюз с секретом подписи вебхуков.
func New(secret string) *Gateway {
	return &Gateway{
		secret:         secret,
		tolerance:      DefaultTolerance,
		authorizeState: gateway.PaymentStateAuthorized,
		now:            time.Now,
		payments:       make(map[string]*payment),
		keys:           make(map[string]string),
		accounts:       make(map[string]gateway.AccountStatus),
		payouts:        make(map[string]gateway.PayoutRequest),
		scripted:       make(map[Operation][]error),
		hooks:          make(map[Operation][]func()),
		calls:          make(map[Operation]int),
	}
}

// SetClock подменяет часы для проверки окна подписи.
func (g *Gateway) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// SetAuthorizeState задаёт состояние новых платежей. PaymentStatePending имитирует
// подтверждение покупателем на стороне клиента: авторизация придёт вебхуком.
func (g *Gateway) SetAuthorizeState(state gateway.PaymentState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.authorizeState = state
}

// Confirm переводит ожидающий платёж в authorized, как после подтверждения покупателем.
func (g *Gateway) Confirm(paymentRef string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.payments[paymentRef]
	if !ok || p.ref.Status != gateway.PaymentStatePending {
		return false
	}
	p.ref.Status = gateway.PaymentStateAuthorized
	return true
}

// FailNext ставит ошибки в очередь: каждый следующий вызов операции получает очередную.
func (g *Gateway) FailNext(op Operation, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripted[op] = append(g.scripted[op], errs...)
}

// Before ставит fn в очередь: следующий вызов операции сначала выполнит её, вне мьютекса шлюза.
// Так тесты вклиниваются между чтением и записью в сервисе.
func (g *Gateway) Before(op Operation, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks[op] = append(g.hooks[op], fn)
}

func (g *Gateway) runHook(op Operation) {
	g.mu.Lock()
	queue := g.hooks[op]
	if len(queue) == 0 {
		g.mu.Unlock()
		return
	}
	fn := queue[0]
	g.hooks[op] = queue[1:]
	g.mu.Unlock()
	fn()
}

// Calls возвращает число вызовов операции.
func (g *Gateway) Calls(op Operation) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// SetAccountStatus задаёт флаги подключённого аккаунта.
func (g *Gateway) SetAccountStatus(accountRef string, status gateway.AccountStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accounts[accountRef] = status
}

// Payment возвращает состояние платежа для проверок в тестах.
func (g *Gateway) Payment(ref string) (gateway.PaymentStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.payments[ref]
	if !ok {
		return gateway.PaymentStatus{}, false
	}
	return gateway.PaymentStatus{ID: p.ref.ID, State: p.ref.Status, Amount: p.amount}, true
}

// PayoutCount: число уникальных выплат, созданных шлюзом.
func (g *Gateway) PayoutCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.payouts)
}

// enter учитывает вызов и возвращает запланированную ошибку. Вызывается под мьютексом.
func (g *Gateway) enter(ctx context.Context, op Operation) error {
	g.calls[op]++
	if err := ctx.Err(); err != nil {
		return gateway.Transient(err)
	}
	queue := g.scripted[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	g.scripted[op] = queue[1:]
	return err
}

func (g *Gateway) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_fake_%d", prefix, g.seq)
}

func (g *Gateway) Authorize(ctx context.Context, req gateway.AuthorizeRequest) (gateway.PaymentRef, error) {
	g.runHook(OpAuthorize)
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.enter(ctx, OpAuthorize); err != nil {
		return gateway.PaymentRef{}, err
	}
	if id, ok := g.keys[req.IdempotencyKey]; ok {
		return g.payments[id].ref, nil
	}
	if req.Amount <= 0 {
		return gateway.PaymentRef{}, gateway.Reject("amount_too_small", "amount must be positive")
	}

	id := g.nextID("pi")
	p := &payment{
		ref: gateway.PaymentRef{
			ID:           id,
			ClientSecret: id + "_secret",
			Status:       g.authorizeState,
		},
		amount:   req.Amount,
		metadata: req.Metadata,
	}
	g.payments[id] = p
	g.keys[req.IdempotencyKey] = id
	return p.ref, nil
}

func (g *Gateway) Capture(ctx context.Context, paymentRef, idempotencyKey string) (gateway.Result, error) {
	g.runHook(OpCapture)
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.enter(ctx, OpCapture); err != nil {
		return gateway.Result{}, err
	}
	p, ok := g.payments[paymentRef]
	if !ok {
		return gateway.Result{}, gateway.ErrNotFound
	}
	if _, done := g.keys[idempotencyKey]; done {
		return gateway.Result{ID: p.ref.ID, Status: p.ref.Status}, nil
	}

	switch p.ref.Status {
	case gateway.PaymentStateAuthorized:
		p.ref.Status = gateway.PaymentStateCaptured
	case gateway.PaymentStateCaptured:
	default:
		return gateway.Result{}, gateway.Reject("payment_intent_unexpected_state", "payment cannot be captured")
	}
	g.keys[idempotencyKey] = p.ref.ID
	return gateway.Result{ID: p.ref.ID, Status: p.ref.Status}, nil
}

func (g *Gateway) Refund(ctx context.Context, paymentRef string, amount *int64, idempotencyKey string) (gateway.Result, error) {
	g.runHook(OpRefund)
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.enter(ctx, OpRefund); err != nil {
		return gateway.Result{}, err
	}
	p, ok := g.payments[paymentRef]
	if !ok {
		return gateway.Result{}, gateway.ErrNotFound
	}
	if id, done := g.keys[idempotencyKey]; done {
		return gateway.Result{ID: id, Status: p.ref.Status}, nil
	}
	if p.ref.Status != gateway.PaymentStateCaptured {
		return gateway.Result{}, gateway.Reject("charge_not_refundable", "payment is not captured")
	}

	value := p.amount - p.refunded
	if amount != nil {
		value = *amount
	}
	if value <= 0 || p.refunded+value > p.amount {
		return gateway.Result{}, gateway.Reject("amount_too_large", "refund exceeds captured amount")
	}
	p.refunded += value
	if p.refunded == p.amount {
		p.ref.Status = gateway.PaymentStateRefunded
	}

	refundID := g.nextID("re")
	g.keys[idempotencyKey] = refundID
	return gateway.Result{ID: refundID, Status: gateway.PaymentStateRefunded}, nil
}

func (g *Gateway) GetPaymentStatus(ctx context.Context, paymentRef string) (gateway.PaymentStatus, error) {
	g.runHook(OpPaymentStatus)
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.enter(ctx, OpPaymentStatus); err != nil {
		return gateway.PaymentStatus{}, err
	}
	p, ok := g.payments[paymentRef]
	if !ok {
		return gateway.PaymentStatus{}, gateway.ErrNotFound
	}
	return gateway.PaymentStatus{ID: p.ref.ID, State: p.ref.Status, Amount: p.amount}, nil
}

func (g *Gateway) CreateConnectAccount(ctx context.Context, sellerID, country, idempotencyKey string) (gateway.AccountRef, error) {
	g.runHook(OpCreateAccount)
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.enter(ctx, OpCreateAccount); err != nil {
		return gateway.AccountRef{}, err
	}
	if id, ok := g.keys[idempotencyKey]; ok {
		return gateway.AccountRef{ID: id}, nil
	}
	id := g.nextID("acct")
	g.accounts[id] = gateway.AccountStatus{}
	g.keys[idempotencyKey] = id
	return gateway.AccountRef{ID: id}, nil
}

func (g *Gateway) CreateOnboardingLink(ctx context.Context, accountRef, refreshURL, returnURL string) (string, error) {
	g.runHook(OpOnboarding)
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.enter(ctx, OpOnboarding); err != nil {
		return "", err
	}
	if _, ok := g.accounts[accountRef]; !ok {
		return "", gateway.ErrNotFound
	}
	q := url.Values{}
	q.Set("refresh_url", refreshURL)
	q.Set("return_url", returnURL)
	return "https://connect.gateway.test/onboarding/" + accountRef + "?" + q.Encode(), nil
}

func (g *Gateway) CreateLoginLink(ctx context.Context, accountRef string) (string, error) {
	g.runHook(OpLoginLink)
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.enter(ctx, OpLoginLink); err != nil {
		return "", err
	}
	status, ok := g.accounts[accountRef]
	if !ok {
		return "", gateway.ErrNotFound
	}
	if !status.DetailsSubmitted {
		return "", gateway.Reject("account_onboarding_incomplete", "account has not completed onboarding")
	}
	return "https://connect.gateway.test/dashboard/" + accountRef, nil
}

func (g *Gateway) GetAccountStatus(ctx context.Context, accountRef string) (gateway.AccountStatus, error) {
	g.runHook(OpAccountStatus)
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.enter(ctx, OpAccountStatus); err != nil {
		return gateway.AccountStatus{}, err
	}
	status, ok := g.accounts[accountRef]
	if !ok {
		return gateway.AccountStatus{}, gateway.ErrNotFound
	}
	return status, nil
}

func (g *Gateway) CreatePayout(ctx context.Context, req gateway.PayoutRequest) (gateway.PayoutRef, error) {
	g.runHook(OpCreatePayout)
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.enter(ctx, OpCreatePayout); err != nil {
		return gateway.PayoutRef{}, err
	}
	if id, ok := g.keys[req.IdempotencyKey]; ok {
		return gateway.PayoutRef{ID: id}, nil
	}
	status, ok := g.accounts[req.AccountRef]
	if !ok {
		return gateway.PayoutRef{}, gateway.Reject("account_invalid", "unknown destination account")
	}
	if !status.PayoutsEnabled {
		return gateway.PayoutRef{}, gateway.Reject("payouts_not_allowed", "payouts disabled for account")
	}
	id := g.nextID("tr")
	g.payouts[id] = req
	g.keys[req.IdempotencyKey] = id
	return gateway.PayoutRef{ID: id}, nil
}

// wireEvent: формат тела вебхука фейкового шлюза.
type wireEvent struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Created     int64                  `json:"created"`
	PaymentRef  string                 `json:"payment_ref,omitempty"`
	PayoutRef   string                 `json:"payout_ref,omitempty"`
	AccountRef  string                 `json:"account_ref,omitempty"`
	Amount      int64                  `json:"amount,omitempty"`
	FailureCode string                 `json:"failure_code,omitempty"`
	Account     *gateway.AccountStatus `json:"account,omitempty"`
	Metadata    map[string]string      `json:"metadata,omitempty"`
}

// BuildWebhook сериализует и подписывает событие так, как его прислал бы шлюз.
func (g *Gateway) BuildWebhook(ev gateway.Event) ([]byte, http.Header, error) {
	g.mu.Lock()
	now := g.now()
	g.mu.Unlock()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	payload, err := json.Marshal(wireEvent{
		ID:          ev.ID,
		Type:        string(ev.Type),
		Created:     ev.CreatedAt.Unix(),
		PaymentRef:  ev.PaymentRef,
		PayoutRef:   ev.PayoutRef,
		AccountRef:  ev.AccountRef,
		Amount:      ev.Amount,
		FailureCode: ev.FailureCode,
		Account:     ev.Account,
		Metadata:    ev.Metadata,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fake: marshal event: %w", err)
	}

	header := http.Header{}
	header.Set(SignatureHeader, Sign(g.secret, payload, now))
	return payload, header, nil
}

func (g *Gateway) ParseWebhook(payload []byte, header http.Header) (gateway.Event, error) {
	g.mu.Lock()
	now := g.now()
	g.mu.Unlock()

	if err := Verify(g.secret, payload, header.Get(SignatureHeader), now, g.tolerance); err != nil {
		return gateway.Event{}, err
	}

	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return gateway.Event{}, fmt.Errorf("fake: decode event: %w", err)
	}
	if w.ID == "" {
		return gateway.Event{}, fmt.Errorf("fake: event without id")
	}

	evType := gateway.EventType(w.Type)
	switch evType {
	case gateway.EventPaymentAuthorized, gateway.EventPaymentCaptured, gateway.EventPaymentFailed,
		gateway.EventPaymentRefunded, gateway.EventPayoutPaid, gateway.EventPayoutFailed, gateway.EventAccountUpdated:
	default:
		evType = gateway.EventUnknown
	}

	return gateway.Event{
		ID:          w.ID,
		Type:        evType,
		RawType:     w.Type,
		CreatedAt:   time.Unix(w.Created, 0).UTC(),
		PaymentRef:  w.PaymentRef,
		PayoutRef:   w.PayoutRef,
		AccountRef:  w.AccountRef,
		Amount:      w.Amount,
		FailureCode: w.FailureCode,
		Account:     w.Account,
		Metadata:    w.Metadata,
	}, nil
}

var _ gateway.Gateway = (*Gateway)(nil)
