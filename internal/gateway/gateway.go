// Package gateway описывает контракт платёжного шлюза. Типы конкретного провайдера
// наружу не выходят: сервисы видят только PaymentRef, Event и классы ошибок этого пакета.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// PaymentState: состояние платежа на стороне шлюза.
type PaymentState string

const (
	PaymentStatePending    PaymentState = "pending"
	PaymentStateAuthorized PaymentState = "authorized"
	PaymentStateCaptured   PaymentState = "captured"
	PaymentStateFailed     PaymentState = "failed"
	PaymentStateRefunded   PaymentState = "refunded"
)

// Ключи метаданных, которые сервис передаёт шлюзу и получает обратно в вебхуках.
const (
	MetaTransactionID = "transaction_id"
	MetaOrderID       = "order_id"
	MetaSellerID      = "seller_id"
	MetaPayoutID      = "payout_id"
)

type AuthorizeRequest struct {
	OrderID        string
	Amount         int64
	Currency       string
	Method         string
	IdempotencyKey string
	Metadata       map[string]string
}

type PaymentRef struct {
	ID           string
	ClientSecret string
	Status       PaymentState
}

type Result struct {
	ID     string
	Status PaymentState
}

type PaymentStatus struct {
	ID          string
	State       PaymentState
	Amount      int64
	FailureCode string
}

type AccountRef struct {
	ID string
}

type AccountStatus struct {
	ChargesEnabled   bool `json:"charges_enabled"`
	PayoutsEnabled   bool `json:"payouts_enabled"`
	DetailsSubmitted bool `json:"details_submitted"`
}

type PayoutRequest struct {
	AccountRef     string
	Amount         int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

type PayoutRef struct {
	ID string
}

// Gateway: операции платёжного провайдера, нужные движку эскроу.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (PaymentRef, error)
	Capture(ctx context.Context, paymentRef, idempotencyKey string) (Result, error)
	// Refund возвращает всю сумму, если amount == nil.
	Refund(ctx context.Context, paymentRef string, amount *int64, idempotencyKey string) (Result, error)
	GetPaymentStatus(ctx context.Context, paymentRef string) (PaymentStatus, error)
	CreateConnectAccount(ctx context.Context, sellerID, country, idempotencyKey string) (AccountRef, error)
	CreateOnboardingLink(ctx context.Context, accountRef, refreshURL, returnURL string) (string, error)
	// CreateLoginLink выдаёт одноразовую ссылку в кабинет подключённого аккаунта.
	CreateLoginLink(ctx context.Context, accountRef string) (string, error)
	GetAccountStatus(ctx context.Context, accountRef string) (AccountStatus, error)
	CreatePayout(ctx context.Context, req PayoutRequest) (PayoutRef, error)
	// ParseWebhook проверяет подпись и приводит событие провайдера к Event.
	ParseWebhook(payload []byte, header http.Header) (Event, error)
}

// IdempotencyKey строит ключ вида "<scope>:<id>:<attempt>". Повтор операции использует тот же ключ.
func IdempotencyKey(scope, id string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", scope, id, attempt)
}

const (
	ScopeAuthorize = "authorize"
	ScopeCapture   = "capture"
	ScopeRefund    = "refund"
	ScopePayout    = "payout"
	ScopeAccount   = "account"
)

// EventType: нормализованный тип события шлюза.
type EventType string

const (
	EventPaymentAuthorized EventType = "payment.authorized"
	EventPaymentCaptured   EventType = "payment.captured"
	EventPaymentFailed     EventType = "payment.failed"
	EventPaymentRefunded   EventType = "payment.refunded"
	EventPayoutPaid        EventType = "payout.paid"
	EventPayoutFailed      EventType = "payout.failed"
	EventAccountUpdated    EventType = "account.updated"
	EventUnknown           EventType = "unknown"
)

// Event: событие шлюза после проверки подписи.
type Event struct {
	ID          string
	Type        EventType
	RawType     string
	CreatedAt   time.Time
	PaymentRef  string
	PayoutRef   string
	AccountRef  string
	Amount      int64
	FailureCode string
	Account     *AccountStatus
	Metadata    map[string]string
}

// Meta безопасно читает значение метаданных.
func (e Event) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}
