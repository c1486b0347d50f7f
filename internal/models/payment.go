package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/gig-escrow/internal/domain/valueobject"
)

// Transaction: попытка оплаты заказа через платёжный шлюз.
// Для заказа существует не более одной транзакции не в статусе failed.
// PendingRefund: накопленная сумма возврата, ожидающего ответа шлюза; 0, если возврата в полёте нет.
type Transaction struct {
	ID                uuid.UUID                     `db:"id" json:"id"`
	OrderID           uuid.UUID                     `db:"order_id" json:"order_id"`
	BuyerID           uuid.UUID                     `db:"buyer_id" json:"buyer_id"`
	SellerID          uuid.UUID                     `db:"seller_id" json:"seller_id"`
	Amount            int64                         `db:"amount" json:"amount"`
	Currency          string                        `db:"currency" json:"currency"`
	PaymentMethod     valueobject.PaymentMethod     `db:"payment_method" json:"payment_method"`
	GatewayPaymentID  *string                       `db:"gateway_payment_id" json:"gateway_payment_id,omitempty"`
	IdempotencyKey    string                        `db:"idempotency_key" json:"-"`
	AttemptNumber     int                           `db:"attempt_number" json:"attempt_number"`
	Status            valueobject.TransactionStatus `db:"status" json:"status"`
	FailureCode       *string                       `db:"failure_code" json:"failure_code,omitempty"`
	PlatformFee       int64                         `db:"platform_fee" json:"platform_fee"`
	ProcessingFee     int64                         `db:"processing_fee" json:"processing_fee"`
	SellerAmount      int64                         `db:"seller_amount" json:"seller_amount"`
	VATCountry        string                        `db:"vat_country" json:"vat_country"`
	VATAmount         int64                         `db:"vat_amount" json:"vat_amount"`
	RefundedAmount    int64                         `db:"refunded_amount" json:"refunded_amount"`
	PendingRefund     int64                         `db:"pending_refund" json:"pending_refund,omitempty"`
	PayoutPending     bool                          `db:"payout_pending" json:"payout_pending"`
	EscrowReleaseDate *time.Time                    `db:"escrow_release_date" json:"escrow_release_date,omitempty"`
	Version           int64                         `db:"version" json:"-"`
	CreatedAt         time.Time                     `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time                     `db:"updated_at" json:"updated_at"`
}

// GatewayRef возвращает идентификатор платежа в шлюзе или пустую строку.
func (t *Transaction) GatewayRef() string {
	if t.GatewayPaymentID == nil {
		return ""
	}
	return *t.GatewayPaymentID
}

// IsReleased: средства можно выплачивать продавцу на момент now.
// Транзакции с частичным или незавершённым возвратом в выплаты не попадают.
func (t *Transaction) IsReleased(now time.Time) bool {
	return t.Status == valueobject.TransactionStatusCaptured &&
		t.RefundedAmount == 0 &&
		t.PendingRefund == 0 &&
		t.EscrowReleaseDate != nil &&
		!t.EscrowReleaseDate.After(now)
}
