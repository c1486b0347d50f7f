package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/gig-escrow/internal/domain/valueobject"
)

const PayoutMethodBankTransfer = "bank_transfer"

// Payout: пакетная выплата продавцу. Список транзакций фиксируется при создании.
type Payout struct {
	ID              uuid.UUID                `db:"id" json:"id"`
	SellerID        uuid.UUID                `db:"seller_id" json:"seller_id"`
	Amount          int64                    `db:"amount" json:"amount"`
	Currency        string                   `db:"currency" json:"currency"`
	Status          valueobject.PayoutStatus `db:"status" json:"status"`
	PayoutMethod    string                   `db:"payout_method" json:"payout_method"`
	GatewayPayoutID *string                  `db:"gateway_payout_id" json:"gateway_payout_id,omitempty"`
	AttemptNumber   int                      `db:"attempt_number" json:"attempt_number"`
	FailureCode     *string                  `db:"failure_code" json:"failure_code,omitempty"`
	TransactionIDs  []uuid.UUID              `db:"-" json:"transaction_ids"`
	Version         int64                    `db:"version" json:"-"`
	CreatedAt       time.Time                `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time                `db:"updated_at" json:"updated_at"`
	PaidAt          *time.Time               `db:"paid_at" json:"paid_at,omitempty"`
}

// EscrowBalance: средства продавца в эскроу по одной валюте, ещё не включённые в выплату.
// Pending ждёт приёмки, окончания срока удержания или решения по спору; Available уйдёт ближайшим проходом.
type EscrowBalance struct {
	Currency  string `db:"currency" json:"currency"`
	Pending   int64  `db:"pending" json:"pending"`
	Available int64  `db:"available" json:"available"`
}

// PayoutBalance: суммы выплат продавцу по одной валюте.
type PayoutBalance struct {
	Currency  string `db:"currency" json:"currency"`
	InTransit int64  `db:"in_transit" json:"in_transit"`
	Paid      int64  `db:"paid" json:"paid"`
}
