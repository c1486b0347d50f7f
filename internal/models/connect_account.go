package models

import (
	"time"

	"github.com/google/uuid"
)

// ConnectStatus вычисляется из флагов аккаунта при каждом чтении и нигде не хранится.
type ConnectStatus string

const (
	ConnectStatusNotCreated ConnectStatus = "not_created"
	ConnectStatusPending    ConnectStatus = "pending"
	ConnectStatusRestricted ConnectStatus = "restricted"
	ConnectStatusActive     ConnectStatus = "active"
)

// ConnectAccount: подключённый аккаунт продавца в платёжном шлюзе.
type ConnectAccount struct {
	SellerID         uuid.UUID  `db:"seller_id" json:"seller_id"`
	GatewayAccountID string     `db:"gateway_account_id" json:"gateway_account_id"`
	Country          string     `db:"country" json:"country"`
	ChargesEnabled   bool       `db:"charges_enabled" json:"charges_enabled"`
	PayoutsEnabled   bool       `db:"payouts_enabled" json:"payouts_enabled"`
	DetailsSubmitted bool       `db:"details_submitted" json:"details_submitted"`
	LastEventAt      *time.Time `db:"last_event_at" json:"-"`
	Version          int64      `db:"version" json:"-"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// DeriveConnectStatus: not_created без аккаунта, pending пока не заполнены данные,
// restricted если данные есть, но платежи или выплаты выключены, иначе active.
func DeriveConnectStatus(account *ConnectAccount) ConnectStatus {
	switch {
	case account == nil:
		return ConnectStatusNotCreated
	case !account.DetailsSubmitted:
		return ConnectStatusPending
	case !account.ChargesEnabled || !account.PayoutsEnabled:
		return ConnectStatusRestricted
	default:
		return ConnectStatusActive
	}
}

// CanReceiveTransfers: выплаты разрешены только активным аккаунтам.
func CanReceiveTransfers(status ConnectStatus) bool {
	return status == ConnectStatusActive
}
