package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/gig-escrow/internal/domain/valueobject"
)

// Order: покупка пакета услуги. TotalPrice фиксируется при создании и больше не меняется.
type Order struct {
	ID           uuid.UUID               `db:"id" json:"id"`
	GigID        uuid.UUID               `db:"gig_id" json:"gig_id"`
	BuyerID      uuid.UUID               `db:"buyer_id" json:"buyer_id"`
	SellerID     uuid.UUID               `db:"seller_id" json:"seller_id"`
	TotalPrice   int64                   `db:"total_price" json:"total_price"`
	Currency     string                  `db:"currency" json:"currency"`
	Status       valueobject.OrderStatus `db:"status" json:"status"`
	DeliveryDate *time.Time              `db:"delivery_date" json:"delivery_date,omitempty"`
	CompletedAt  *time.Time              `db:"completed_at" json:"completed_at,omitempty"`
	Version      int64                   `db:"version" json:"-"`
	CreatedAt    time.Time               `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time               `db:"updated_at" json:"updated_at"`
}

// IsParticipant проверяет, что пользователь является покупателем или продавцом заказа.
func (o *Order) IsParticipant(userID uuid.UUID) bool {
	return o.BuyerID == userID || o.SellerID == userID
}
