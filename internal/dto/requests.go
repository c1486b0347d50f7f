package dto

import (
	"time"

	"github.com/google/uuid"
)

// CheckoutRequest represents the request to pay for an order
type CheckoutRequest struct {
	OrderID       uuid.UUID `json:"order_id" binding:"required"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	PaymentMethod string    `json:"payment_method" binding:"required"`
	Country       string    `json:"country" binding:"omitempty,len=2"`
}

// CreateOrderRequest represents the request to create an order for a gig package
type CreateOrderRequest struct {
	SellerID     uuid.UUID  `json:"seller_id" binding:"required"`
	GigID        uuid.UUID  `json:"gig_id" binding:"required"`
	TotalPrice   int64      `json:"total_price"`
	Currency     string     `json:"currency"`
	DeliveryDate *time.Time `json:"delivery_date"`
}

// ConnectAccountRequest represents the request to start seller onboarding
type ConnectAccountRequest struct {
	SellerID uuid.UUID `json:"seller_id" binding:"required"`
	Country  string    `json:"country" binding:"required,len=2"`
}

// ResolveDisputeRequest represents an admin decision on a disputed order
type ResolveDisputeRequest struct {
	Outcome string `json:"outcome" binding:"required,oneof=release refund"`
	Amount  *int64 `json:"amount"`
	Reason  string `json:"reason"`
}

// RefundRequest represents an admin refund of a captured transaction
type RefundRequest struct {
	Amount *int64 `json:"amount"`
	Reason string `json:"reason" binding:"required"`
}
