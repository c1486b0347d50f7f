package valueobject

import "github.com/ignatzorin/gig-escrow/internal/pkg/apperror"

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusInProgress OrderStatus = "in_progress"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusDisputed   OrderStatus = "disputed"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusInProgress, OrderStatusCancelled},
	OrderStatusInProgress: {OrderStatusCompleted, OrderStatusCancelled, OrderStatusDisputed},
	OrderStatusCompleted:  {OrderStatusDisputed},
	OrderStatusDisputed:   {OrderStatusCompleted, OrderStatusCancelled},
	OrderStatusCancelled:  {},
}

func (s OrderStatus) IsValid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// CanTransitionTo: статус движется только вперёд, кроме выхода из спора.
func (s OrderStatus) CanTransitionTo(newStatus OrderStatus) bool {
	return contains(orderTransitions[s], newStatus)
}

func NewOrderStatus(status string) (OrderStatus, error) {
	s := OrderStatus(status)
	if !s.IsValid() {
		return "", apperror.New(apperror.ErrCodeValidation, "некорректный статус заказа")
	}
	return s, nil
}

type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "pending"
	TransactionStatusAuthorized TransactionStatus = "authorized"
	TransactionStatusCaptured   TransactionStatus = "captured"
	TransactionStatusRefunded   TransactionStatus = "refunded"
	TransactionStatusFailed     TransactionStatus = "failed"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending:    {TransactionStatusAuthorized, TransactionStatusCaptured, TransactionStatusFailed},
	TransactionStatusAuthorized: {TransactionStatusCaptured, TransactionStatusFailed},
	TransactionStatusCaptured:   {TransactionStatusRefunded},
	TransactionStatusRefunded:   {},
	TransactionStatusFailed:     {},
}

func (s TransactionStatus) IsValid() bool {
	_, ok := transactionTransitions[s]
	return ok
}

func (s TransactionStatus) CanTransitionTo(newStatus TransactionStatus) bool {
	return contains(transactionTransitions[s], newStatus)
}

// IsTerminal: из статуса нет переходов.
func (s TransactionStatus) IsTerminal() bool {
	return len(transactionTransitions[s]) == 0
}

type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusPaid       PayoutStatus = "paid"
	PayoutStatusFailed     PayoutStatus = "failed"
)

var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutStatusPending:    {PayoutStatusProcessing, PayoutStatusPaid, PayoutStatusFailed},
	PayoutStatusProcessing: {PayoutStatusPaid, PayoutStatusFailed},
	// Неудачную выплату администратор может отправить повторно.
	PayoutStatusFailed: {PayoutStatusPending},
	PayoutStatusPaid:   {},
}

func (s PayoutStatus) IsValid() bool {
	_, ok := payoutTransitions[s]
	return ok
}

func (s PayoutStatus) CanTransitionTo(newStatus PayoutStatus) bool {
	return contains(payoutTransitions[s], newStatus)
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
