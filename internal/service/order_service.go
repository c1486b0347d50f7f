package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/gig-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/gig-escrow/internal/logger"
	"github.com/ignatzorin/gig-escrow/internal/models"
	"github.com/ignatzorin/gig-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/gig-escrow/internal/repository"
)

// OrderService содержит операции покупателя над заказом вокруг эскроу.
type OrderService struct {
	store  repository.Store
	escrow *EscrowService
	now    func() time.Time
}

// NewOrderService создаёт новый сервис заказов.
func NewOrderService(store repository.Store, escrow *EscrowService) *OrderService {
	return &OrderService{store: store, escrow: escrow, now: time.Now}
}

// CreateOrderInput описывает входные данные.
type CreateOrderInput struct {
	BuyerID      uuid.UUID
	SellerID     uuid.UUID
	GigID        uuid.UUID
	TotalPrice   int64
	Currency     string
	DeliveryDate *time.Time
}

// CreateOrder фиксирует цену заказа. Оплата создаётся отдельно через Checkout.
func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	money, err := valueobject.NewMoney(in.TotalPrice, in.Currency)
	if err != nil {
		return nil, err
	}
	if !s.escrow.currencySupported(money.Currency) {
		return nil, apperror.Validation("валюта не поддерживается")
	}
	if in.SellerID == uuid.Nil || in.GigID == uuid.Nil {
		return nil, apperror.Validation("не указан продавец или услуга")
	}
	if in.SellerID == in.BuyerID {
		return nil, apperror.Validation("нельзя заказать собственную услугу")
	}

	order := &models.Order{
		ID:           uuid.New(),
		GigID:        in.GigID,
		BuyerID:      in.BuyerID,
		SellerID:     in.SellerID,
		TotalPrice:   money.Amount,
		Currency:     money.Currency,
		Status:       valueobject.OrderStatusPending,
		DeliveryDate: in.DeliveryDate,
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, mapStoreError(err)
	}

	logger.Log.WithFields(logrus.Fields{
		"order_id":  order.ID,
		"buyer_id":  order.BuyerID,
		"seller_id": order.SellerID,
		"amount":    money.String(),
	}).Info("order created")
	return order, nil
}

// GetOrder возвращает заказ участнику сделки или администратору.
func (s *OrderService) GetOrder(ctx context.Context, id, userID uuid.UUID, role string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if !canAccessOrder(order, userID, role) {
		return nil, apperror.ErrForbidden
	}
	return order, nil
}

// AcceptOrder: приёмка работы покупателем.
func (s *OrderService) AcceptOrder(ctx context.Context, id, buyerID uuid.UUID) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if order.BuyerID != buyerID {
		return nil, apperror.ErrForbidden
	}
	return s.escrow.CompleteOrder(ctx, id, s.now())
}

// ActivePayment возвращает текущую транзакцию заказа; nil, если оплаты ещё не было.
func (s *OrderService) ActivePayment(ctx context.Context, orderID uuid.UUID) (*models.Transaction, error) {
	txn, err := s.store.GetActiveTransactionByOrder(ctx, orderID)
	if errors.Is(err, repository.ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, mapStoreError(err)
	}
	return txn, nil
}
