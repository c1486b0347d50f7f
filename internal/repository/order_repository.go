package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignatzorin/gig-escrow/internal/models"
	"github.com/ignatzorin/gig-escrow/internal/repository/common"
)

const orderColumns = `id, gig_id, buyer_id, seller_id, total_price, currency, status, delivery_date,
	completed_at, version, created_at, updated_at`

// CreateOrder сохраняет заказ. Цена после этого не меняется: UpdateOrder её не трогает.
func (s *PostgresStore) CreateOrder(ctx context.Context, order *models.Order) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	query := `
		INSERT INTO orders (id, gig_id, buyer_id, seller_id, total_price, currency, status, delivery_date, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		RETURNING version, created_at, updated_at
	`
	row := s.q.QueryRowxContext(ctx, query, order.ID, order.GigID, order.BuyerID, order.SellerID,
		order.TotalPrice, order.Currency, order.Status, order.DeliveryDate)
	if err := row.Scan(&order.Version, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return fmt.Errorf("order repository: create %w", err)
	}
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (s *PostgresStore) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return common.GetByField[models.Order](ctx, s.q, "orders", orderColumns, "id", id, ErrOrderNotFound)
}

// GetOrderForUpdate читает заказ с блокировкой строки.
func (s *PostgresStore) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`
	order, err := common.GetOne[models.Order](ctx, s.q, ErrOrderNotFound, query, id)
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		return nil, fmt.Errorf("order repository: get for update %w", err)
	}
	return order, err
}

// UpdateOrder меняет статус и даты с проверкой версии.
func (s *PostgresStore) UpdateOrder(ctx context.Context, order *models.Order) error {
	query := `
		UPDATE orders
		SET status = $3, delivery_date = $4, completed_at = $5, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`
	err := common.UpdateVersioned(ctx, s.q, ErrVersionConflict, query,
		order.ID, order.Version, order.Status, order.DeliveryDate, order.CompletedAt)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("order repository: update %w", err)
	}
	order.Version++
	return nil
}
