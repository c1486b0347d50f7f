package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/gig-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/gig-escrow/internal/models"
	"github.com/ignatzorin/gig-escrow/internal/repository/common"
)

// Имя частичного уникального индекса: одна не-failed транзакция на заказ.
const activeTransactionIndex = "transactions_one_active_per_order"

const transactionColumns = `id, order_id, buyer_id, seller_id, amount, currency, payment_method, gateway_payment_id,
	idempotency_key, attempt_number, status, failure_code, platform_fee, processing_fee, seller_amount,
	vat_country, vat_amount, refunded_amount, pending_refund, payout_pending, escrow_release_date, version, created_at, updated_at`

// CreateTransaction сохраняет попытку оплаты.
func (s *PostgresStore) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	query := `
		INSERT INTO transactions (id, order_id, buyer_id, seller_id, amount, currency, payment_method,
			idempotency_key, attempt_number, status, platform_fee, processing_fee, seller_amount,
			vat_country, vat_amount, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)
		RETURNING version, created_at, updated_at
	`
	row := s.q.QueryRowxContext(ctx, query, t.ID, t.OrderID, t.BuyerID, t.SellerID, t.Amount, t.Currency,
		t.PaymentMethod, t.IdempotencyKey, t.AttemptNumber, t.Status, t.PlatformFee, t.ProcessingFee,
		t.SellerAmount, t.VATCountry, t.VATAmount)
	if err := row.Scan(&t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if common.IsUniqueViolation(err, activeTransactionIndex) {
			return ErrActiveTransactionExists
		}
		return fmt.Errorf("payment repository: create transaction %w", err)
	}
	return nil
}

// GetTransaction возвращает транзакцию по идентификатору.
func (s *PostgresStore) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return common.GetByField[models.Transaction](ctx, s.q, "transactions", transactionColumns, "id", id, ErrTransactionNotFound)
}

// GetTransactionForUpdate читает транзакцию с блокировкой строки до конца транзакции БД.
func (s *PostgresStore) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`
	t, err := common.GetOne[models.Transaction](ctx, s.q, ErrTransactionNotFound, query, id)
	if err != nil && !errors.Is(err, ErrTransactionNotFound) {
		return nil, fmt.Errorf("payment repository: get for update %w", err)
	}
	return t, err
}

// GetTransactionByGatewayRef ищет транзакцию по идентификатору платежа в шлюзе.
func (s *PostgresStore) GetTransactionByGatewayRef(ctx context.Context, ref string) (*models.Transaction, error) {
	return common.GetByField[models.Transaction](ctx, s.q, "transactions", transactionColumns, "gateway_payment_id", ref, ErrTransactionNotFound)
}

func (s *PostgresStore) GetActiveTransactionByOrder(ctx context.Context, orderID uuid.UUID) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE order_id = $1 AND status <> 'failed'`
	t, err := common.GetOne[models.Transaction](ctx, s.q, ErrTransactionNotFound, query, orderID)
	if err != nil && !errors.Is(err, ErrTransactionNotFound) {
		return nil, fmt.Errorf("payment repository: get active by order %w", err)
	}
	return t, err
}

func (s *PostgresStore) CountTransactionsByOrder(ctx context.Context, orderID uuid.UUID) (int, error) {
	var count int
	if err := sqlx.GetContext(ctx, s.q, &count, `SELECT COUNT(*) FROM transactions WHERE order_id = $1`, orderID); err != nil {
		return 0, fmt.Errorf("payment repository: count by order %w", err)
	}
	return count, nil
}

// UpdateTransaction сохраняет изменяемые поля с проверкой версии.
// Сумма, комиссии и участники после создания не меняются.
func (s *PostgresStore) UpdateTransaction(ctx context.Context, t *models.Transaction) error {
	query := `
		UPDATE transactions
		SET status = $3, gateway_payment_id = $4, failure_code = $5, refunded_amount = $6,
			pending_refund = $7, payout_pending = $8, escrow_release_date = $9,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`
	err := common.UpdateVersioned(ctx, s.q, ErrVersionConflict, query, t.ID, t.Version, t.Status,
		t.GatewayPaymentID, t.FailureCode, t.RefundedAmount, t.PendingRefund, t.PayoutPending, t.EscrowReleaseDate)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("payment repository: update transaction %w", err)
	}
	t.Version++
	return nil
}

func (s *PostgresStore) ListStaleTransactions(ctx context.Context, status valueobject.TransactionStatus, olderThan time.Time, limit int) ([]*models.Transaction, error) {
	var items []*models.Transaction
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT NULLIF($3, 0)
	`
	if err := sqlx.SelectContext(ctx, s.q, &items, query, status, olderThan, limit); err != nil {
		return nil, fmt.Errorf("payment repository: list stale %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListReleasedUnpaid(ctx context.Context, now time.Time) ([]*models.Transaction, error) {
	var items []*models.Transaction
	query := `
		SELECT ` + prefixed("t", transactionColumns) + `
		FROM transactions t
		JOIN orders o ON o.id = t.order_id
		WHERE t.status = 'captured'
		  AND t.escrow_release_date IS NOT NULL
		  AND t.escrow_release_date <= $1
		  AND t.refunded_amount = 0
		  AND t.pending_refund = 0
		  AND o.status <> 'disputed'
		  AND NOT EXISTS (SELECT 1 FROM payout_transactions pt WHERE pt.transaction_id = t.id)
		ORDER BY t.seller_id, t.escrow_release_date
	`
	if err := sqlx.SelectContext(ctx, s.q, &items, query, now); err != nil {
		return nil, fmt.Errorf("payment repository: list released %w", err)
	}
	return items, nil
}

// SumSellerEscrow считает в одном запросе то же, что отбирает ListReleasedUnpaid (available), и остальное (pending).
func (s *PostgresStore) SumSellerEscrow(ctx context.Context, sellerID uuid.UUID, now time.Time) ([]models.EscrowBalance, error) {
	var items []models.EscrowBalance
	query := `
		SELECT t.currency,
			COALESCE(SUM(t.seller_amount) FILTER (WHERE NOT released), 0) AS pending,
			COALESCE(SUM(t.seller_amount) FILTER (WHERE released), 0) AS available
		FROM transactions t
		JOIN orders o ON o.id = t.order_id
		CROSS JOIN LATERAL (
			SELECT (t.escrow_release_date IS NOT NULL
				AND t.escrow_release_date <= $2
				AND t.refunded_amount = 0
				AND t.pending_refund = 0
				AND o.status <> 'disputed') AS released
		) r
		WHERE t.seller_id = $1
		  AND t.status = 'captured'
		  AND NOT EXISTS (SELECT 1 FROM payout_transactions pt WHERE pt.transaction_id = t.id)
		GROUP BY t.currency
		ORDER BY t.currency
	`
	if err := sqlx.SelectContext(ctx, s.q, &items, query, sellerID, now); err != nil {
		return nil, fmt.Errorf("payment repository: sum seller escrow %w", err)
	}
	return items, nil
}

func (s *PostgresStore) IsTransactionInPayout(ctx context.Context, txID uuid.UUID) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM payout_transactions WHERE transaction_id = $1)`
	if err := sqlx.GetContext(ctx, s.q, &exists, query, txID); err != nil {
		return false, fmt.Errorf("payment repository: in payout %w", err)
	}
	return exists, nil
}
