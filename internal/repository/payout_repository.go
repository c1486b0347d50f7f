package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ignatzorin/gig-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/gig-escrow/internal/models"
	"github.com/ignatzorin/gig-escrow/internal/repository/common"
)

// Уникальный индекс payout_transactions(transaction_id) гарантирует, что транзакция
// попадает не более чем в одну выплату.
const payoutTransactionUnique = "payout_transactions_transaction_id_key"

const payoutColumns = `id, seller_id, amount, currency, status, payout_method, gateway_payout_id,
	attempt_number, failure_code, version, created_at, updated_at, paid_at`

// CreatePayout сохраняет выплату и связи с транзакциями. Вызывать внутри InTx.
func (s *PostgresStore) CreatePayout(ctx context.Context, p *models.Payout) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.PayoutMethod == "" {
		p.PayoutMethod = models.PayoutMethodBankTransfer
	}
	query := `
		INSERT INTO payouts (id, seller_id, amount, currency, status, payout_method, attempt_number, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		RETURNING version, created_at, updated_at
	`
	row := s.q.QueryRowxContext(ctx, query, p.ID, p.SellerID, p.Amount, p.Currency, p.Status, p.PayoutMethod, p.AttemptNumber)
	if err := row.Scan(&p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return fmt.Errorf("payout repository: create %w", err)
	}

	inserter := common.NewBatchInserter(s.q, `INSERT INTO payout_transactions (payout_id, transaction_id)`, 2, 100)
	for _, txID := range p.TransactionIDs {
		if err := inserter.Add(ctx, p.ID, txID); err != nil {
			return mapPayoutLinkError(err)
		}
	}
	if err := inserter.Flush(ctx); err != nil {
		return mapPayoutLinkError(err)
	}
	return nil
}

func mapPayoutLinkError(err error) error {
	if common.IsUniqueViolation(err, payoutTransactionUnique) {
		return ErrTransactionInPayout
	}
	return fmt.Errorf("payout repository: link transactions %w", err)
}

func (s *PostgresStore) GetPayout(ctx context.Context, id uuid.UUID) (*models.Payout, error) {
	p, err := common.GetByField[models.Payout](ctx, s.q, "payouts", payoutColumns, "id", id, ErrPayoutNotFound)
	if err != nil {
		return nil, err
	}
	return p, s.loadPayoutTransactions(ctx, p)
}

func (s *PostgresStore) GetPayoutByGatewayRef(ctx context.Context, ref string) (*models.Payout, error) {
	p, err := common.GetByField[models.Payout](ctx, s.q, "payouts", payoutColumns, "gateway_payout_id", ref, ErrPayoutNotFound)
	if err != nil {
		return nil, err
	}
	return p, s.loadPayoutTransactions(ctx, p)
}

func (s *PostgresStore) loadPayoutTransactions(ctx context.Context, p *models.Payout) error {
	var ids []uuid.UUID
	query := `SELECT transaction_id FROM payout_transactions WHERE payout_id = $1 ORDER BY transaction_id`
	if err := sqlx.SelectContext(ctx, s.q, &ids, query, p.ID); err != nil {
		return fmt.Errorf("payout repository: load transactions %w", err)
	}
	p.TransactionIDs = ids
	return nil
}

// UpdatePayout меняет статус и данные шлюза. Состав транзакций не меняется никогда.
func (s *PostgresStore) UpdatePayout(ctx context.Context, p *models.Payout) error {
	query := `
		UPDATE payouts
		SET status = $3, gateway_payout_id = $4, attempt_number = $5, failure_code = $6, paid_at = $7,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status <> 'paid'
	`
	err := common.UpdateVersioned(ctx, s.q, ErrVersionConflict, query,
		p.ID, p.Version, p.Status, p.GatewayPayoutID, p.AttemptNumber, p.FailureCode, p.PaidAt)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("payout repository: update %w", err)
	}
	p.Version++
	return nil
}

func (s *PostgresStore) ListPayoutsByStatus(ctx context.Context, status valueobject.PayoutStatus, limit int) ([]*models.Payout, error) {
	var items []*models.Payout
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE status = $1 ORDER BY created_at LIMIT NULLIF($2, 0)`
	if err := sqlx.SelectContext(ctx, s.q, &items, query, status, limit); err != nil {
		return nil, fmt.Errorf("payout repository: list by status %w", err)
	}
	return items, s.attachTransactions(ctx, items)
}

func (s *PostgresStore) ListPayoutsBySeller(ctx context.Context, sellerID uuid.UUID, limit, offset int) ([]*models.Payout, error) {
	var items []*models.Payout
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE seller_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	if err := sqlx.SelectContext(ctx, s.q, &items, query, sellerID, limit, offset); err != nil {
		return nil, fmt.Errorf("payout repository: list by seller %w", err)
	}
	return items, s.attachTransactions(ctx, items)
}

// SumSellerPayouts: неудачные выплаты ждут повтора и считаются в пути вместе с отправленными.
func (s *PostgresStore) SumSellerPayouts(ctx context.Context, sellerID uuid.UUID) ([]models.PayoutBalance, error) {
	var items []models.PayoutBalance
	query := `
		SELECT currency,
			COALESCE(SUM(amount) FILTER (WHERE status <> 'paid'), 0) AS in_transit,
			COALESCE(SUM(amount) FILTER (WHERE status = 'paid'), 0) AS paid
		FROM payouts
		WHERE seller_id = $1
		GROUP BY currency
		ORDER BY currency
	`
	if err := sqlx.SelectContext(ctx, s.q, &items, query, sellerID); err != nil {
		return nil, fmt.Errorf("payout repository: sum by seller %w", err)
	}
	return items, nil
}

// attachTransactions загружает связи одним запросом для всего списка.
func (s *PostgresStore) attachTransactions(ctx context.Context, items []*models.Payout) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(items))
	byID := make(map[uuid.UUID]*models.Payout, len(items))
	for _, p := range items {
		ids = append(ids, p.ID)
		byID[p.ID] = p
	}

	var links []struct {
		PayoutID      uuid.UUID `db:"payout_id"`
		TransactionID uuid.UUID `db:"transaction_id"`
	}
	query := `SELECT payout_id, transaction_id FROM payout_transactions WHERE payout_id = ANY($1) ORDER BY transaction_id`
	if err := sqlx.SelectContext(ctx, s.q, &links, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("payout repository: attach transactions %w", err)
	}
	for _, l := range links {
		p := byID[l.PayoutID]
		p.TransactionIDs = append(p.TransactionIDs, l.TransactionID)
	}
	return nil
}
