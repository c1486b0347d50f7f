package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignatzorin/gig-escrow/internal/models"
	"github.com/ignatzorin/gig-escrow/internal/repository/common"
)

const connectAccountColumns = `seller_id, gateway_account_id, country, charges_enabled, payouts_enabled,
	details_submitted, last_event_at, version, created_at, updated_at`

func (s *PostgresStore) CreateConnectAccount(ctx context.Context, a *models.ConnectAccount) error {
	query := `
		INSERT INTO connect_accounts (seller_id, gateway_account_id, country, charges_enabled, payouts_enabled,
			details_submitted, last_event_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		RETURNING version, created_at, updated_at
	`
	row := s.q.QueryRowxContext(ctx, query, a.SellerID, a.GatewayAccountID, a.Country, a.ChargesEnabled,
		a.PayoutsEnabled, a.DetailsSubmitted, a.LastEventAt)
	if err := row.Scan(&a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if common.IsUniqueViolation(err, "") {
			return ErrConnectAccountExists
		}
		return fmt.Errorf("connect repository: create %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConnectAccount(ctx context.Context, sellerID uuid.UUID) (*models.ConnectAccount, error) {
	return common.GetByField[models.ConnectAccount](ctx, s.q, "connect_accounts", connectAccountColumns, "seller_id", sellerID, ErrConnectAccountNotFound)
}

func (s *PostgresStore) GetConnectAccountByGatewayID(ctx context.Context, gatewayAccountID string) (*models.ConnectAccount, error) {
	return common.GetByField[models.ConnectAccount](ctx, s.q, "connect_accounts", connectAccountColumns, "gateway_account_id", gatewayAccountID, ErrConnectAccountNotFound)
}

// UpdateConnectAccount перезаписывает флаги аккаунта с проверкой версии.
func (s *PostgresStore) UpdateConnectAccount(ctx context.Context, a *models.ConnectAccount) error {
	query := `
		UPDATE connect_accounts
		SET charges_enabled = $3, payouts_enabled = $4, details_submitted = $5, last_event_at = $6,
			version = version + 1, updated_at = NOW()
		WHERE seller_id = $1 AND version = $2
	`
	err := common.UpdateVersioned(ctx, s.q, ErrVersionConflict, query,
		a.SellerID, a.Version, a.ChargesEnabled, a.PayoutsEnabled, a.DetailsSubmitted, a.LastEventAt)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("connect repository: update %w", err)
	}
	a.Version++
	return nil
}
