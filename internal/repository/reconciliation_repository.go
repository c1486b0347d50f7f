package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/gig-escrow/internal/models"
)

func (s *PostgresStore) EnqueueReconciliation(ctx context.Context, item *models.ReconciliationItem) error {
	query := `
		INSERT INTO reconciliation_queue (entity_type, entity_id, operation, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_type, entity_id, operation) WHERE resolved_at IS NULL
		DO UPDATE SET reason = EXCLUDED.reason
		RETURNING id, attempts, created_at
	`
	row := s.q.QueryRowxContext(ctx, query, item.EntityType, item.EntityID, item.Operation, item.Reason)
	if err := row.Scan(&item.ID, &item.Attempts, &item.CreatedAt); err != nil {
		return fmt.Errorf("reconciliation repository: enqueue %w", err)
	}
	return nil
}

func (s *PostgresStore) ListOpenReconciliation(ctx context.Context, limit int) ([]*models.ReconciliationItem, error) {
	var items []*models.ReconciliationItem
	query := `
		SELECT id, entity_type, entity_id, operation, reason, attempts, created_at, resolved_at
		FROM reconciliation_queue
		WHERE resolved_at IS NULL
		ORDER BY created_at
		LIMIT NULLIF($1, 0)
	`
	if err := sqlx.SelectContext(ctx, s.q, &items, query, limit); err != nil {
		return nil, fmt.Errorf("reconciliation repository: list open %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ResolveReconciliation(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.exec(ctx, `UPDATE reconciliation_queue SET resolved_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("reconciliation repository: resolve %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchReconciliation(ctx context.Context, id int64, reason string) error {
	query := `UPDATE reconciliation_queue SET attempts = attempts + 1, reason = $2 WHERE id = $1`
	if _, err := s.exec(ctx, query, id, reason); err != nil {
		return fmt.Errorf("reconciliation repository: touch %w", err)
	}
	return nil
}
