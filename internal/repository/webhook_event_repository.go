package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ignatzorin/gig-escrow/internal/models"
)

// InsertWebhookEvent вставляет отметку о событии. Вторая вставка того же event_id ничего не делает.
func (s *PostgresStore) InsertWebhookEvent(ctx context.Context, e *models.WebhookEvent) (bool, error) {
	query := `
		INSERT INTO webhook_events (event_id, event_type, processed_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`
	n, err := s.exec(ctx, query, e.EventID, e.EventType, e.ProcessedAt, e.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("webhook repository: insert %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) DeleteExpiredWebhookEvents(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.exec(ctx, `DELETE FROM webhook_events WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("webhook repository: delete expired %w", err)
	}
	return n, nil
}
