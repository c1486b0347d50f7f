package repository

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease: upsert проходит, только если аренда свободна, истекла или наша.
func (s *PostgresStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	query := `
		INSERT INTO sweep_leases (name, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE sweep_leases.expires_at < $4 OR sweep_leases.holder = EXCLUDED.holder
	`
	n, err := s.exec(ctx, query, name, holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("lease repository: acquire %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, name, holder string) error {
	if _, err := s.exec(ctx, `DELETE FROM sweep_leases WHERE name = $1 AND holder = $2`, name, holder); err != nil {
		return fmt.Errorf("lease repository: release %w", err)
	}
	return nil
}
