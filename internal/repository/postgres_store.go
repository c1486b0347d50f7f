package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/gig-escrow/internal/repository/common"
)

// PostgresStore: реализация Store поверх PostgreSQL. Один и тот же тип работает
// и с пулом соединений, и внутри транзакции: q указывает на *sqlx.DB или *sqlx.Tx.
type PostgresStore struct {
	db *sqlx.DB
	q  sqlx.ExtContext
}

// NewPostgresStore создаёт хранилище на пуле соединений.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

// InTx открывает транзакцию. Вложенный вызов переиспользует уже открытую.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	if _, inTx := s.q.(*sqlx.Tx); inTx {
		return fn(s)
	}
	return common.WithTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
		return fn(&PostgresStore{db: s.db, q: tx})
	})
}

func (s *PostgresStore) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

var _ Store = (*PostgresStore)(nil)
