package common

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

// maxTxAttempts: сколько раз повторяется транзакция после serialization failure или дедлока.
const maxTxAttempts = 3

// GetOne читает одну строку; sql.ErrNoRows превращается в notFoundErr.
// Принимает и *sqlx.DB, и *sqlx.Tx.
func GetOne[T any](ctx context.Context, q sqlx.QueryerContext, notFoundErr error, query string, args ...interface{}) (*T, error) {
	var entity T
	if err := sqlx.GetContext(ctx, q, &entity, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundErr
		}
		return nil, err
	}
	return &entity, nil
}

// GetByField читает строку таблицы по значению одного поля с явным списком колонок.
func GetByField[T any](ctx context.Context, q sqlx.QueryerContext, table, columns, field string, value interface{}, notFoundErr error) (*T, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", columns, table, field)
	entity, err := GetOne[T](ctx, q, notFoundErr, query, value)
	if err != nil && !errors.Is(err, notFoundErr) {
		return nil, fmt.Errorf("get by %s from %s: %w", field, table, err)
	}
	return entity, err
}

// UpdateVersioned выполняет UPDATE ... WHERE version = $n. Ноль затронутых строк
// означает, что запись изменили параллельно (или её нет), и возвращается conflictErr.
func UpdateVersioned(ctx context.Context, q sqlx.ExecerContext, conflictErr error, query string, args ...interface{}) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return conflictErr
	}
	return nil
}

// BatchInserter накапливает строки и вставляет их одним запросом.
type BatchInserter struct {
	exec        sqlx.ExecerContext
	query       string
	batchSize   int
	fieldsCount int
	rowCount    int
	values      []interface{}
}

// NewBatchInserter создает новый batch inserter
func NewBatchInserter(exec sqlx.ExecerContext, baseQuery string, fieldsCount int, batchSize int) *BatchInserter {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &BatchInserter{
		exec:        exec,
		query:       baseQuery,
		batchSize:   batchSize,
		fieldsCount: fieldsCount,
		values:      make([]interface{}, 0, batchSize*fieldsCount),
	}
}

// Add добавляет строку; полный батч отправляется сразу.
func (bi *BatchInserter) Add(ctx context.Context, rowValues ...interface{}) error {
	if len(rowValues) != bi.fieldsCount {
		return fmt.Errorf("expected %d fields, got %d", bi.fieldsCount, len(rowValues))
	}
	bi.values = append(bi.values, rowValues...)
	bi.rowCount++
	if bi.rowCount >= bi.batchSize {
		return bi.Flush(ctx)
	}
	return nil
}

// Flush вставляет накопленные строки.
func (bi *BatchInserter) Flush(ctx context.Context) error {
	if bi.rowCount == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(bi.query)
	b.WriteString(" VALUES ")
	for i := 0; i < bi.rowCount; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := 0; j < bi.fieldsCount; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(i*bi.fieldsCount + j + 1))
		}
		b.WriteByte(')')
	}

	if _, err := bi.exec.ExecContext(ctx, b.String(), bi.values...); err != nil {
		return fmt.Errorf("batch insert: %w", err)
	}
	bi.values = bi.values[:0]
	bi.rowCount = 0
	return nil
}

// WithTransaction выполняет fn в транзакции. Конфликт сериализации или дедлок
// повторяют fn целиком на новой транзакции, остальные ошибки откатывают её.
func WithTransaction(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = runTx(ctx, db, fn)
		if err == nil || !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func runTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
