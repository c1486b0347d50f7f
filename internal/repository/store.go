package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/gig-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/gig-escrow/internal/models"
)

var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrPayoutNotFound         = errors.New("payout not found")
	ErrConnectAccountNotFound = errors.New("connect account not found")
	ErrConnectAccountExists   = errors.New("connect account already exists")
	// ErrVersionConflict: запись изменили параллельно, нужно перечитать и повторить.
	ErrVersionConflict = errors.New("version conflict")
	// ErrActiveTransactionExists: у заказа уже есть транзакция не в статусе failed.
	ErrActiveTransactionExists = errors.New("order already has an active transaction")
	// ErrTransactionInPayout: транзакция уже входит в другую выплату.
	ErrTransactionInPayout = errors.New("transaction already bound to a payout")
)

type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	// GetOrderForUpdate блокирует строку до конца транзакции.
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
}

type TransactionRepository interface {
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	// GetTransactionForUpdate блокирует строку до конца InTx.
	GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetTransactionByGatewayRef(ctx context.Context, ref string) (*models.Transaction, error)
	// GetActiveTransactionByOrder возвращает транзакцию заказа не в статусе failed.
	GetActiveTransactionByOrder(ctx context.Context, orderID uuid.UUID) (*models.Transaction, error)
	CountTransactionsByOrder(ctx context.Context, orderID uuid.UUID) (int, error)
	UpdateTransaction(ctx context.Context, tx *models.Transaction) error
	// ListStaleTransactions: транзакции в статусе, не менявшиеся с olderThan.
	ListStaleTransactions(ctx context.Context, status valueobject.TransactionStatus, olderThan time.Time, limit int) ([]*models.Transaction, error)
	// ListReleasedUnpaid: captured, срок эскроу истёк, заказ не в споре, в выплаты не входят.
	ListReleasedUnpaid(ctx context.Context, now time.Time) ([]*models.Transaction, error)
	IsTransactionInPayout(ctx context.Context, txID uuid.UUID) (bool, error)
	// SumSellerEscrow: списанные и ещё не выплаченные доли продавца по валютам.
	SumSellerEscrow(ctx context.Context, sellerID uuid.UUID, now time.Time) ([]models.EscrowBalance, error)
}

type PayoutRepository interface {
	// CreatePayout сохраняет выплату вместе со связями на транзакции.
	CreatePayout(ctx context.Context, payout *models.Payout) error
	GetPayout(ctx context.Context, id uuid.UUID) (*models.Payout, error)
	GetPayoutByGatewayRef(ctx context.Context, ref string) (*models.Payout, error)
	UpdatePayout(ctx context.Context, payout *models.Payout) error
	ListPayoutsByStatus(ctx context.Context, status valueobject.PayoutStatus, limit int) ([]*models.Payout, error)
	ListPayoutsBySeller(ctx context.Context, sellerID uuid.UUID, limit, offset int) ([]*models.Payout, error)
	SumSellerPayouts(ctx context.Context, sellerID uuid.UUID) ([]models.PayoutBalance, error)
}

type ConnectAccountRepository interface {
	CreateConnectAccount(ctx context.Context, account *models.ConnectAccount) error
	GetConnectAccount(ctx context.Context, sellerID uuid.UUID) (*models.ConnectAccount, error)
	GetConnectAccountByGatewayID(ctx context.Context, gatewayAccountID string) (*models.ConnectAccount, error)
	UpdateConnectAccount(ctx context.Context, account *models.ConnectAccount) error
}

type WebhookEventRepository interface {
	// InsertWebhookEvent возвращает false, если событие уже было обработано.
	InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) (bool, error)
	DeleteExpiredWebhookEvents(ctx context.Context, now time.Time) (int64, error)
}

type ReconciliationRepository interface {
	// EnqueueReconciliation не создаёт дубль, пока есть открытая запись для той же операции.
	EnqueueReconciliation(ctx context.Context, item *models.ReconciliationItem) error
	ListOpenReconciliation(ctx context.Context, limit int) ([]*models.ReconciliationItem, error)
	ResolveReconciliation(ctx context.Context, id int64, at time.Time) error
	TouchReconciliation(ctx context.Context, id int64, reason string) error
}

type LeaseRepository interface {
	// AcquireLease берёт аренду, если она свободна, истекла или уже принадлежит holder.
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Store объединяет репозитории движка. InTx выполняет fn атомарно: при ошибке
// ни одно изменение, сделанное через переданный Store, не сохраняется.
type Store interface {
	OrderRepository
	TransactionRepository
	PayoutRepository
	ConnectAccountRepository
	WebhookEventRepository
	ReconciliationRepository
	LeaseRepository

	InTx(ctx context.Context, fn func(Store) error) error
}
