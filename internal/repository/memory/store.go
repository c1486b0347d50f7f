// Package memory содержит реализацию repository.Store в памяти для тестов и локального запуска.
// Транзакции сериализуются: InTx держит общий мьютекс, а при ошибке восстанавливает снимок.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/gig-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/gig-escrow/internal/models"
	"github.com/ignatzorin/gig-escrow/internal/repository"
)

type lease struct {
	holder    string
	expiresAt time.Time
}

type data struct {
	orders        map[uuid.UUID]models.Order
	transactions  map[uuid.UUID]models.Transaction
	payouts       map[uuid.UUID]models.Payout
	payoutLinks   map[uuid.UUID]uuid.UUID
	accounts      map[uuid.UUID]models.ConnectAccount
	webhookEvents map[string]models.WebhookEvent
	recon         []models.ReconciliationItem
	reconSeq      int64
	leases        map[string]lease
}

func newData() *data {
	return &data{
		orders:        make(map[uuid.UUID]models.Order),
		transactions:  make(map[uuid.UUID]models.Transaction),
		payouts:       make(map[uuid.UUID]models.Payout),
		payoutLinks:   make(map[uuid.UUID]uuid.UUID),
		accounts:      make(map[uuid.UUID]models.ConnectAccount),
		webhookEvents: make(map[string]models.WebhookEvent),
		leases:        make(map[string]lease),
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.orders {
		c.orders[k] = v
	}
	for k, v := range d.transactions {
		c.transactions[k] = v
	}
	for k, v := range d.payouts {
		v.TransactionIDs = append([]uuid.UUID(nil), v.TransactionIDs...)
		c.payouts[k] = v
	}
	for k, v := range d.payoutLinks {
		c.payoutLinks[k] = v
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.webhookEvents {
		c.webhookEvents[k] = v
	}
	c.recon = append([]models.ReconciliationItem(nil), d.recon...)
	c.reconSeq = d.reconSeq
	for k, v := range d.leases {
		c.leases[k] = v
	}
	return c
}

type shared struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data *data
	now  func() time.Time
}

// Store хранит данные в памяти. Значения копируются на входе и выходе, как при работе с БД.
type Store struct {
	sh   *shared
	inTx bool
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{sh: &shared{data: newData(), now: time.Now}}
}

// SetClock задаёт часы для created_at/updated_at.
func (s *Store) SetClock(now func() time.Time) {
	s.sh.mu.Lock()
	defer s.sh.mu.Unlock()
	s.sh.now = now
}

func (s *Store) lock() func() {
	if !s.inTx {
		s.sh.txMu.Lock()
	}
	s.sh.mu.Lock()
	return func() {
		s.sh.mu.Unlock()
		if !s.inTx {
			s.sh.txMu.Unlock()
		}
	}
}

// InTx выполняет fn атомарно. Внутри fn нужно пользоваться только переданным Store.
func (s *Store) InTx(ctx context.Context, fn func(repository.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.sh.txMu.Lock()
	defer s.sh.txMu.Unlock()

	s.sh.mu.Lock()
	snapshot := s.sh.data.clone()
	s.sh.mu.Unlock()

	if err := fn(&Store{sh: s.sh, inTx: true}); err != nil {
		s.sh.mu.Lock()
		s.sh.data = snapshot
		s.sh.mu.Unlock()
		return err
	}
	return nil
}

// Orders

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	defer s.lock()()
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	now := s.sh.now()
	order.Version = 1
	order.CreatedAt = now
	order.UpdatedAt = now
	s.sh.data.orders[order.ID] = *order
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	defer s.lock()()
	o, ok := s.sh.data.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return &o, nil
}

func (s *Store) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return s.GetOrder(ctx, id)
}

func (s *Store) UpdateOrder(ctx context.Context, order *models.Order) error {
	defer s.lock()()
	current, ok := s.sh.data.orders[order.ID]
	if !ok || current.Version != order.Version {
		return repository.ErrVersionConflict
	}
	current.Status = order.Status
	current.DeliveryDate = order.DeliveryDate
	current.CompletedAt = order.CompletedAt
	current.Version++
	current.UpdatedAt = s.sh.now()
	s.sh.data.orders[order.ID] = current
	order.Version = current.Version
	order.UpdatedAt = current.UpdatedAt
	return nil
}

// Transactions

func (s *Store) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	defer s.lock()()
	for _, existing := range s.sh.data.transactions {
		if existing.OrderID == t.OrderID && existing.Status != valueobject.TransactionStatusFailed {
			return repository.ErrActiveTransactionExists
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := s.sh.now()
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	s.sh.data.transactions[t.ID] = *t
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	defer s.lock()()
	t, ok := s.sh.data.transactions[id]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	return &t, nil
}

// GetTransactionForUpdate: записи и так сериализованы через InTx.
func (s *Store) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return s.GetTransaction(ctx, id)
}

func (s *Store) GetTransactionByGatewayRef(ctx context.Context, ref string) (*models.Transaction, error) {
	defer s.lock()()
	for _, t := range s.sh.data.transactions {
		if t.GatewayPaymentID != nil && *t.GatewayPaymentID == ref {
			return &t, nil
		}
	}
	return nil, repository.ErrTransactionNotFound
}

func (s *Store) GetActiveTransactionByOrder(ctx context.Context, orderID uuid.UUID) (*models.Transaction, error) {
	defer s.lock()()
	for _, t := range s.sh.data.transactions {
		if t.OrderID == orderID && t.Status != valueobject.TransactionStatusFailed {
			return &t, nil
		}
	}
	return nil, repository.ErrTransactionNotFound
}

func (s *Store) CountTransactionsByOrder(ctx context.Context, orderID uuid.UUID) (int, error) {
	defer s.lock()()
	count := 0
	for _, t := range s.sh.data.transactions {
		if t.OrderID == orderID {
			count++
		}
	}
	return count, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, t *models.Transaction) error {
	defer s.lock()()
	current, ok := s.sh.data.transactions[t.ID]
	if !ok || current.Version != t.Version {
		return repository.ErrVersionConflict
	}
	current.Status = t.Status
	current.GatewayPaymentID = t.GatewayPaymentID
	current.FailureCode = t.FailureCode
	current.RefundedAmount = t.RefundedAmount
	current.PendingRefund = t.PendingRefund
	current.PayoutPending = t.PayoutPending
	current.EscrowReleaseDate = t.EscrowReleaseDate
	current.Version++
	current.UpdatedAt = s.sh.now()
	s.sh.data.transactions[t.ID] = current
	t.Version = current.Version
	t.UpdatedAt = current.UpdatedAt
	return nil
}

func (s *Store) ListStaleTransactions(ctx context.Context, status valueobject.TransactionStatus, olderThan time.Time, limit int) ([]*models.Transaction, error) {
	defer s.lock()()
	var out []*models.Transaction
	for _, t := range s.sh.data.transactions {
		if t.Status == status && t.UpdatedAt.Before(olderThan) {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListReleasedUnpaid(ctx context.Context, now time.Time) ([]*models.Transaction, error) {
	defer s.lock()()
	var out []*models.Transaction
	for _, t := range s.sh.data.transactions {
		if !t.IsReleased(now) {
			continue
		}
		if _, linked := s.sh.data.payoutLinks[t.ID]; linked {
			continue
		}
		if o, ok := s.sh.data.orders[t.OrderID]; ok && o.Status == valueobject.OrderStatusDisputed {
			continue
		}
		t := t
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SellerID != out[j].SellerID {
			return out[i].SellerID.String() < out[j].SellerID.String()
		}
		return out[i].EscrowReleaseDate.Before(*out[j].EscrowReleaseDate)
	})
	return out, nil
}

func (s *Store) SumSellerEscrow(ctx context.Context, sellerID uuid.UUID, now time.Time) ([]models.EscrowBalance, error) {
	defer s.lock()()
	byCurrency := make(map[string]*models.EscrowBalance)
	for _, t := range s.sh.data.transactions {
		if t.SellerID != sellerID || t.Status != valueobject.TransactionStatusCaptured {
			continue
		}
		if _, linked := s.sh.data.payoutLinks[t.ID]; linked {
			continue
		}
		b, ok := byCurrency[t.Currency]
		if !ok {
			b = &models.EscrowBalance{Currency: t.Currency}
			byCurrency[t.Currency] = b
		}
		o, ok := s.sh.data.orders[t.OrderID]
		disputed := ok && o.Status == valueobject.OrderStatusDisputed
		if t.IsReleased(now) && !disputed {
			b.Available += t.SellerAmount
		} else {
			b.Pending += t.SellerAmount
		}
	}
	out := make([]models.EscrowBalance, 0, len(byCurrency))
	for _, b := range byCurrency {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (s *Store) IsTransactionInPayout(ctx context.Context, txID uuid.UUID) (bool, error) {
	defer s.lock()()
	_, ok := s.sh.data.payoutLinks[txID]
	return ok, nil
}

// Payouts

func (s *Store) CreatePayout(ctx context.Context, p *models.Payout) error {
	defer s.lock()()
	for _, txID := range p.TransactionIDs {
		if _, linked := s.sh.data.payoutLinks[txID]; linked {
			return repository.ErrTransactionInPayout
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.PayoutMethod == "" {
		p.PayoutMethod = models.PayoutMethodBankTransfer
	}
	now := s.sh.now()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now

	stored := *p
	stored.TransactionIDs = append([]uuid.UUID(nil), p.TransactionIDs...)
	s.sh.data.payouts[p.ID] = stored
	for _, txID := range p.TransactionIDs {
		s.sh.data.payoutLinks[txID] = p.ID
	}
	return nil
}

func (s *Store) GetPayout(ctx context.Context, id uuid.UUID) (*models.Payout, error) {
	defer s.lock()()
	p, ok := s.sh.data.payouts[id]
	if !ok {
		return nil, repository.ErrPayoutNotFound
	}
	return copyPayout(p), nil
}

func (s *Store) GetPayoutByGatewayRef(ctx context.Context, ref string) (*models.Payout, error) {
	defer s.lock()()
	for _, p := range s.sh.data.payouts {
		if p.GatewayPayoutID != nil && *p.GatewayPayoutID == ref {
			return copyPayout(p), nil
		}
	}
	return nil, repository.ErrPayoutNotFound
}

func (s *Store) UpdatePayout(ctx context.Context, p *models.Payout) error {
	defer s.lock()()
	current, ok := s.sh.data.payouts[p.ID]
	if !ok || current.Version != p.Version || current.Status == valueobject.PayoutStatusPaid {
		return repository.ErrVersionConflict
	}
	current.Status = p.Status
	current.GatewayPayoutID = p.GatewayPayoutID
	current.AttemptNumber = p.AttemptNumber
	current.FailureCode = p.FailureCode
	current.PaidAt = p.PaidAt
	current.Version++
	current.UpdatedAt = s.sh.now()
	s.sh.data.payouts[p.ID] = current
	p.Version = current.Version
	p.UpdatedAt = current.UpdatedAt
	return nil
}

func (s *Store) ListPayoutsByStatus(ctx context.Context, status valueobject.PayoutStatus, limit int) ([]*models.Payout, error) {
	defer s.lock()()
	var out []*models.Payout
	for _, p := range s.sh.data.payouts {
		if p.Status == status {
			out = append(out, copyPayout(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListPayoutsBySeller(ctx context.Context, sellerID uuid.UUID, limit, offset int) ([]*models.Payout, error) {
	defer s.lock()()
	var out []*models.Payout
	for _, p := range s.sh.data.payouts {
		if p.SellerID == sellerID {
			out = append(out, copyPayout(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SumSellerPayouts(ctx context.Context, sellerID uuid.UUID) ([]models.PayoutBalance, error) {
	defer s.lock()()
	byCurrency := make(map[string]*models.PayoutBalance)
	for _, p := range s.sh.data.payouts {
		if p.SellerID != sellerID {
			continue
		}
		b, ok := byCurrency[p.Currency]
		if !ok {
			b = &models.PayoutBalance{Currency: p.Currency}
			byCurrency[p.Currency] = b
		}
		if p.Status == valueobject.PayoutStatusPaid {
			b.Paid += p.Amount
		} else {
			b.InTransit += p.Amount
		}
	}
	out := make([]models.PayoutBalance, 0, len(byCurrency))
	for _, b := range byCurrency {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func copyPayout(p models.Payout) *models.Payout {
	p.TransactionIDs = append([]uuid.UUID(nil), p.TransactionIDs...)
	return &p
}

// Connect accounts

func (s *Store) CreateConnectAccount(ctx context.Context, a *models.ConnectAccount) error {
	defer s.lock()()
	if _, exists := s.sh.data.accounts[a.SellerID]; exists {
		return repository.ErrConnectAccountExists
	}
	for _, existing := range s.sh.data.accounts {
		if existing.GatewayAccountID == a.GatewayAccountID {
			return repository.ErrConnectAccountExists
		}
	}
	now := s.sh.now()
	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now
	s.sh.data.accounts[a.SellerID] = *a
	return nil
}

func (s *Store) GetConnectAccount(ctx context.Context, sellerID uuid.UUID) (*models.ConnectAccount, error) {
	defer s.lock()()
	a, ok := s.sh.data.accounts[sellerID]
	if !ok {
		return nil, repository.ErrConnectAccountNotFound
	}
	return &a, nil
}

func (s *Store) GetConnectAccountByGatewayID(ctx context.Context, gatewayAccountID string) (*models.ConnectAccount, error) {
	defer s.lock()()
	for _, a := range s.sh.data.accounts {
		if a.GatewayAccountID == gatewayAccountID {
			return &a, nil
		}
	}
	return nil, repository.ErrConnectAccountNotFound
}

func (s *Store) UpdateConnectAccount(ctx context.Context, a *models.ConnectAccount) error {
	defer s.lock()()
	current, ok := s.sh.data.accounts[a.SellerID]
	if !ok || current.Version != a.Version {
		return repository.ErrVersionConflict
	}
	current.ChargesEnabled = a.ChargesEnabled
	current.PayoutsEnabled = a.PayoutsEnabled
	current.DetailsSubmitted = a.DetailsSubmitted
	current.LastEventAt = a.LastEventAt
	current.Version++
	current.UpdatedAt = s.sh.now()
	s.sh.data.accounts[a.SellerID] = current
	a.Version = current.Version
	a.UpdatedAt = current.UpdatedAt
	return nil
}

// Webhook events

func (s *Store) InsertWebhookEvent(ctx context.Context, e *models.WebhookEvent) (bool, error) {
	defer s.lock()()
	if _, exists := s.sh.data.webhookEvents[e.EventID]; exists {
		return false, nil
	}
	s.sh.data.webhookEvents[e.EventID] = *e
	return true, nil
}

func (s *Store) DeleteExpiredWebhookEvents(ctx context.Context, now time.Time) (int64, error) {
	defer s.lock()()
	var n int64
	for id, e := range s.sh.data.webhookEvents {
		if e.ExpiresAt.Before(now) {
			delete(s.sh.data.webhookEvents, id)
			n++
		}
	}
	return n, nil
}

// WebhookEventCount: число сохранённых отметок, для проверок в тестах.
func (s *Store) WebhookEventCount() int {
	defer s.lock()()
	return len(s.sh.data.webhookEvents)
}

// Reconciliation queue

func (s *Store) EnqueueReconciliation(ctx context.Context, item *models.ReconciliationItem) error {
	defer s.lock()()
	for i, existing := range s.sh.data.recon {
		if existing.ResolvedAt == nil && existing.EntityType == item.EntityType &&
			existing.EntityID == item.EntityID && existing.Operation == item.Operation {
			s.sh.data.recon[i].Reason = item.Reason
			*item = s.sh.data.recon[i]
			return nil
		}
	}
	s.sh.data.reconSeq++
	item.ID = s.sh.data.reconSeq
	item.CreatedAt = s.sh.now()
	s.sh.data.recon = append(s.sh.data.recon, *item)
	return nil
}

func (s *Store) ListOpenReconciliation(ctx context.Context, limit int) ([]*models.ReconciliationItem, error) {
	defer s.lock()()
	var out []*models.ReconciliationItem
	for _, item := range s.sh.data.recon {
		if item.ResolvedAt == nil {
			item := item
			out = append(out, &item)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ResolveReconciliation(ctx context.Context, id int64, at time.Time) error {
	defer s.lock()()
	for i := range s.sh.data.recon {
		if s.sh.data.recon[i].ID == id {
			resolved := at
			s.sh.data.recon[i].ResolvedAt = &resolved
		}
	}
	return nil
}

func (s *Store) TouchReconciliation(ctx context.Context, id int64, reason string) error {
	defer s.lock()()
	for i := range s.sh.data.recon {
		if s.sh.data.recon[i].ID == id {
			s.sh.data.recon[i].Attempts++
			s.sh.data.recon[i].Reason = reason
		}
	}
	return nil
}

// Leases

func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	defer s.lock()()
	current, ok := s.sh.data.leases[name]
	if ok && current.holder != holder && !current.expiresAt.Before(now) {
		return false, nil
	}
	s.sh.data.leases[name] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	defer s.lock()()
	if current, ok := s.sh.data.leases[name]; ok && current.holder == holder {
		delete(s.sh.data.leases, name)
	}
	return nil
}

var _ repository.Store = (*Store)(nil)
