package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/gig-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/gig-escrow/internal/gateway"
	"github.com/ignatzorin/gig-escrow/internal/logger"
	"github.com/ignatzorin/gig-escrow/internal/models"
	"github.com/ignatzorin/gig-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/gig-escrow/internal/repository"
)

// SweepLeaseName: имя аренды, под которой идёт агрегация выплат.
const SweepLeaseName = "payout-sweep"

// Причины, по которым продавец пропущен в текущем проходе.
const (
	DeferNoAccount    = "connect_account_missing"
	DeferRestricted   = "connect_account_not_active"
	DeferBelowMinimum = "below_minimum"
	DeferGateway      = "gateway_unavailable"
)

// PayoutConfig: параметры агрегации выплат.
type PayoutConfig struct {
	MinimumAmount int64
	InstanceID    string
	LeaseTTL      time.Duration
	Retry         gateway.RetryPolicy
}

// PayoutService собирает разблокированные транзакции продавца в одну выплату.
type PayoutService struct {
	store   repository.Store
	gw      gateway.Gateway
	connect *ConnectService
	cfg     PayoutConfig
	hub     WSNotifier
}

func NewPayoutService(store repository.Store, gw gateway.Gateway, connect *ConnectService, cfg PayoutConfig) *PayoutService {
	return &PayoutService{store: store, gw: gw, connect: connect, cfg: cfg}
}

// SetHub устанавливает WebSocket hub для отправки уведомлений.
func (s *PayoutService) SetHub(hub WSNotifier) {
	s.hub = hub
}

// DeferredSeller: продавец, чьи средства остались до следующего прохода.
type DeferredSeller struct {
	SellerID uuid.UUID `json:"seller_id"`
	Currency string    `json:"currency"`
	Amount   int64     `json:"amount"`
	Reason   string    `json:"reason"`
}

// SweepReport: итог одного прохода агрегации.
type SweepReport struct {
	Skipped     bool             `json:"skipped"`
	Resubmitted int              `json:"resubmitted"`
	Created     []*models.Payout `json:"created"`
	Deferred    []DeferredSeller `json:"deferred"`
	TotalAmount map[string]int64 `json:"total_amount"`
}

type sellerBatch struct {
	sellerID uuid.UUID
	currency string
	txns     []*models.Transaction
	amount   int64
}

// Sweep выполняет один проход агрегации. Если аренду держит другой экземпляр, проход пропускается.
func (s *PayoutService) Sweep(ctx context.Context, now time.Time) (*SweepReport, error) {
	report := &SweepReport{TotalAmount: map[string]int64{}}

	acquired, err := s.store.AcquireLease(ctx, SweepLeaseName, s.cfg.InstanceID, s.cfg.LeaseTTL, now)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if !acquired {
		logger.Log.WithField("holder", s.cfg.InstanceID).Info("payout sweep skipped: lease held elsewhere")
		report.Skipped = true
		return report, nil
	}
	defer func() {
		// Аренду отпускаем даже при отменённом контексте прохода.
		if err := s.store.ReleaseLease(context.WithoutCancel(ctx), SweepLeaseName, s.cfg.InstanceID); err != nil {
			logger.Log.WithError(err).Warn("release payout sweep lease")
		}
	}()

	stuck, err := s.store.ListPayoutsByStatus(ctx, valueobject.PayoutStatusPending, 0)
	if err != nil {
		return nil, mapStoreError(err)
	}
	for _, p := range stuck {
		if err := s.submit(ctx, p); err != nil {
			logger.Log.WithError(err).WithField("payout_id", p.ID).Warn("resubmit pending payout")
			continue
		}
		report.Resubmitted++
	}

	released, err := s.store.ListReleasedUnpaid(ctx, now)
	if err != nil {
		return nil, mapStoreError(err)
	}

	for _, batch := range groupBySeller(released) {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		reason, err := s.eligibility(ctx, batch)
		if err != nil {
			return report, err
		}
		if reason != "" {
			if err := s.flagPending(ctx, batch.txns, true); err != nil {
				return report, err
			}
			report.Deferred = append(report.Deferred, DeferredSeller{
				SellerID: batch.sellerID, Currency: batch.currency, Amount: batch.amount, Reason: reason,
			})
			logger.Log.WithFields(logrus.Fields{
				"seller_id": batch.sellerID,
				"amount":    batch.amount,
				"reason":    reason,
			}).Info("seller payout deferred")
			continue
		}

		payout, err := s.createPayout(ctx, batch, now)
		if err != nil {
			if errors.Is(err, repository.ErrTransactionInPayout) {
				// Транзакции уже забрал другой проход.
				logger.Log.WithField("seller_id", batch.sellerID).Warn("transactions already bound to a payout")
				continue
			}
			if errors.Is(err, errBatchChanged) {
				logger.Log.WithField("seller_id", batch.sellerID).Info("payout batch changed by refund or dispute, left for next sweep")
				continue
			}
			return report, mapStoreError(err)
		}
		if err := s.submit(ctx, payout); err != nil {
			logger.Log.WithError(err).WithField("payout_id", payout.ID).Warn("payout submission did not complete")
		}
		report.Created = append(report.Created, payout)
		report.TotalAmount[payout.Currency] += payout.Amount
	}

	logger.Log.WithFields(logrus.Fields{
		"created":     len(report.Created),
		"deferred":    len(report.Deferred),
		"resubmitted": report.Resubmitted,
	}).Info("payout sweep finished")
	return report, nil
}

func groupBySeller(txns []*models.Transaction) []*sellerBatch {
	type key struct {
		seller   uuid.UUID
		currency string
	}
	index := make(map[key]*sellerBatch)
	var batches []*sellerBatch
	for _, t := range txns {
		k := key{t.SellerID, t.Currency}
		b, ok := index[k]
		if !ok {
			b = &sellerBatch{sellerID: t.SellerID, currency: t.Currency}
			index[k] = b
			batches = append(batches, b)
		}
		b.txns = append(b.txns, t)
		b.amount += t.SellerAmount
	}
	sort.SliceStable(batches, func(i, j int) bool {
		if batches[i].sellerID != batches[j].sellerID {
			return batches[i].sellerID.String() < batches[j].sellerID.String()
		}
		return batches[i].currency < batches[j].currency
	})
	return batches
}

// eligibility возвращает причину отсрочки или пустую строку.
func (s *PayoutService) eligibility(ctx context.Context, batch *sellerBatch) (string, error) {
	account, err := s.store.GetConnectAccount(ctx, batch.sellerID)
	if err != nil {
		if errors.Is(err, repository.ErrConnectAccountNotFound) {
			return DeferNoAccount, nil
		}
		return "", mapStoreError(err)
	}
	if !models.CanReceiveTransfers(models.DeriveConnectStatus(account)) {
		refreshed, err := s.connect.Refresh(ctx, batch.sellerID)
		if err != nil {
			logger.Log.WithError(err).WithField("seller_id", batch.sellerID).Warn("refresh connect account")
			return DeferGateway, nil
		}
		if !models.CanReceiveTransfers(models.DeriveConnectStatus(refreshed)) {
			return DeferRestricted, nil
		}
	}
	if batch.amount < s.cfg.MinimumAmount {
		return DeferBelowMinimum, nil
	}
	return "", nil
}

func (s *PayoutService) flagPending(ctx context.Context, txns []*models.Transaction, pending bool) error {
	for _, t := range txns {
		if t.PayoutPending == pending {
			continue
		}
		err := withVersionRetry(ctx, func() error {
			current, err := s.store.GetTransaction(ctx, t.ID)
			if err != nil {
				return err
			}
			if current.PayoutPending == pending {
				return nil
			}
			current.PayoutPending = pending
			return s.store.UpdateTransaction(ctx, current)
		})
		if err != nil {
			return mapStoreError(err)
		}
	}
	return nil
}

// errBatchChanged: после перечитывания под блокировкой в пакете не осталось суммы для выплаты.
var errBatchChanged = errors.New("payout batch changed since listing")

// createPayout перечитывает каждую транзакцию и её заказ под блокировкой и включает в выплату
// только те, что всё ещё разблокированы. Порядок блокировок тот же, что у возврата и спора:
// сначала заказ, потом транзакция.
func (s *PayoutService) createPayout(ctx context.Context, batch *sellerBatch, now time.Time) (*models.Payout, error) {
	var payout *models.Payout
	err := withVersionRetry(ctx, func() error {
		return s.store.InTx(ctx, func(st repository.Store) error {
			payout = &models.Payout{
				ID:            uuid.New(),
				SellerID:      batch.sellerID,
				Currency:      batch.currency,
				Status:        valueobject.PayoutStatusPending,
				PayoutMethod:  models.PayoutMethodBankTransfer,
				AttemptNumber: 1,
			}
			for _, t := range batch.txns {
				order, err := st.GetOrderForUpdate(ctx, t.OrderID)
				if err != nil {
					return err
				}
				current, err := st.GetTransactionForUpdate(ctx, t.ID)
				if err != nil {
					return err
				}
				inPayout, err := st.IsTransactionInPayout(ctx, current.ID)
				if err != nil {
					return err
				}
				if inPayout || !current.IsReleased(now) || order.Status == valueobject.OrderStatusDisputed {
					logger.Log.WithFields(logrus.Fields{
						"transaction_id": current.ID,
						"status":         current.Status,
						"order_status":   order.Status,
					}).Info("transaction dropped from payout batch")
					continue
				}

				// Версия растёт и без смены флага: запись, прочитавшая транзакцию до выплаты, получит конфликт.
				current.PayoutPending = false
				if err := st.UpdateTransaction(ctx, current); err != nil {
					return err
				}
				payout.TransactionIDs = append(payout.TransactionIDs, current.ID)
				payout.Amount += current.SellerAmount
			}
			if len(payout.TransactionIDs) == 0 || payout.Amount <= 0 || payout.Amount < s.cfg.MinimumAmount {
				return errBatchChanged
			}
			return st.CreatePayout(ctx, payout)
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Log.WithFields(logrus.Fields{
		"payout_id":    payout.ID,
		"seller_id":    payout.SellerID,
		"amount":       payout.Amount,
		"transactions": len(payout.TransactionIDs),
	}).Info("payout created")
	return payout, nil
}

// submit отправляет выплату в шлюз и обновляет её статус. payout обновляется на месте.
func (s *PayoutService) submit(ctx context.Context, payout *models.Payout) error {
	account, err := s.store.GetConnectAccount(ctx, payout.SellerID)
	if err != nil {
		return mapStoreError(err)
	}

	key := gateway.IdempotencyKey(gateway.ScopePayout, payout.ID.String(), payout.AttemptNumber)
	var ref gateway.PayoutRef
	err = gateway.WithRetry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		var err error
		ref, err = s.gw.CreatePayout(ctx, gateway.PayoutRequest{
			AccountRef:     account.GatewayAccountID,
			Amount:         payout.Amount,
			Currency:       payout.Currency,
			IdempotencyKey: key,
			Metadata: map[string]string{
				gateway.MetaPayoutID: payout.ID.String(),
				gateway.MetaSellerID: payout.SellerID.String(),
			},
		})
		return err
	})

	var target valueobject.PayoutStatus
	var failureCode string
	var result error
	switch {
	case err == nil:
		target = valueobject.PayoutStatusProcessing
	case isRejection(err):
		rej, _ := gateway.AsRejection(err)
		target = valueobject.PayoutStatusFailed
		failureCode = rej.Code
		result = apperror.GatewayRejection(rej.Code, err)
	default:
		item := &models.ReconciliationItem{
			EntityType: models.ReconcileEntityPayout,
			EntityID:   payout.ID.String(),
			Operation:  OpPayout,
			Reason:     err.Error(),
		}
		if qErr := s.store.EnqueueReconciliation(ctx, item); qErr != nil {
			logger.Log.WithError(qErr).WithField("payout_id", payout.ID).Error("enqueue payout reconciliation")
		}
		return apperror.GatewayTransient(err)
	}

	err = withVersionRetry(ctx, func() error {
		current, err := s.store.GetPayout(ctx, payout.ID)
		if err != nil {
			return err
		}
		if !current.Status.CanTransitionTo(target) {
			// Вебхук успел раньше.
			*payout = *current
			return nil
		}
		current.Status = target
		if ref.ID != "" {
			id := ref.ID
			current.GatewayPayoutID = &id
		}
		if failureCode != "" {
			code := failureCode
			current.FailureCode = &code
		}
		if err := s.store.UpdatePayout(ctx, current); err != nil {
			return err
		}
		*payout = *current
		return nil
	})
	if err != nil {
		return mapStoreError(err)
	}

	logger.Log.WithFields(logrus.Fields{
		"payout_id": payout.ID,
		"status":    payout.Status,
		"attempt":   payout.AttemptNumber,
	}).Info("payout submitted")
	notify(s.hub, payout.SellerID, "payout.updated", payload{"payout_id": payout.ID, "status": payout.Status})
	return result
}

func isRejection(err error) bool {
	_, ok := gateway.AsRejection(err)
	return ok
}

// RetryPayout повторно отправляет неудачную выплату с новым номером попытки.
func (s *PayoutService) RetryPayout(ctx context.Context, payoutID uuid.UUID) (*models.Payout, error) {
	var payout *models.Payout
	err := withVersionRetry(ctx, func() error {
		current, err := s.store.GetPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		if current.Status != valueobject.PayoutStatusFailed {
			return inconsistent("retry_payout", current.ID, string(current.Status), "повторить можно только неудачную выплату")
		}
		current.Status = valueobject.PayoutStatusPending
		current.AttemptNumber++
		current.FailureCode = nil
		if err := s.store.UpdatePayout(ctx, current); err != nil {
			return err
		}
		payout = current
		return nil
	})
	if err != nil {
		return nil, mapStoreError(err)
	}

	if err := s.submit(ctx, payout); err != nil {
		return payout, err
	}
	return payout, nil
}

// ListSellerPayouts возвращает выплаты продавца, новые первыми.
func (s *PayoutService) ListSellerPayouts(ctx context.Context, sellerID uuid.UUID, limit, offset int) ([]*models.Payout, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	payouts, err := s.store.ListPayoutsBySeller(ctx, sellerID, limit, offset)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return payouts, nil
}

// EarningsLine: заработок продавца в одной валюте.
// Total = Pending + Available + InTransit + Paid.
type EarningsLine struct {
	Currency  string `json:"currency"`
	Total     int64  `json:"total"`
	Pending   int64  `json:"pending"`
	Available int64  `json:"available"`
	InTransit int64  `json:"in_transit"`
	Paid      int64  `json:"paid"`
}

// Earnings: сводка по всем валютам продавца.
type Earnings struct {
	SellerID   uuid.UUID      `json:"seller_id"`
	Currencies []EarningsLine `json:"currencies"`
}

// Earnings собирает доли продавца: в эскроу, готовые к выплате, в пути и выплаченные.
// Возвращённые покупателю суммы сюда не входят.
func (s *PayoutService) Earnings(ctx context.Context, sellerID uuid.UUID, now time.Time) (*Earnings, error) {
	escrow, err := s.store.SumSellerEscrow(ctx, sellerID, now)
	if err != nil {
		return nil, mapStoreError(err)
	}
	paid, err := s.store.SumSellerPayouts(ctx, sellerID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	lines := make(map[string]*EarningsLine)
	line := func(currency string) *EarningsLine {
		l, ok := lines[currency]
		if !ok {
			l = &EarningsLine{Currency: currency}
			lines[currency] = l
		}
		return l
	}
	for _, b := range escrow {
		l := line(b.Currency)
		l.Pending += b.Pending
		l.Available += b.Available
	}
	for _, b := range paid {
		l := line(b.Currency)
		l.InTransit += b.InTransit
		l.Paid += b.Paid
	}

	out := &Earnings{SellerID: sellerID, Currencies: make([]EarningsLine, 0, len(lines))}
	for _, l := range lines {
		l.Total = l.Pending + l.Available + l.InTransit + l.Paid
		out.Currencies = append(out.Currencies, *l)
	}
	sort.Slice(out.Currencies, func(i, j int) bool { return out.Currencies[i].Currency < out.Currencies[j].Currency })
	return out, nil
}
