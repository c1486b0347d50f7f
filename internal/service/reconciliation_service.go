package service

import (
	"context"
	"errors"
	"fmt"
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

const reconcileBatchSize = 100

// maxReconcileAttempts: после стольких неудачных проходов элемент уходит на ручную сверку.
const maxReconcileAttempts = 10

// ReconciliationService доводит до конца операции с неизвестным исходом: оборванные
// авторизации, несостоявшиеся списания и выплаты из очереди сверки.
type ReconciliationService struct {
	store   repository.Store
	gw      gateway.Gateway
	escrow  *EscrowService
	payouts *PayoutService
	after   time.Duration
}

func NewReconciliationService(store repository.Store, gw gateway.Gateway, escrow *EscrowService, payouts *PayoutService, after time.Duration) *ReconciliationService {
	return &ReconciliationService{store: store, gw: gw, escrow: escrow, payouts: payouts, after: after}
}

// ReconcileReport: итог прохода сверки.
type ReconcileReport struct {
	Checked  int `json:"checked"`
	Resolved int `json:"resolved"`
}

// Run выполняет один проход: зависшие транзакции, затем очередь сверки.
func (s *ReconciliationService) Run(ctx context.Context, now time.Time) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	cutoff := now.Add(-s.after)

	for _, status := range []valueobject.TransactionStatus{
		valueobject.TransactionStatusPending,
		valueobject.TransactionStatusAuthorized,
	} {
		stale, err := s.store.ListStaleTransactions(ctx, status, cutoff, reconcileBatchSize)
		if err != nil {
			return report, mapStoreError(err)
		}
		for _, txn := range stale {
			report.Checked++
			done, err := s.syncTransaction(ctx, txn)
			if err != nil {
				logger.Log.WithError(err).WithField("transaction_id", txn.ID).Warn("reconcile transaction")
				continue
			}
			if done {
				report.Resolved++
			}
		}
	}

	items, err := s.store.ListOpenReconciliation(ctx, reconcileBatchSize)
	if err != nil {
		return report, mapStoreError(err)
	}
	for _, item := range items {
		if item.Operation == OpReview {
			continue
		}
		report.Checked++
		done, err := s.syncItem(ctx, item)
		if err != nil {
			if item.Attempts+1 >= maxReconcileAttempts {
				if eErr := s.escalate(ctx, item, err, now); eErr != nil {
					return report, mapStoreError(eErr)
				}
				continue
			}
			if tErr := s.store.TouchReconciliation(ctx, item.ID, err.Error()); tErr != nil {
				logger.Log.WithError(tErr).WithField("item_id", item.ID).Error("touch reconciliation item")
			}
			continue
		}
		if !done {
			continue
		}
		if err := s.store.ResolveReconciliation(ctx, item.ID, now); err != nil {
			return report, mapStoreError(err)
		}
		report.Resolved++
	}

	if report.Checked > 0 {
		logger.Log.WithFields(logrus.Fields{
			"checked":  report.Checked,
			"resolved": report.Resolved,
		}).Info("reconciliation pass finished")
	}
	return report, nil
}

// escalate закрывает элемент и ставит вместо него ручную сверку той же сущности.
func (s *ReconciliationService) escalate(ctx context.Context, item *models.ReconciliationItem, cause error, now time.Time) error {
	attempts := item.Attempts + 1
	err := s.store.InTx(ctx, func(st repository.Store) error {
		review := &models.ReconciliationItem{
			EntityType: item.EntityType,
			EntityID:   item.EntityID,
			Operation:  OpReview,
			Reason:     fmt.Sprintf("%s unresolved after %d attempts: %v", item.Operation, attempts, cause),
		}
		if err := st.EnqueueReconciliation(ctx, review); err != nil {
			return err
		}
		return st.ResolveReconciliation(ctx, item.ID, now)
	})
	if err != nil {
		return err
	}

	logger.Log.WithError(cause).WithFields(logrus.Fields{
		"item_id":   item.ID,
		"entity_id": item.EntityID,
		"operation": item.Operation,
		"attempts":  attempts,
	}).Error("reconciliation retries exhausted, escalated to manual review")
	return nil
}

func (s *ReconciliationService) syncItem(ctx context.Context, item *models.ReconciliationItem) (bool, error) {
	id, err := uuid.Parse(item.EntityID)
	if err != nil {
		logger.Log.WithField("item_id", item.ID).Error("reconciliation item with malformed entity id")
		return true, nil
	}

	switch item.EntityType {
	case models.ReconcileEntityTransaction:
		txn, err := s.store.GetTransaction(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrTransactionNotFound) {
				return true, nil
			}
			return false, err
		}
		return s.syncTransaction(ctx, txn)

	case models.ReconcileEntityPayout:
		payout, err := s.store.GetPayout(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrPayoutNotFound) {
				return true, nil
			}
			return false, err
		}
		if payout.Status != valueobject.PayoutStatusPending {
			return true, nil
		}
		if err := s.payouts.submit(ctx, payout); err != nil {
			if isRejection(err) {
				return true, nil
			}
			return false, err
		}
		return true, nil
	}
	return true, nil
}

// syncTransaction сверяет транзакцию со шлюзом. true: дальнейших действий не требуется.
func (s *ReconciliationService) syncTransaction(ctx context.Context, txn *models.Transaction) (bool, error) {
	switch txn.Status {
	case valueobject.TransactionStatusPending:
		if txn.GatewayRef() == "" {
			// Ответ Authorize потерян: повтор с тем же ключом вернёт тот же платёж.
			res, err := s.escrow.authorize(ctx, txn)
			if err != nil {
				if apperror.IsGatewayRejection(err) {
					return true, nil
				}
				return false, err
			}
			return res.Status != valueobject.TransactionStatusPending, nil
		}

		status, err := s.gw.GetPaymentStatus(ctx, txn.GatewayRef())
		if err != nil {
			return false, err
		}
		switch status.State {
		case gateway.PaymentStateAuthorized:
			if _, err := s.escrow.Capture(ctx, txn.ID); err != nil {
				return false, err
			}
			return true, nil
		case gateway.PaymentStateCaptured, gateway.PaymentStateFailed, gateway.PaymentStateRefunded:
			return true, s.applyRemote(ctx, txn.ID, status)
		}
		// Покупатель ещё не подтвердил платёж.
		return false, nil

	case valueobject.TransactionStatusAuthorized:
		if _, err := s.escrow.Capture(ctx, txn.ID); err != nil {
			return false, err
		}
		return true, nil

	case valueobject.TransactionStatusCaptured:
		if txn.PendingRefund == 0 {
			return true, nil
		}
		// Ответ шлюза на возврат потерян: повтор с тем же ключом не вернёт деньги дважды.
		if _, err := s.escrow.completeRefund(ctx, txn, "reconciliation"); err != nil {
			if apperror.IsGatewayRejection(err) {
				return true, nil
			}
			return false, err
		}
		return true, nil
	}
	return true, nil
}

func (s *ReconciliationService) applyRemote(ctx context.Context, txID uuid.UUID, status gateway.PaymentStatus) error {
	return withVersionRetry(ctx, func() error {
		return s.store.InTx(ctx, func(st repository.Store) error {
			txn, err := st.GetTransaction(ctx, txID)
			if err != nil {
				return err
			}
			switch status.State {
			case gateway.PaymentStateCaptured:
				_, err = s.escrow.ApplyCaptured(ctx, st, txn)
			case gateway.PaymentStateFailed:
				_, err = s.escrow.ApplyFailed(ctx, st, txn, status.FailureCode)
			case gateway.PaymentStateRefunded:
				if txn.Status == valueobject.TransactionStatusPending {
					if _, err = s.escrow.ApplyCaptured(ctx, st, txn); err != nil {
						return err
					}
				}
				_, err = s.escrow.ApplyRefunded(ctx, st, txn, 0)
			}
			return err
		})
	})
}
