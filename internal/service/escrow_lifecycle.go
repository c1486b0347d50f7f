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

// ApplyAuthorized, ApplyCaptured, ApplyFailed и ApplyRefunded вызываются внутри InTx
// обработчика вебхуков. Переход назад или в сторону молча игнорируется.

func (s *EscrowService) ApplyAuthorized(ctx context.Context, st repository.Store, txn *models.Transaction) (bool, error) {
	return s.applyPaymentState(ctx, st, txn, valueobject.TransactionStatusAuthorized, "")
}

func (s *EscrowService) ApplyCaptured(ctx context.Context, st repository.Store, txn *models.Transaction) (bool, error) {
	return s.applyPaymentState(ctx, st, txn, valueobject.TransactionStatusCaptured, "")
}

func (s *EscrowService) ApplyFailed(ctx context.Context, st repository.Store, txn *models.Transaction, failureCode string) (bool, error) {
	return s.applyPaymentState(ctx, st, txn, valueobject.TransactionStatusFailed, failureCode)
}

// ApplyRefunded принимает накопленную сумму возврата. Ноль или сумма не меньше платежа
// означают полный возврат. Частичный возврат только фиксируется: транзакция остаётся
// captured, исключается из выплат и уходит на ручную сверку. Подтверждённая сумма
// снимает резерв незавершённого возврата.
func (s *EscrowService) ApplyRefunded(ctx context.Context, st repository.Store, txn *models.Transaction, refundedTotal int64) (bool, error) {
	full := refundedTotal <= 0 || refundedTotal >= txn.Amount
	settled := txn.PendingRefund > 0 && (full || refundedTotal >= txn.PendingRefund)
	if settled {
		txn.PendingRefund = 0
	}

	if full {
		if txn.Status == valueobject.TransactionStatusCaptured {
			if err := s.flagRefundAfterPayout(ctx, st, txn, txn.Amount); err != nil {
				return false, err
			}
		}
		applied, err := s.applyPaymentState(ctx, st, txn, valueobject.TransactionStatusRefunded, "")
		if err != nil || applied || !settled {
			return applied, err
		}
		return true, st.UpdateTransaction(ctx, txn)
	}
	if txn.Status != valueobject.TransactionStatusCaptured || refundedTotal <= txn.RefundedAmount {
		if !settled {
			return false, nil
		}
		return true, st.UpdateTransaction(ctx, txn)
	}

	if err := s.flagRefundAfterPayout(ctx, st, txn, refundedTotal); err != nil {
		return false, err
	}
	txn.RefundedAmount = refundedTotal
	if err := st.UpdateTransaction(ctx, txn); err != nil {
		return false, err
	}
	item := &models.ReconciliationItem{
		EntityType: models.ReconcileEntityTransaction,
		EntityID:   txn.ID.String(),
		Operation:  OpReview,
		Reason:     fmt.Sprintf("partial refund %d of %d", refundedTotal, txn.Amount),
	}
	if err := st.EnqueueReconciliation(ctx, item); err != nil {
		return false, err
	}

	logger.Log.WithFields(logrus.Fields{
		"transaction_id":  txn.ID,
		"refunded_amount": refundedTotal,
	}).Warn("partial refund recorded, transaction held for manual review")
	return true, nil
}

// flagRefundAfterPayout: возврат, проведённый в шлюзе мимо движка после выплаты продавцу,
// выплату не отменяет. Расхождение уходит на ручную сверку.
func (s *EscrowService) flagRefundAfterPayout(ctx context.Context, st repository.Store, txn *models.Transaction, refundedTotal int64) error {
	inPayout, err := st.IsTransactionInPayout(ctx, txn.ID)
	if err != nil || !inPayout {
		return err
	}

	logger.Log.WithFields(logrus.Fields{
		"transaction_id":  txn.ID,
		"refunded_amount": refundedTotal,
	}).Error("refund recorded for transaction already paid out to seller")
	return st.EnqueueReconciliation(ctx, &models.ReconciliationItem{
		EntityType: models.ReconcileEntityTransaction,
		EntityID:   txn.ID.String(),
		Operation:  OpReview,
		Reason:     fmt.Sprintf("refund after payout %d of %d", refundedTotal, txn.Amount),
	})
}

// CompleteOrder фиксирует приёмку заказа и дату разблокировки средств.
func (s *EscrowService) CompleteOrder(ctx context.Context, orderID uuid.UUID, completedAt time.Time) (*models.Order, error) {
	var out *models.Order
	err := withVersionRetry(ctx, func() error {
		return s.store.InTx(ctx, func(st repository.Store) error {
			order, err := st.GetOrderForUpdate(ctx, orderID)
			if err != nil {
				return err
			}
			if order.Status == valueobject.OrderStatusCompleted {
				out = order
				return nil
			}
			if !order.Status.CanTransitionTo(valueobject.OrderStatusCompleted) {
				return inconsistent("complete_order", order.ID, string(order.Status), "заказ нельзя завершить в статусе "+string(order.Status))
			}

			txn, err := st.GetActiveTransactionByOrder(ctx, order.ID)
			if err != nil {
				if errors.Is(err, repository.ErrTransactionNotFound) {
					return inconsistent("complete_order", order.ID, string(order.Status), "заказ не оплачен")
				}
				return err
			}
			if txn.Status != valueobject.TransactionStatusCaptured {
				return inconsistent("complete_order", txn.ID, string(txn.Status), "платёж по заказу не списан")
			}

			if err := s.release(ctx, st, order, txn, completedAt); err != nil {
				return err
			}
			out = order
			return nil
		})
	})
	if err != nil {
		return nil, mapStoreError(err)
	}
	return out, nil
}

// release переводит заказ в completed и ставит дату разблокировки, если её ещё нет.
func (s *EscrowService) release(ctx context.Context, st repository.Store, order *models.Order, txn *models.Transaction, completedAt time.Time) error {
	completed := completedAt.UTC()
	order.Status = valueobject.OrderStatusCompleted
	order.CompletedAt = &completed
	if err := st.UpdateOrder(ctx, order); err != nil {
		return err
	}

	if txn.EscrowReleaseDate == nil {
		releaseAt := completed.Add(s.cfg.ReleasePeriod)
		txn.EscrowReleaseDate = &releaseAt
		if err := st.UpdateTransaction(ctx, txn); err != nil {
			return err
		}
	}

	logger.Log.WithFields(logrus.Fields{
		"order_id":       order.ID,
		"transaction_id": txn.ID,
		"release_at":     txn.EscrowReleaseDate,
	}).Info("order completed, escrow release scheduled")
	return nil
}

// OpenDispute замораживает выплату по заказу до решения администратора.
func (s *EscrowService) OpenDispute(ctx context.Context, orderID, userID uuid.UUID, role string) (*models.Order, error) {
	var out *models.Order
	err := withVersionRetry(ctx, func() error {
		return s.store.InTx(ctx, func(st repository.Store) error {
			order, err := st.GetOrderForUpdate(ctx, orderID)
			if err != nil {
				return err
			}
			if !canAccessOrder(order, userID, role) {
				return apperror.ErrForbidden
			}
			if order.Status == valueobject.OrderStatusDisputed {
				out = order
				return nil
			}

			txn, err := st.GetActiveTransactionByOrder(ctx, order.ID)
			if err != nil {
				if errors.Is(err, repository.ErrTransactionNotFound) {
					return inconsistent("open_dispute", order.ID, string(order.Status), "по заказу нет списанного платежа")
				}
				return err
			}
			if txn.Status != valueobject.TransactionStatusCaptured {
				return inconsistent("open_dispute", txn.ID, string(txn.Status), "по заказу нет списанного платежа")
			}
			inPayout, err := st.IsTransactionInPayout(ctx, txn.ID)
			if err != nil {
				return err
			}
			if inPayout {
				return inconsistent("open_dispute", txn.ID, string(txn.Status), "средства уже выплачены продавцу")
			}
			if !order.Status.CanTransitionTo(valueobject.OrderStatusDisputed) {
				return inconsistent("open_dispute", order.ID, string(order.Status), "спор нельзя открыть в статусе "+string(order.Status))
			}

			order.Status = valueobject.OrderStatusDisputed
			if err := st.UpdateOrder(ctx, order); err != nil {
				return err
			}
			out = order
			return nil
		})
	})
	if err != nil {
		return nil, mapStoreError(err)
	}

	logger.Log.WithField("order_id", orderID).Info("dispute opened")
	notify(s.hub, out.SellerID, "order.disputed", payload{"order_id": out.ID})
	return out, nil
}

// DisputeOutcome: решение по спору.
type DisputeOutcome string

const (
	DisputeRelease DisputeOutcome = "release"
	DisputeRefund  DisputeOutcome = "refund"
)

type DisputeResolution struct {
	Outcome DisputeOutcome
	// Amount: сумма возврата; nil означает полный возврат.
	Amount *int64
	Reason string
}

// ResolveDispute закрывает спор: release отдаёт средства продавцу, refund возвращает их покупателю.
func (s *EscrowService) ResolveDispute(ctx context.Context, orderID uuid.UUID, res DisputeResolution) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if order.Status != valueobject.OrderStatusDisputed {
		return nil, inconsistent("resolve_dispute", order.ID, string(order.Status), "по заказу нет открытого спора")
	}
	txn, err := s.store.GetActiveTransactionByOrder(ctx, order.ID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	switch res.Outcome {
	case DisputeRelease:
		err = withVersionRetry(ctx, func() error {
			return s.store.InTx(ctx, func(st repository.Store) error {
				order, err := st.GetOrderForUpdate(ctx, orderID)
				if err != nil {
					return err
				}
				if order.Status != valueobject.OrderStatusDisputed {
					return nil
				}
				current, err := st.GetTransaction(ctx, txn.ID)
				if err != nil {
					return err
				}
				return s.release(ctx, st, order, current, s.now())
			})
		})
		if err != nil {
			return nil, mapStoreError(err)
		}
	case DisputeRefund:
		if _, err := s.Refund(ctx, txn.ID, res.Amount, res.Reason); err != nil {
			return nil, err
		}
		// Частичный возврат оставляет заказ в споре, остаток решается отдельно.
	default:
		return nil, apperror.Validation("неизвестное решение по спору")
	}

	updated, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	logger.Log.WithFields(logrus.Fields{
		"order_id": orderID,
		"outcome":  res.Outcome,
		"status":   updated.Status,
	}).Info("dispute resolved")
	notify(s.hub, updated.SellerID, "order.dispute_resolved", payload{"order_id": updated.ID, "outcome": res.Outcome})
	return updated, nil
}

// Refund возвращает покупателю всю сумму (amount == nil) или её часть.
// Средства, уже включённые в выплату продавцу, вернуть нельзя. Сумма сначала резервируется
// под блокировкой заказа и транзакции, и только потом уходит в шлюз: агрегация выплат
// не заберёт транзакцию с незавершённым возвратом.
func (s *EscrowService) Refund(ctx context.Context, txID uuid.UUID, amount *int64, reason string) (*models.Transaction, error) {
	var txn *models.Transaction
	var done bool
	err := withVersionRetry(ctx, func() error {
		return s.store.InTx(ctx, func(st repository.Store) error {
			done = false
			head, err := st.GetTransaction(ctx, txID)
			if err != nil {
				return err
			}
			if _, err := st.GetOrderForUpdate(ctx, head.OrderID); err != nil {
				return err
			}
			current, err := st.GetTransactionForUpdate(ctx, txID)
			if err != nil {
				return err
			}
			if current.Status == valueobject.TransactionStatusRefunded {
				txn, done = current, true
				return nil
			}
			if current.Status != valueobject.TransactionStatusCaptured {
				return inconsistent(OpRefund, current.ID, string(current.Status), "вернуть можно только списанный платёж")
			}
			inPayout, err := st.IsTransactionInPayout(ctx, current.ID)
			if err != nil {
				return err
			}
			if inPayout {
				return inconsistent(OpRefund, current.ID, string(current.Status), "средства уже включены в выплату продавцу")
			}

			remaining := current.Amount - current.RefundedAmount
			if amount != nil && (*amount <= 0 || *amount > remaining) {
				return apperror.Validation("сумма возврата должна быть от 1 до " + fmt.Sprint(remaining))
			}
			target := current.Amount
			if amount != nil && *amount < remaining {
				target = current.RefundedAmount + *amount
			}

			if current.PendingRefund > 0 {
				if current.PendingRefund != target {
					return inconsistent(OpRefund, current.ID, string(current.Status), "предыдущий возврат ещё не подтверждён шлюзом")
				}
				// Повтор того же возврата: резерв уже стоит.
				txn = current
				return nil
			}
			current.PendingRefund = target
			if err := st.UpdateTransaction(ctx, current); err != nil {
				return err
			}
			txn = current
			return nil
		})
	})
	if err != nil {
		return nil, mapStoreError(err)
	}
	if done {
		return txn, nil
	}
	return s.completeRefund(ctx, txn, reason)
}

// completeRefund отправляет зарезервированный возврат в шлюз и фиксирует ответ.
// Отказ снимает резерв, неизвестный исход оставляет его до сверки.
func (s *EscrowService) completeRefund(ctx context.Context, txn *models.Transaction, reason string) (*models.Transaction, error) {
	var amount *int64
	if txn.PendingRefund < txn.Amount {
		step := txn.PendingRefund - txn.RefundedAmount
		amount = &step
	}

	// Ключ включает уже возвращённую сумму: повтор того же шага возврата совпадает с исходным.
	key := gateway.IdempotencyKey(gateway.ScopeRefund, fmt.Sprintf("%s@%d", txn.ID, txn.RefundedAmount), 1)
	err := gateway.WithRetry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		_, err := s.gw.Refund(ctx, txn.GatewayRef(), amount, key)
		return err
	})
	if err != nil {
		if _, ok := gateway.AsRejection(err); ok {
			if relErr := s.releaseRefund(ctx, txn.ID); relErr != nil {
				logger.Log.WithError(relErr).WithField("transaction_id", txn.ID).Error("release refund reservation")
			}
		}
		return nil, s.translateGatewayError(ctx, txn.ID, OpRefund, err)
	}

	var out *models.Transaction
	err = withVersionRetry(ctx, func() error {
		return s.store.InTx(ctx, func(st repository.Store) error {
			current, err := st.GetTransactionForUpdate(ctx, txn.ID)
			if err != nil {
				return err
			}
			out = current
			if current.PendingRefund == 0 {
				// Вебхук шлюза успел раньше.
				return nil
			}
			_, err = s.ApplyRefunded(ctx, st, current, current.PendingRefund)
			return err
		})
	})
	if err != nil {
		return nil, mapStoreError(err)
	}

	logger.Log.WithFields(logrus.Fields{
		"transaction_id":  out.ID,
		"refunded_amount": out.RefundedAmount,
		"reason":          reason,
	}).Info("refund issued")
	notify(s.hub, out.BuyerID, "payment.refunded", payload{"order_id": out.OrderID, "amount": out.RefundedAmount})
	return out, nil
}

func (s *EscrowService) releaseRefund(ctx context.Context, txID uuid.UUID) error {
	return withVersionRetry(ctx, func() error {
		return s.store.InTx(ctx, func(st repository.Store) error {
			current, err := st.GetTransactionForUpdate(ctx, txID)
			if err != nil {
				return err
			}
			if current.PendingRefund == 0 {
				return nil
			}
			current.PendingRefund = 0
			return st.UpdateTransaction(ctx, current)
		})
	})
}
