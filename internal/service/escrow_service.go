package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/gig-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/gig-escrow/internal/fees"
	"github.com/ignatzorin/gig-escrow/internal/gateway"
	"github.com/ignatzorin/gig-escrow/internal/logger"
	"github.com/ignatzorin/gig-escrow/internal/models"
	"github.com/ignatzorin/gig-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/gig-escrow/internal/repository"
)

// Операции в очереди сверки.
const (
	OpAuthorize = "authorize"
	OpCapture   = "capture"
	OpRefund    = "refund"
	OpPayout    = "payout"
	OpReview    = "manual_review"
)

// EscrowConfig: параметры движка эскроу.
type EscrowConfig struct {
	SupportedCurrencies []string
	ReleasePeriod       time.Duration
	Retry               gateway.RetryPolicy
}

// EscrowService ведёт транзакцию от оформления заказа до возврата или выплаты.
type EscrowService struct {
	store repository.Store
	gw    gateway.Gateway
	calc  *fees.Calculator
	cfg   EscrowConfig
	hub   WSNotifier
	now   func() time.Time
}

func NewEscrowService(store repository.Store, gw gateway.Gateway, calc *fees.Calculator, cfg EscrowConfig) *EscrowService {
	return &EscrowService{
		store: store,
		gw:    gw,
		calc:  calc,
		cfg:   cfg,
		now:   time.Now,
	}
}

// SetHub устанавливает WebSocket hub для отправки уведомлений.
func (s *EscrowService) SetHub(hub WSNotifier) {
	s.hub = hub
}

// SetClock подменяет часы (для тестов).
func (s *EscrowService) SetClock(now func() time.Time) {
	s.now = now
}

type CheckoutInput struct {
	OrderID       uuid.UUID
	BuyerID       uuid.UUID
	Amount        int64
	Currency      string
	PaymentMethod string
	// Country: страна покупателя для НДС; пустая означает страну платформы.
	Country string
}

type CheckoutResult struct {
	TransactionID uuid.UUID                     `json:"transaction_id"`
	ClientSecret  string                        `json:"client_secret"`
	Status        valueobject.TransactionStatus `json:"status"`
}

// Checkout создаёт транзакцию и авторизует платёж в шлюзе.
func (s *EscrowService) Checkout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	money, err := valueobject.NewMoney(in.Amount, in.Currency)
	if err != nil {
		return nil, err
	}
	if !s.currencySupported(money.Currency) {
		return nil, apperror.Validation("валюта не поддерживается")
	}
	method, err := valueobject.NewPaymentMethod(in.PaymentMethod)
	if err != nil {
		return nil, err
	}

	var txn *models.Transaction
	err = s.store.InTx(ctx, func(st repository.Store) error {
		order, err := st.GetOrderForUpdate(ctx, in.OrderID)
		if err != nil {
			return err
		}
		if order.BuyerID != in.BuyerID {
			return apperror.ErrForbidden
		}

		if _, err := st.GetActiveTransactionByOrder(ctx, order.ID); err == nil {
			return apperror.ErrDuplicatePayment
		} else if !errors.Is(err, repository.ErrTransactionNotFound) {
			return err
		}

		if order.Status != valueobject.OrderStatusPending {
			return apperror.Validation("заказ не ожидает оплаты")
		}
		if money.Amount != order.TotalPrice || money.Currency != order.Currency {
			return apperror.Validation("сумма не совпадает с ценой заказа")
		}

		attempts, err := st.CountTransactionsByOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		attempt := attempts + 1

		b := s.calc.Breakdown(money.Amount, in.Country)
		if b.Shortfall > 0 {
			logger.Log.WithFields(logrus.Fields{
				"order_id":  order.ID,
				"gross":     b.Gross,
				"shortfall": b.Shortfall,
			}).Warn("fees exceed order amount, seller payout clamped to zero")
		}

		txn = &models.Transaction{
			ID:             uuid.New(),
			OrderID:        order.ID,
			BuyerID:        order.BuyerID,
			SellerID:       order.SellerID,
			Amount:         money.Amount,
			Currency:       money.Currency,
			PaymentMethod:  method,
			IdempotencyKey: gateway.IdempotencyKey(gateway.ScopeAuthorize, order.ID.String(), attempt),
			AttemptNumber:  attempt,
			Status:         valueobject.TransactionStatusPending,
			PlatformFee:    b.PlatformFee,
			ProcessingFee:  b.ProcessingFee,
			SellerAmount:   b.SellerAmount,
			VATCountry:     b.VATCountry,
			VATAmount:      b.VAT,
		}
		return st.CreateTransaction(ctx, txn)
	})
	if err != nil {
		return nil, mapStoreError(err)
	}

	// Отмена запроса покупателем не должна обрывать вызов шлюза на середине.
	return s.authorize(context.WithoutCancel(ctx), txn)
}

func (s *EscrowService) currencySupported(currency string) bool {
	if len(s.cfg.SupportedCurrencies) == 0 {
		return true
	}
	for _, c := range s.cfg.SupportedCurrencies {
		if c == currency {
			return true
		}
	}
	return false
}

func (s *EscrowService) authorize(ctx context.Context, txn *models.Transaction) (*CheckoutResult, error) {
	log := logger.Log.WithFields(logrus.Fields{"transaction_id": txn.ID, "order_id": txn.OrderID})

	var ref gateway.PaymentRef
	err := gateway.WithRetry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		var err error
		ref, err = s.gw.Authorize(ctx, gateway.AuthorizeRequest{
			OrderID:        txn.OrderID.String(),
			Amount:         txn.Amount,
			Currency:       txn.Currency,
			Method:         string(txn.PaymentMethod),
			IdempotencyKey: txn.IdempotencyKey,
			Metadata: map[string]string{
				gateway.MetaTransactionID: txn.ID.String(),
				gateway.MetaSellerID:      txn.SellerID.String(),
			},
		})
		return err
	})
	if err != nil {
		if rej, ok := gateway.AsRejection(err); ok {
			log.WithField("reason", rej.Code).Info("authorization rejected")
			if failErr := s.markFailed(ctx, txn.ID, rej.Code); failErr != nil {
				log.WithError(failErr).Error("mark transaction failed")
			}
			return nil, apperror.GatewayRejection(rej.Code, err)
		}
		log.WithError(err).Warn("authorization outcome unknown, queued for reconciliation")
		s.enqueue(ctx, models.ReconcileEntityTransaction, txn.ID, OpAuthorize, err)
		return nil, apperror.GatewayTransient(err)
	}

	updated, err := s.recordAuthorization(ctx, txn.ID, ref)
	if err != nil {
		return nil, mapStoreError(err)
	}

	result := &CheckoutResult{TransactionID: txn.ID, ClientSecret: ref.ClientSecret, Status: updated.Status}
	if updated.Status == valueobject.TransactionStatusAuthorized {
		// Платёж сразу списывается и дальше удерживается платформой до приёмки заказа.
		captured, err := s.Capture(ctx, txn.ID)
		if err != nil {
			log.WithError(err).Warn("capture after authorization failed")
			return result, nil
		}
		result.Status = captured.Status
	}
	return result, nil
}

// recordAuthorization сохраняет ссылку на платёж и, если шлюз уже авторизовал его, статус.
func (s *EscrowService) recordAuthorization(ctx context.Context, txID uuid.UUID, ref gateway.PaymentRef) (*models.Transaction, error) {
	var out *models.Transaction
	err := withVersionRetry(ctx, func() error {
		return s.store.InTx(ctx, func(st repository.Store) error {
			txn, err := st.GetTransaction(ctx, txID)
			if err != nil {
				return err
			}
			if txn.GatewayPaymentID == nil {
				id := ref.ID
				txn.GatewayPaymentID = &id
				if err := st.UpdateTransaction(ctx, txn); err != nil {
					return err
				}
			}
			switch ref.Status {
			case gateway.PaymentStateAuthorized:
				if _, err := s.applyPaymentState(ctx, st, txn, valueobject.TransactionStatusAuthorized, ""); err != nil {
					return err
				}
			case gateway.PaymentStateCaptured:
				if _, err := s.applyPaymentState(ctx, st, txn, valueobject.TransactionStatusCaptured, ""); err != nil {
					return err
				}
			}
			out = txn
			return nil
		})
	})
	return out, err
}

// Capture списывает авторизованный платёж. Повторный вызов для captured ничего не делает.
func (s *EscrowService) Capture(ctx context.Context, txID uuid.UUID) (*models.Transaction, error) {
	txn, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	switch txn.Status {
	case valueobject.TransactionStatusCaptured:
		return txn, nil
	case valueobject.TransactionStatusRefunded, valueobject.TransactionStatusFailed:
		return nil, inconsistent(OpCapture, txn.ID, string(txn.Status), "нельзя списать платёж в статусе "+string(txn.Status))
	case valueobject.TransactionStatusPending:
		if txn.GatewayRef() == "" {
			return nil, inconsistent(OpCapture, txn.ID, string(txn.Status), "платёж ещё не создан в шлюзе")
		}
		status, err := s.gw.GetPaymentStatus(ctx, txn.GatewayRef())
		if err != nil {
			return nil, s.translateGatewayError(ctx, txn.ID, OpCapture, err)
		}
		if status.State != gateway.PaymentStateAuthorized && status.State != gateway.PaymentStateCaptured {
			return nil, inconsistent(OpCapture, txn.ID, string(txn.Status), "платёж ещё не авторизован")
		}
	}

	key := gateway.IdempotencyKey(gateway.ScopeCapture, txn.ID.String(), 1)
	err = gateway.WithRetry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		_, err := s.gw.Capture(ctx, txn.GatewayRef(), key)
		return err
	})
	if err != nil {
		if rej, ok := gateway.AsRejection(err); ok {
			if failErr := s.markFailed(ctx, txn.ID, rej.Code); failErr != nil {
				logger.Log.WithError(failErr).WithField("transaction_id", txn.ID).Error("mark transaction failed")
			}
		}
		return nil, s.translateGatewayError(ctx, txn.ID, OpCapture, err)
	}

	var out *models.Transaction
	var applied bool
	err = withVersionRetry(ctx, func() error {
		return s.store.InTx(ctx, func(st repository.Store) error {
			current, err := st.GetTransaction(ctx, txID)
			if err != nil {
				return err
			}
			applied, err = s.applyPaymentState(ctx, st, current, valueobject.TransactionStatusCaptured, "")
			if err != nil {
				return err
			}
			out = current
			return nil
		})
	})
	if err != nil {
		return nil, mapStoreError(err)
	}

	// Параллельный вебхук мог зафиксировать списание раньше: уведомляет только тот, кто его применил.
	if applied {
		notify(s.hub, out.SellerID, "payment.captured", payload{"order_id": out.OrderID, "amount": out.Amount})
	}
	return out, nil
}

// translateGatewayError: окончательный отказ возвращается с причиной, неизвестный исход ставится в очередь сверки.
func (s *EscrowService) translateGatewayError(ctx context.Context, txID uuid.UUID, op string, err error) error {
	if rej, ok := gateway.AsRejection(err); ok {
		return apperror.GatewayRejection(rej.Code, err)
	}
	if errors.Is(err, gateway.ErrNotFound) {
		return inconsistent(op, txID, "unknown", "платёж не найден в шлюзе")
	}
	s.enqueue(ctx, models.ReconcileEntityTransaction, txID, op, err)
	return apperror.GatewayTransient(err)
}

// applyPaymentState применяет переход только вперёд. Недопустимый переход ничего не меняет.
// Вызывать внутри InTx; txn перечитан в той же транзакции.
func (s *EscrowService) applyPaymentState(ctx context.Context, st repository.Store, txn *models.Transaction,
	target valueobject.TransactionStatus, failureCode string) (bool, error) {
	if txn.Status == target || !txn.Status.CanTransitionTo(target) {
		return false, nil
	}

	txn.Status = target
	if target == valueobject.TransactionStatusFailed && failureCode != "" {
		code := failureCode
		txn.FailureCode = &code
	}
	if target == valueobject.TransactionStatusRefunded {
		txn.RefundedAmount = txn.Amount
	}
	if err := st.UpdateTransaction(ctx, txn); err != nil {
		return false, err
	}

	switch target {
	case valueobject.TransactionStatusCaptured:
		if err := s.moveOrder(ctx, st, txn.OrderID, valueobject.OrderStatusInProgress); err != nil {
			return false, err
		}
	case valueobject.TransactionStatusRefunded:
		if err := s.moveOrder(ctx, st, txn.OrderID, valueobject.OrderStatusCancelled); err != nil {
			return false, err
		}
	}

	logger.Log.WithFields(logrus.Fields{
		"transaction_id": txn.ID,
		"status":         target,
	}).Info("transaction status changed")
	return true, nil
}

// moveOrder двигает заказ, только если переход разрешён.
func (s *EscrowService) moveOrder(ctx context.Context, st repository.Store, orderID uuid.UUID, target valueobject.OrderStatus) error {
	order, err := st.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.Status.CanTransitionTo(target) {
		return nil
	}
	order.Status = target
	return st.UpdateOrder(ctx, order)
}

func (s *EscrowService) markFailed(ctx context.Context, txID uuid.UUID, code string) error {
	return withVersionRetry(ctx, func() error {
		return s.store.InTx(ctx, func(st repository.Store) error {
			txn, err := st.GetTransaction(ctx, txID)
			if err != nil {
				return err
			}
			_, err = s.applyPaymentState(ctx, st, txn, valueobject.TransactionStatusFailed, code)
			return err
		})
	})
}

func (s *EscrowService) enqueue(ctx context.Context, entityType string, id uuid.UUID, op string, cause error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	item := &models.ReconciliationItem{EntityType: entityType, EntityID: id.String(), Operation: op, Reason: reason}
	if err := s.store.EnqueueReconciliation(ctx, item); err != nil {
		logger.Log.WithError(err).WithField("entity_id", id).Error("enqueue reconciliation")
	}
}
