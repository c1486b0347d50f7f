package service

import (
	"context"
	"errors"
	"net/http"
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

// WebhookService принимает события шлюза. Повторы и события не по порядку безопасны:
// отметка о событии и изменение состояния фиксируются в одной транзакции.
type WebhookService struct {
	store   repository.Store
	gw      gateway.Gateway
	escrow  *EscrowService
	connect *ConnectService
	ttl     time.Duration
	hub     WSNotifier
	now     func() time.Time
}

func NewWebhookService(store repository.Store, gw gateway.Gateway, escrow *EscrowService, connect *ConnectService, ttl time.Duration) *WebhookService {
	return &WebhookService{
		store:   store,
		gw:      gw,
		escrow:  escrow,
		connect: connect,
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetHub устанавливает WebSocket hub для отправки уведомлений.
func (s *WebhookService) SetHub(hub WSNotifier) {
	s.hub = hub
}

// SetClock подменяет часы (для тестов).
func (s *WebhookService) SetClock(now func() time.Time) {
	s.now = now
}

// HandleResult: итог обработки события.
type HandleResult struct {
	EventID   string
	Duplicate bool
	Applied   bool
}

// Handle проверяет подпись, дедуплицирует событие и применяет переход.
func (s *WebhookService) Handle(ctx context.Context, body []byte, header http.Header) (*HandleResult, error) {
	event, err := s.gw.ParseWebhook(body, header)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			logger.Log.WithError(err).Warn("webhook rejected: invalid signature")
			return nil, apperror.ErrInvalidSignature
		}
		return nil, apperror.Wrap(err, apperror.ErrCodeBadRequest, "некорректное событие")
	}

	log := logger.Log.WithFields(logrus.Fields{"event_id": event.ID, "event_type": event.RawType})
	result := &HandleResult{EventID: event.ID}
	var toCapture uuid.UUID
	var notice func()

	err = withVersionRetry(ctx, func() error {
		result.Duplicate, result.Applied = false, false
		toCapture, notice = uuid.Nil, nil

		return s.store.InTx(ctx, func(st repository.Store) error {
			now := s.now()
			inserted, err := st.InsertWebhookEvent(ctx, &models.WebhookEvent{
				EventID:     event.ID,
				EventType:   event.RawType,
				ProcessedAt: now,
				ExpiresAt:   now.Add(s.ttl),
			})
			if err != nil {
				return err
			}
			if !inserted {
				result.Duplicate = true
				return nil
			}

			switch event.Type {
			case gateway.EventPaymentAuthorized, gateway.EventPaymentCaptured,
				gateway.EventPaymentFailed, gateway.EventPaymentRefunded:
				txn, err := s.resolveTransaction(ctx, st, event)
				if err != nil || txn == nil {
					return err
				}
				applied, err := s.applyPayment(ctx, st, txn, event)
				if err != nil {
					return err
				}
				result.Applied = applied
				if applied && event.Type == gateway.EventPaymentAuthorized {
					toCapture = txn.ID
				}
				if applied {
					sellerID, status, orderID := txn.SellerID, txn.Status, txn.OrderID
					notice = func() {
						notify(s.hub, sellerID, "payment.updated", payload{"order_id": orderID, "status": status})
					}
				}

			case gateway.EventPayoutPaid, gateway.EventPayoutFailed:
				payout, err := s.resolvePayout(ctx, st, event)
				if err != nil || payout == nil {
					return err
				}
				applied, err := s.applyPayout(ctx, st, payout, event, now)
				if err != nil {
					return err
				}
				result.Applied = applied
				if applied {
					sellerID, status, payoutID := payout.SellerID, payout.Status, payout.ID
					notice = func() {
						notify(s.hub, sellerID, "payout.updated", payload{"payout_id": payoutID, "status": status})
					}
				}

			case gateway.EventAccountUpdated:
				account, err := s.resolveAccount(ctx, st, event)
				if err != nil || account == nil {
					return err
				}
				if event.Account == nil {
					log.Warn("account event without status, ignored")
					return nil
				}
				applied, err := s.connect.ApplyAccountEvent(ctx, st, account, *event.Account, event.CreatedAt)
				if err != nil {
					return err
				}
				result.Applied = applied

			default:
				log.Debug("webhook event type ignored")
			}
			return nil
		})
	})
	if err != nil {
		log.WithError(err).Error("webhook processing failed")
		return nil, mapStoreError(err)
	}

	if result.Duplicate {
		log.Info("duplicate webhook event acknowledged")
		return result, nil
	}
	log.WithField("applied", result.Applied).Info("webhook event processed")

	if notice != nil {
		notice()
	}
	if toCapture != uuid.Nil {
		if _, err := s.escrow.Capture(ctx, toCapture); err != nil {
			// Событие уже зафиксировано; захват догонит сверка.
			log.WithError(err).WithField("transaction_id", toCapture).Warn("capture after authorization webhook failed")
		}
	}
	return result, nil
}

func (s *WebhookService) resolveTransaction(ctx context.Context, st repository.Store, event gateway.Event) (*models.Transaction, error) {
	if raw := event.Meta(gateway.MetaTransactionID); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			txn, err := st.GetTransaction(ctx, id)
			if err == nil {
				return txn, nil
			}
			if !errors.Is(err, repository.ErrTransactionNotFound) {
				return nil, err
			}
		}
	}
	if event.PaymentRef != "" {
		txn, err := st.GetTransactionByGatewayRef(ctx, event.PaymentRef)
		if err == nil {
			return txn, nil
		}
		if !errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, err
		}
	}
	logger.Log.WithFields(logrus.Fields{
		"event_id":    event.ID,
		"payment_ref": event.PaymentRef,
	}).Warn("webhook for unknown transaction acknowledged")
	return nil, nil
}

func (s *WebhookService) applyPayment(ctx context.Context, st repository.Store, txn *models.Transaction, event gateway.Event) (bool, error) {
	if txn.GatewayPaymentID == nil && event.PaymentRef != "" {
		// Вебхук обогнал ответ Authorize.
		ref := event.PaymentRef
		txn.GatewayPaymentID = &ref
		if err := st.UpdateTransaction(ctx, txn); err != nil {
			return false, err
		}
	}

	switch event.Type {
	case gateway.EventPaymentAuthorized:
		return s.escrow.ApplyAuthorized(ctx, st, txn)
	case gateway.EventPaymentCaptured:
		return s.escrow.ApplyCaptured(ctx, st, txn)
	case gateway.EventPaymentFailed:
		return s.escrow.ApplyFailed(ctx, st, txn, event.FailureCode)
	case gateway.EventPaymentRefunded:
		return s.escrow.ApplyRefunded(ctx, st, txn, event.Amount)
	}
	return false, nil
}

func (s *WebhookService) resolvePayout(ctx context.Context, st repository.Store, event gateway.Event) (*models.Payout, error) {
	if raw := event.Meta(gateway.MetaPayoutID); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			payout, err := st.GetPayout(ctx, id)
			if err == nil {
				return payout, nil
			}
			if !errors.Is(err, repository.ErrPayoutNotFound) {
				return nil, err
			}
		}
	}
	if event.PayoutRef != "" {
		payout, err := st.GetPayoutByGatewayRef(ctx, event.PayoutRef)
		if err == nil {
			return payout, nil
		}
		if !errors.Is(err, repository.ErrPayoutNotFound) {
			return nil, err
		}
	}
	logger.Log.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"payout_ref": event.PayoutRef,
	}).Warn("webhook for unknown payout acknowledged")
	return nil, nil
}

func (s *WebhookService) applyPayout(ctx context.Context, st repository.Store, payout *models.Payout, event gateway.Event, now time.Time) (bool, error) {
	target := valueobject.PayoutStatusPaid
	if event.Type == gateway.EventPayoutFailed {
		target = valueobject.PayoutStatusFailed
	}
	// failed → pending разрешён только администратору, вебхук его не выполняет.
	if payout.Status == valueobject.PayoutStatusFailed || !payout.Status.CanTransitionTo(target) {
		return false, nil
	}

	payout.Status = target
	if payout.GatewayPayoutID == nil && event.PayoutRef != "" {
		ref := event.PayoutRef
		payout.GatewayPayoutID = &ref
	}
	switch target {
	case valueobject.PayoutStatusPaid:
		paidAt := now.UTC()
		payout.PaidAt = &paidAt
	case valueobject.PayoutStatusFailed:
		code := event.FailureCode
		if code == "" {
			code = "payout_failed"
		}
		payout.FailureCode = &code
	}
	if err := st.UpdatePayout(ctx, payout); err != nil {
		return false, err
	}

	logger.Log.WithFields(logrus.Fields{
		"payout_id": payout.ID,
		"status":    target,
	}).Info("payout status changed")
	return true, nil
}

func (s *WebhookService) resolveAccount(ctx context.Context, st repository.Store, event gateway.Event) (*models.ConnectAccount, error) {
	if event.AccountRef != "" {
		account, err := st.GetConnectAccountByGatewayID(ctx, event.AccountRef)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, repository.ErrConnectAccountNotFound) {
			return nil, err
		}
	}
	if raw := event.Meta(gateway.MetaSellerID); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			account, err := st.GetConnectAccount(ctx, id)
			if err == nil {
				return account, nil
			}
			if !errors.Is(err, repository.ErrConnectAccountNotFound) {
				return nil, err
			}
		}
	}
	logger.Log.WithFields(logrus.Fields{
		"event_id":    event.ID,
		"account_ref": event.AccountRef,
	}).Warn("webhook for unknown connect account acknowledged")
	return nil, nil
}

// CleanupExpired удаляет отметки о событиях с истёкшим сроком хранения.
func (s *WebhookService) CleanupExpired(ctx context.Context) error {
	n, err := s.store.DeleteExpiredWebhookEvents(ctx, s.now())
	if err != nil {
		return mapStoreError(err)
	}
	if n > 0 {
		logger.Log.WithField("deleted", n).Info("expired webhook events removed")
	}
	return nil
}
