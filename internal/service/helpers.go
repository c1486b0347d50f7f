package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/gig-escrow/internal/logger"
	"github.com/ignatzorin/gig-escrow/internal/models"
	"github.com/ignatzorin/gig-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/gig-escrow/internal/repository"
)

// maxVersionRetries ограничивает повторы при конфликте оптимистичной версии.
const maxVersionRetries = 3

// withVersionRetry повторяет fn, пока запись меняют параллельно. fn должна перечитывать данные.
func withVersionRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxVersionRetries; attempt++ {
		if err = fn(); !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

// mapStoreError переводит ошибки хранилища в ошибки приложения.
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrOrderNotFound):
		return apperror.ErrOrderNotFound
	case errors.Is(err, repository.ErrTransactionNotFound):
		return apperror.ErrTransactionNotFound
	case errors.Is(err, repository.ErrPayoutNotFound):
		return apperror.ErrPayoutNotFound
	case errors.Is(err, repository.ErrConnectAccountNotFound):
		return apperror.ErrConnectAccountNotFound
	case errors.Is(err, repository.ErrActiveTransactionExists):
		return apperror.ErrDuplicatePayment
	}
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "ошибка хранилища")
}

// inconsistent логирует попытку операции, противоречащей состоянию, и возвращает ошибку.
func inconsistent(op string, entityID uuid.UUID, state string, message string) error {
	logger.Log.WithFields(logrus.Fields{
		"operation": op,
		"entity_id": entityID,
		"state":     state,
	}).Error("inconsistent state: " + message)
	return apperror.InconsistentState(message)
}

// WSNotifier интерфейс для отправки WebSocket уведомлений.
type WSNotifier interface {
	BroadcastToUser(userID uuid.UUID, event string, data interface{}) error
}

// payload: тело уведомления.
type payload = map[string]interface{}

func notify(n WSNotifier, userID uuid.UUID, event string, data interface{}) {
	if n == nil {
		return
	}
	if err := n.BroadcastToUser(userID, event, data); err != nil {
		logger.Log.WithError(err).WithField("event", event).Warn("notify user")
	}
}

// Ownership: покупатель или продавец заказа, либо администратор.
func canAccessOrder(order *models.Order, userID uuid.UUID, role string) bool {
	return role == RoleAdmin || order.IsParticipant(userID)
}
