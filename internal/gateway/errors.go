package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient: сеть, таймаут или 5xx: исход неизвестен, операцию можно повторить с тем же ключом.
	ErrTransient = errors.New("gateway: transient failure")
	// ErrInvalidSignature: подпись вебхука не совпала или устарела.
	ErrInvalidSignature = errors.New("gateway: invalid webhook signature")
	// ErrNotFound: шлюз не знает объект с таким идентификатором.
	ErrNotFound = errors.New("gateway: object not found")
)

type transientError struct {
	cause error
}

func (e *transientError) Error() string {
	return fmt.Sprintf("%v: %v", ErrTransient, e.cause)
}

func (e *transientError) Is(target error) bool {
	return target == ErrTransient
}

func (e *transientError) Unwrap() error {
	return e.cause
}

// Transient помечает ошибку как временную.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return &transientError{cause: err}
}

// RejectionError: окончательный отказ шлюза (карта отклонена, неверный запрос).
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("gateway: rejected (%s): %s", e.Code, e.Message)
}

// Reject создаёт отказ с кодом причины.
func Reject(code, message string) error {
	return &RejectionError{Code: code, Message: message}
}

// IsTransient сообщает, можно ли повторить операцию.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// AsRejection извлекает отказ шлюза из цепочки ошибок.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
