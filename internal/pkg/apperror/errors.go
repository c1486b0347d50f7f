package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeBadRequest        ErrorCode = "BAD_REQUEST"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodeDatabaseError     ErrorCode = "DATABASE_ERROR"
	ErrCodeDuplicatePayment  ErrorCode = "DUPLICATE_PAYMENT_ATTEMPT"
	ErrCodeGatewayTransient  ErrorCode = "GATEWAY_TRANSIENT"
	ErrCodeGatewayRejection  ErrorCode = "GATEWAY_REJECTION"
	ErrCodeInvalidSignature  ErrorCode = "INVALID_SIGNATURE"
	ErrCodeInconsistentState ErrorCode = "INCONSISTENT_STATE"
	ErrCodePayloadTooLarge   ErrorCode = "PAYLOAD_TOO_LARGE"
)

type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	// Reason: машиночитаемая причина отказа шлюза (например, card_declined).
	Reason string
	Cause  error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Cause:      err,
	}
}

// Validation: ошибка входных данных, возвращается до обращения к шлюзу.
func Validation(message string) *AppError {
	return New(ErrCodeValidation, message)
}

// GatewayRejection: шлюз окончательно отклонил операцию.
func GatewayRejection(reason string, cause error) *AppError {
	e := Wrap(cause, ErrCodeGatewayRejection, "платёж отклонён платёжной системой")
	e.Reason = reason
	return e
}

// GatewayTransient: исход операции неизвестен, клиенту нужно повторить позже.
func GatewayTransient(cause error) *AppError {
	return Wrap(cause, ErrCodeGatewayTransient, "платёжная система временно недоступна, повторите позже")
}

// InconsistentState: операция противоречит текущему состоянию записи.
func InconsistentState(message string) *AppError {
	return New(ErrCodeInconsistentState, message)
}

func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeBadRequest, ErrCodeValidation, ErrCodeInvalidSignature:
		return http.StatusBadRequest
	case ErrCodeConflict, ErrCodeDuplicatePayment, ErrCodeInconsistentState:
		return http.StatusConflict
	case ErrCodeGatewayRejection:
		return http.StatusPaymentRequired
	case ErrCodeGatewayTransient:
		return http.StatusServiceUnavailable
	case ErrCodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func hasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

func IsForbidden(err error) bool {
	return hasCode(err, ErrCodeForbidden)
}

func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

func IsDuplicatePayment(err error) bool {
	return hasCode(err, ErrCodeDuplicatePayment)
}

func IsGatewayTransient(err error) bool {
	return hasCode(err, ErrCodeGatewayTransient)
}

func IsGatewayRejection(err error) bool {
	return hasCode(err, ErrCodeGatewayRejection)
}

func IsInconsistentState(err error) bool {
	return hasCode(err, ErrCodeInconsistentState)
}

var (
	ErrOrderNotFound          = New(ErrCodeNotFound, "заказ не найден")
	ErrTransactionNotFound    = New(ErrCodeNotFound, "транзакция не найдена")
	ErrPayoutNotFound         = New(ErrCodeNotFound, "выплата не найдена")
	ErrConnectAccountNotFound = New(ErrCodeNotFound, "платёжный аккаунт продавца не найден")
	ErrDuplicatePayment       = New(ErrCodeDuplicatePayment, "по заказу уже есть активный платёж")
	ErrInvalidSignature       = New(ErrCodeInvalidSignature, "неверная подпись вебхука")
	ErrUnauthorized           = New(ErrCodeUnauthorized, "требуется авторизация")
	ErrForbidden              = New(ErrCodeForbidden, "недостаточно прав")
)
