package valueobject

import (
	"fmt"
	"strings"

	"github.com/ignatzorin/gig-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/gig-escrow/internal/validation"
)

// MaxAmount ограничивает сумму одного платежа, чтобы расчёт комиссий не переполнял int64.
const MaxAmount int64 = 100_000_000_000

// Money: сумма в минимальных единицах валюты (центах).
type Money struct {
	Amount   int64
	Currency string
}

func NewMoney(amount int64, currency string) (Money, error) {
	if amount <= 0 {
		return Money{}, apperror.Validation("сумма должна быть больше нуля")
	}
	if amount > MaxAmount {
		return Money{}, apperror.Validation("сумма превышает допустимый лимит")
	}
	currency, err := validation.NormalizeCurrencyCode(currency)
	if err != nil {
		return Money{}, apperror.Validation(err.Error())
	}
	return Money{Amount: amount, Currency: currency}, nil
}

func (m Money) String() string {
	return fmt.Sprintf("%d.%02d %s", m.Amount/100, m.Amount%100, m.Currency)
}

type PaymentMethod string

const (
	PaymentMethodCard   PaymentMethod = "card"
	PaymentMethodSEPA   PaymentMethod = "sepa"
	PaymentMethodKlarna PaymentMethod = "klarna"
	PaymentMethodTwint  PaymentMethod = "twint"
	PaymentMethodPayPal PaymentMethod = "paypal"
)

func (m PaymentMethod) IsValid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodSEPA, PaymentMethodKlarna, PaymentMethodTwint, PaymentMethodPayPal:
		return true
	}
	return false
}

func NewPaymentMethod(method string) (PaymentMethod, error) {
	m := PaymentMethod(strings.ToLower(strings.TrimSpace(method)))
	if !m.IsValid() {
		return "", apperror.Validation("неподдерживаемый способ оплаты")
	}
	return m, nil
}
