// Package fees содержит чистые функции расчёта комиссий платформы, процессинга и НДС.
// Все суммы хранятся в минимальных единицах валюты (центах), проценты задаются в базисных пунктах.
package fees

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Rate: ставка в базисных пунктах: 1 bp = 0.01%, 10000 bp = 100%.
type Rate int64

const (
	// BasisPointsPerUnit соответствует 100%.
	BasisPointsPerUnit Rate = 10000
	// DefaultPlatformFee: 15% от суммы заказа.
	DefaultPlatformFee Rate = 1500
)

// Percent строит ставку из целого числа процентов.
func Percent(p int64) Rate {
	return Rate(p * 100)
}

// ParseRate разбирает процент из строки конфигурации ("2.9", "7.7", "15") в базисные пункты.
// Точность выше 0.01% не поддерживается, чтобы не терять деньги на округлении ставки.
func ParseRate(s string) (Rate, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" {
		return 0, fmt.Errorf("fees: пустая ставка")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("fees: некорректная ставка %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("fees: ставка %q не может быть отрицательной", s)
	}

	bps := d.Shift(2)
	if !bps.IsInteger() {
		return 0, fmt.Errorf("fees: ставка %q точнее 0.01%%", s)
	}
	if bps.GreaterThan(decimal.NewFromInt(int64(BasisPointsPerUnit))) {
		return 0, fmt.Errorf("fees: ставка %q больше 100%%", s)
	}

	return Rate(bps.IntPart()), nil
}

// String возвращает ставку в процентах, например "2.9%".
func (r Rate) String() string {
	return decimal.New(int64(r), -2).String() + "%"
}

// applyRate умножает сумму на ставку с округлением half-up.
func applyRate(amount int64, rate Rate) int64 {
	if amount <= 0 || rate <= 0 {
		return 0
	}
	return (amount*int64(rate) + int64(BasisPointsPerUnit)/2) / int64(BasisPointsPerUnit)
}

// PlatformFee = round(gross * feePercent / 100).
func PlatformFee(gross int64, feePercent Rate) int64 {
	return applyRate(gross, feePercent)
}

// ProcessingFee = round(gross * percentRate) + fixedFee.
func ProcessingFee(gross int64, percentRate Rate, fixedFee int64) int64 {
	if gross <= 0 {
		return 0
	}
	if fixedFee < 0 {
		fixedFee = 0
	}
	return applyRate(gross, percentRate) + fixedFee
}

// SellerPayout возвращает сумму продавцу: gross - platformFee - processingFee, не меньше нуля.
// Второе значение true, если результат пришлось обрезать до нуля.
func SellerPayout(gross int64, platformFeePercent, processingPercent Rate, processingFixed int64) (int64, bool) {
	if gross <= 0 {
		return 0, false
	}
	payout := gross - PlatformFee(gross, platformFeePercent) - ProcessingFee(gross, processingPercent, processingFixed)
	if payout < 0 {
		return 0, true
	}
	return payout, false
}
