package fees

import (
	"fmt"
	"sort"
	"strings"
)

// HomeCountry: страна регистрации платформы, её ставка используется по умолчанию.
const HomeCountry = "DE"

// DefaultVATRates: ставки НДС для стран, где работает площадка.
var DefaultVATRates = map[string]Rate{
	"DE": 1900,
	"AT": 2000,
	"CH": 770,
	"FR": 2000,
}

// VATTable хранит ставки НДС по ISO-кодам стран.
type VATTable struct {
	rates       map[string]Rate
	defaultRate Rate
}

// NewVATTable копирует ставки, чтобы таблица не менялась снаружи.
func NewVATTable(rates map[string]Rate, defaultRate Rate) VATTable {
	copied := make(map[string]Rate, len(rates))
	for country, rate := range rates {
		copied[strings.ToUpper(country)] = rate
	}
	return VATTable{rates: copied, defaultRate: defaultRate}
}

// DefaultVATTable возвращает таблицу со ставками по умолчанию.
func DefaultVATTable() VATTable {
	return NewVATTable(DefaultVATRates, DefaultVATRates[HomeCountry])
}

// Rate возвращает ставку для страны или ставку по умолчанию.
func (t VATTable) Rate(country string) Rate {
	if rate, ok := t.rates[strings.ToUpper(strings.TrimSpace(country))]; ok {
		return rate
	}
	return t.defaultRate
}

// VAT = round(amount * rate(country)).
func (t VATTable) VAT(amount int64, country string) int64 {
	return applyRate(amount, t.Rate(country))
}

// Countries возвращает отсортированный список стран с явной ставкой.
func (t VATTable) Countries() []string {
	out := make([]string, 0, len(t.rates))
	for country := range t.rates {
		out = append(out, country)
	}
	sort.Strings(out)
	return out
}

// ParseVATRates разбирает строку вида "DE:19,AT:20,CH:7.7".
func ParseVATRates(s string) (map[string]Rate, error) {
	rates := make(map[string]Rate)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		country, value, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("fees: ожидался формат COUNTRY:PERCENT, получено %q", part)
		}
		country = strings.ToUpper(strings.TrimSpace(country))
		if len(country) != 2 {
			return nil, fmt.Errorf("fees: некорректный код страны %q", country)
		}
		rate, err := ParseRate(value)
		if err != nil {
			return nil, err
		}
		rates[country] = rate
	}
	return rates, nil
}
