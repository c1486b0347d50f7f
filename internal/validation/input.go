package validation

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Константы валидации
const (
	MaxReasonLength     = 500
	MaxFrontendURLength = 500
)

// ValidateLength проверяет длину строки.
func ValidateLength(fieldName, value string, min, max int) error {
	length := utf8.RuneCountInString(value)
	if min > 0 && length < min {
		return fmt.Errorf("%s должен быть не менее %d символов", fieldName, min)
	}
	if max > 0 && length > max {
		return fmt.Errorf("%s должен быть не более %d символов", fieldName, max)
	}
	return nil
}

// ValidateNonEmpty проверяет, что строка не пустая.
func ValidateNonEmpty(fieldName, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s не может быть пустым", fieldName)
	}
	return nil
}

// upperLetters: код из n латинских заглавных букв (ISO 3166 / ISO 4217).
func upperLetters(value string, n int) bool {
	if len(value) != n {
		return false
	}
	for _, r := range value {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// NormalizeCountryCode приводит код страны к виду "DE" и проверяет формат.
func NormalizeCountryCode(country string) (string, error) {
	country = strings.ToUpper(strings.TrimSpace(country))
	if !upperLetters(country, 2) {
		return "", fmt.Errorf("код страны должен состоять из двух латинских букв")
	}
	return country, nil
}

// NormalizeCurrencyCode приводит код валюты к виду "EUR" и проверяет формат.
func NormalizeCurrencyCode(currency string) (string, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if !upperLetters(currency, 3) {
		return "", fmt.Errorf("код валюты должен состоять из трёх латинских букв")
	}
	return currency, nil
}

// SanitizeReason убирает управляющие символы и лишние пробелы из причины возврата или решения спора.
// Причина попадает в логи и метаданные шлюза.
func SanitizeReason(reason string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, reason)
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if err := ValidateLength("причина", cleaned, 0, MaxReasonLength); err != nil {
		return "", err
	}
	return cleaned, nil
}

// ValidateFrontendURL проверяет базовый адрес фронтенда для ссылок онбординга.
func ValidateFrontendURL(link string) error {
	link = strings.TrimSpace(link)
	if err := ValidateLength("адрес фронтенда", link, 1, MaxFrontendURLength); err != nil {
		return err
	}

	// Проверка формата URL
	parsedURL, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("некорректный формат URL")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("ссылка должна начинаться с http:// или https://")
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("ссылка должна содержать доменное имя")
	}
	return nil
}
