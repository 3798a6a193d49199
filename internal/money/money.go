// internal/money/money.go
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Количество знаков после запятой для валют ISO 4217. Все, чего нет в таблице, считается двухзнаковым.
var exponents = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0, "KRW": 0,
	"PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

func Exponent(currency string) int32 {
	if exp, ok := exponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// ToMajor переводит сумму из минимальных единиц (центы, кобо) в основные.
func ToMajor(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -Exponent(currency))
}

// ToMinor переводит сумму в основных единицах в минимальные.
// Остаток меньше минимальной единицы округляется half-up.
func ToMinor(major decimal.Decimal, currency string) int64 {
	return major.Shift(Exponent(currency)).Round(0).IntPart()
}

// ParseMajor разбирает строку с суммой в основных единицах и возвращает минимальные.
func ParseMajor(s, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("money: некорректная сумма %q: %w", s, err)
	}
	return ToMinor(d, currency), nil
}

// FormatMajor: строковое представление для отправки процессору и показа пользователю.
func FormatMajor(minor int64, currency string) string {
	return ToMajor(minor, currency).StringFixed(Exponent(currency))
}
