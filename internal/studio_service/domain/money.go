package domain

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ToMinorUnits converts a stored major-unit price with round(price*100).
func ToMinorUnits(major float64) int64 {
	return decimal.NewFromFloat(major).Shift(2).Round(0).IntPart()
}

var (
	maxMinorUnits = decimal.NewFromInt(math.MaxInt64)
	minMinorUnits = decimal.NewFromInt(math.MinInt64)
)

// MajorToMinor is ToMinorUnits for values that arrive as decimals (request bodies).
// Amounts whose minor-unit value does not fit in an int64 fail with ErrAmountOutOfRange.
func MajorToMinor(major decimal.Decimal) (int64, error) {
	minor := major.Shift(2).Round(0)
	if minor.GreaterThan(maxMinorUnits) || minor.LessThan(minMinorUnits) {
		return 0, fmt.Errorf("%s: %w", major.String(), ErrAmountOutOfRange)
	}
	return minor.IntPart(), nil
}

// FormatMinorUnits renders 1050 as "$10.50". Currency only picks the symbol.
func FormatMinorUnits(minor int64, currency string) string {
	amount := decimal.New(minor, -2).StringFixed(2)
	switch strings.ToLower(currency) {
	case "", "nzd", "aud", "usd", "cad":
		if strings.HasPrefix(amount, "-") {
			return "-$" + strings.TrimPrefix(amount, "-")
		}
		return "$" + amount
	case "eur":
		return "€" + amount
	case "gbp":
		return "£" + amount
	default:
		return amount + " " + strings.ToUpper(currency)
	}
}
