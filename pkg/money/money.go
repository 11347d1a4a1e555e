// Package money converts integer minor units to display amounts.
package money

import "github.com/shopspring/decimal"

// FromCents converts minor units into a two-place decimal amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Shift(-2)
}

// Format renders cents as a fixed two-decimal string, e.g. 5000 -> "50.00".
func Format(cents int64) string {
	return FromCents(cents).StringFixed(2)
}

// ToCents converts a decimal amount into minor units, rounding half away from zero.
func ToCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
