package utils

import (
	"github.com/shopspring/decimal"
)

// CurrencyMinorUnits is the number of decimal places money is rounded to.
const CurrencyMinorUnits int32 = 2

// CalculateLineTotal returns (qty / baseValue) * unitPrice rounded to the currency minor unit.
// A base value of zero or less is treated as 1.
// e.g. price 100 per 500g, qty 1500g => 300
func CalculateLineTotal(qty, baseValue, unitPrice decimal.Decimal) decimal.Decimal {
	if baseValue.LessThanOrEqual(decimal.Zero) {
		baseValue = decimal.NewFromInt(1)
	}
	// multiply first so the division only rounds once
	return qty.Mul(unitPrice).DivRound(baseValue, CurrencyMinorUnits+4).Round(CurrencyMinorUnits)
}

// CalculateBillTotal returns subtotal - discount + additionalCharges, never below zero.
func CalculateBillTotal(subtotal, discount, additionalCharges decimal.Decimal) decimal.Decimal {
	total := subtotal.Sub(discount).Add(additionalCharges).Round(CurrencyMinorUnits)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

// ParseDecimal converts a string to a decimal.Decimal value.
func ParseDecimal(value string) (decimal.Decimal, error) {
	return decimal.NewFromString(value)
}
