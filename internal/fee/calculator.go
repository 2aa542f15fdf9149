// Package fee turns a gross amount and a fee rate into fee and net settlement.
package fee

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places the percentage component is rounded to.
const Precision = 3

var ErrNegativeAmount = errors.New("amount must not be negative")

var hundred = decimal.NewFromInt(100)

// Rate is a percentage plus a flat component charged per order.
type Rate struct {
	Percent decimal.Decimal `json:"percent"`
	Flat    decimal.Decimal `json:"flat"`
}

// Breakdown is the result of applying a Rate.
type Breakdown struct {
	Fee        decimal.Decimal `json:"fee"`
	Settlement decimal.Decimal `json:"settlement"`
}

// ComputeSettlement rounds amount*percent/100 half-up to Precision places,
// adds the flat component and subtracts the fee from amount.
func ComputeSettlement(amount decimal.Decimal, rate Rate) (Breakdown, error) {
	if amount.IsNegative() {
		return Breakdown{}, ErrNegativeAmount
	}
	// decimal.Round rounds half away from zero, which is half-up for non-negative values.
	pct := amount.Mul(rate.Percent).Div(hundred).Round(Precision)
	fee := pct.Add(rate.Flat)
	return Breakdown{
		Fee:        fee,
		Settlement: amount.Sub(fee),
	}, nil
}
