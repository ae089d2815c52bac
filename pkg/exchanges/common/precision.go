package common

import "github.com/shopspring/decimal"

// FloorToStep rounds v down to a multiple of step. A zero step leaves v as is.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// CeilToStep rounds v up to a multiple of step.
func CeilToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

// Notional is qty × price in quote currency.
func Notional(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Abs().Mul(price)
}
