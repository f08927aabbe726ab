package escrow

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// FeeFor is the platform's cut of a release, rounded half-up to the minor unit.
// The fee is deducted from the released amount, never added on top.
func FeeFor(amount int64, percent decimal.Decimal) int64 {
	if amount <= 0 || !percent.IsPositive() {
		return 0
	}
	fee := decimal.NewFromInt(amount).Mul(percent).Div(hundred).Round(0).IntPart()
	if fee > amount {
		return amount
	}
	return fee
}
