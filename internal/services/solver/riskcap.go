package solver

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Limits configures the maximum stake a single trade may use.
type Limits struct {
	Capital            decimal.Decimal
	MaxCapitalFraction decimal.Decimal
	// RiskPercent is the share of capital that may be lost at the stop, in percent.
	RiskPercent decimal.Decimal
	// MaxOverNominal bounds how far cost compensation may push the stake above nominal.
	MaxOverNominal decimal.Decimal
}

// RiskCap is the smallest of the capital bound, the stop-loss bound and the
// nominal-overshoot bound. Bounds whose inputs are missing are skipped.
func RiskCap(lim Limits, nominal, entry, stop, spreadDistance decimal.Decimal) decimal.Decimal {
	var caps []decimal.Decimal

	if lim.Capital.IsPositive() && lim.MaxCapitalFraction.IsPositive() {
		caps = append(caps, lim.Capital.Mul(lim.MaxCapitalFraction))
	}

	distance := entry.Sub(stop).Abs().Add(spreadDistance)
	if lim.Capital.IsPositive() && lim.RiskPercent.IsPositive() && entry.IsPositive() && distance.IsPositive() {
		budget := lim.Capital.Mul(lim.RiskPercent).Div(hundred)
		caps = append(caps, budget.Mul(entry).Div(distance))
	}

	if nominal.IsPositive() {
		caps = append(caps, nominal.Mul(decimal.NewFromInt(1).Add(lim.MaxOverNominal)))
	}

	if len(caps) == 0 {
		return decimal.Zero
	}

	out := caps[0]
	for _, c := range caps[1:] {
		if c.LessThan(out) {
			out = c
		}
	}
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}
