// Package costmodel computes itemized round-trip trading costs from a venue cost profile.
package costmodel

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
)

const legs = 2

var hoursPerDay = decimal.NewFromInt(24)

// Model holds the active cost profile. The profile is replaced wholesale, never edited in place.
type Model struct {
	profile atomic.Pointer[domain.CostProfile]
	l       *zap.Logger
}

// NewModel creates a model with an initial profile.
func NewModel(l *zap.Logger, profile *domain.CostProfile) *Model {
	m := &Model{l: l}
	m.profile.Store(profile)
	return m
}

// Profile returns the currently active profile.
func (m *Model) Profile() *domain.CostProfile {
	return m.profile.Load()
}

// Swap atomically replaces the active profile.
func (m *Model) Swap(p *domain.CostProfile) {
	old := m.profile.Swap(p)
	oldName := ""
	if old != nil {
		oldName = old.Name
	}
	m.l.Info("cost profile swapped", zap.String("from", oldName), zap.String("to", p.Name))
}

// Compute returns the round-trip costs under the active profile.
func (m *Model) Compute(symbol string, stake, entry, exit decimal.Decimal, action domain.Action, holding domain.HoldingPeriod) domain.CostBreakdown {
	return Compute(m.profile.Load(), symbol, stake, entry, exit, action, holding)
}

// SpreadDistance is the price distance of the quoted spread for symbol.
func (m *Model) SpreadDistance(symbol string) decimal.Decimal {
	p := m.profile.Load()
	if p == nil {
		return decimal.Zero
	}
	return p.SpreadPips.Mul(p.PipSizeFor(symbol))
}

// Compute is the pure cost function. Each term is charged on the entry and the exit leg;
// swap is charged on the entry notional for every day held.
func Compute(p *domain.CostProfile, symbol string, stake, entry, exit decimal.Decimal, action domain.Action, holding domain.HoldingPeriod) domain.CostBreakdown {
	out := domain.ZeroCosts()
	if p == nil || !stake.IsPositive() || !entry.IsPositive() {
		return out
	}
	if !exit.IsPositive() {
		exit = entry
	}

	qty := stake.Div(entry)
	notionals := [legs]decimal.Decimal{stake, qty.Mul(exit)}
	pip := p.PipSizeFor(symbol)

	for _, notional := range notionals {
		out.Commission = out.Commission.Add(commission(p.Commission, notional, qty))
		out.Spread = out.Spread.Add(qty.Mul(p.SpreadPips).Mul(pip))
		out.Slippage = out.Slippage.Add(qty.Mul(p.SlippagePips).Mul(pip))
		out.MarketImpact = out.MarketImpact.Add(notional.Mul(p.MarketImpactRate))
		out.Regulatory = out.Regulatory.Add(notional.Mul(p.RegulatoryRate))
		out.Exchange = out.Exchange.Add(notional.Mul(p.ExchangeFeeRate))
		out.Clearing = out.Clearing.Add(notional.Mul(p.ClearingRate))
		out.Conversion = out.Conversion.Add(notional.Mul(p.ConversionRate))
	}

	out.Swap = swap(p.Swap, stake, action, holding)

	out.Total = out.Commission.
		Add(out.Spread).
		Add(out.Slippage).
		Add(out.MarketImpact).
		Add(out.Regulatory).
		Add(out.Exchange).
		Add(out.Clearing).
		Add(out.Conversion).
		Add(out.Swap)

	return out
}

func commission(rule domain.CommissionRule, notional, qty decimal.Decimal) decimal.Decimal {
	var c decimal.Decimal
	switch rule.Type {
	case domain.CommissionFixed:
		c = rule.Amount
	case domain.CommissionPercent:
		c = notional.Mul(rule.Rate)
	case domain.CommissionPerLot:
		lot := rule.LotSize
		if !lot.IsPositive() {
			lot = decimal.NewFromInt(1)
		}
		c = rule.PerLot.Mul(qty.Div(lot))
	default:
		return decimal.Zero
	}

	if c.LessThan(rule.Min) {
		c = rule.Min
	}
	if rule.Max.IsPositive() && c.GreaterThan(rule.Max) {
		c = rule.Max
	}
	return c
}

func swap(rule domain.SwapRule, notional decimal.Decimal, action domain.Action, holding domain.HoldingPeriod) decimal.Decimal {
	rate := rule.LongDailyRate
	if action == domain.ActionSell {
		rate = rule.ShortDailyRate
	}
	if rate.IsZero() || holding.Duration < 24*time.Hour {
		return decimal.Zero
	}

	days := int(decimal.NewFromFloat(holding.Duration.Hours()).Div(hoursPerDay).IntPart())
	weight := decimal.Zero
	for i := 0; i < days; i++ {
		day := holding.OpenedAt.AddDate(0, 0, i)
		switch {
		case isHoliday(rule, day):
			weight = weight.Add(rule.HolidayMultiplier)
		case day.Weekday() == time.Saturday || day.Weekday() == time.Sunday:
			weight = weight.Add(rule.WeekendMultiplier)
		default:
			weight = weight.Add(rule.DailyMultiplier)
		}
	}

	return notional.Mul(rate).Mul(weight)
}

func isHoliday(rule domain.SwapRule, day time.Time) bool {
	if len(rule.Holidays) == 0 {
		return false
	}
	_, ok := rule.Holidays[day.Format(time.DateOnly)]
	return ok
}
