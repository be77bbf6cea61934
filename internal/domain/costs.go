package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CommissionType selects how commission is charged per leg.
type CommissionType string

const (
	CommissionFixed   CommissionType = "fixed"
	CommissionPercent CommissionType = "percent"
	CommissionPerLot  CommissionType = "per_lot"
)

// CommissionRule describes the commission charged on each leg.
type CommissionRule struct {
	Type    CommissionType
	Amount  decimal.Decimal
	Rate    decimal.Decimal
	PerLot  decimal.Decimal
	LotSize decimal.Decimal
	Min     decimal.Decimal
	// Max of zero disables the upper clamp.
	Max decimal.Decimal
}

// SwapRule describes overnight financing.
type SwapRule struct {
	LongDailyRate     decimal.Decimal
	ShortDailyRate    decimal.Decimal
	DailyMultiplier   decimal.Decimal
	WeekendMultiplier decimal.Decimal
	HolidayMultiplier decimal.Decimal
	Holidays          map[string]struct{}
}

// CostProfile is the immutable per-venue cost configuration.
type CostProfile struct {
	Name             string
	Commission       CommissionRule
	SpreadPips       decimal.Decimal
	PipSize          decimal.Decimal
	SymbolPipSizes   map[string]decimal.Decimal
	SlippagePips     decimal.Decimal
	MarketImpactRate decimal.Decimal
	RegulatoryRate   decimal.Decimal
	ExchangeFeeRate  decimal.Decimal
	ClearingRate     decimal.Decimal
	ConversionRate   decimal.Decimal
	Swap             SwapRule
}

// PipSizeFor returns the price increment for symbol.
func (p *CostProfile) PipSizeFor(symbol string) decimal.Decimal {
	if ps, ok := p.SymbolPipSizes[symbol]; ok {
		return ps
	}
	return p.PipSize
}

// DemoCostProfile is $5 fixed commission per side and a 3 pip spread at pip size 1.
func DemoCostProfile() *CostProfile {
	return &CostProfile{
		Name: "demo",
		Commission: CommissionRule{
			Type:   CommissionFixed,
			Amount: decimal.NewFromInt(5),
		},
		SpreadPips: decimal.NewFromInt(3),
		PipSize:    decimal.NewFromInt(1),
		Swap: SwapRule{
			DailyMultiplier:   decimal.NewFromInt(1),
			WeekendMultiplier: decimal.NewFromInt(1),
			HolidayMultiplier: decimal.NewFromInt(1),
		},
	}
}

// HoldingPeriod is the span a position is expected to stay open.
type HoldingPeriod struct {
	OpenedAt time.Time
	Duration time.Duration
}

// CostBreakdown itemizes round-trip costs.
type CostBreakdown struct {
	Commission   decimal.Decimal `json:"commission"`
	Spread       decimal.Decimal `json:"spread"`
	Slippage     decimal.Decimal `json:"slippage"`
	MarketImpact decimal.Decimal `json:"market_impact"`
	Regulatory   decimal.Decimal `json:"regulatory"`
	Exchange     decimal.Decimal `json:"exchange"`
	Clearing     decimal.Decimal `json:"clearing"`
	Conversion   decimal.Decimal `json:"conversion"`
	Swap         decimal.Decimal `json:"swap"`
	Total        decimal.Decimal `json:"total"`
}

// ZeroCosts returns a breakdown with every term set to zero.
func ZeroCosts() CostBreakdown {
	return CostBreakdown{
		Commission:   decimal.Zero,
		Spread:       decimal.Zero,
		Slippage:     decimal.Zero,
		MarketImpact: decimal.Zero,
		Regulatory:   decimal.Zero,
		Exchange:     decimal.Zero,
		Clearing:     decimal.Zero,
		Conversion:   decimal.Zero,
		Swap:         decimal.Zero,
		Total:        decimal.Zero,
	}
}

// CostCalculationResult is the solver output for one stake computation.
type CostCalculationResult struct {
	TargetNetProfit decimal.Decimal `json:"target_net_profit"`
	NominalStake    decimal.Decimal `json:"nominal_stake"`
	Costs           CostBreakdown   `json:"costs"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	Stake           decimal.Decimal `json:"stake"`
	GrossProfit     decimal.Decimal `json:"gross_profit"`
	NetProfit       decimal.Decimal `json:"net_profit"`
	RiskCap         decimal.Decimal `json:"risk_cap"`
	RiskCapped      bool            `json:"risk_cap_adjusted"`
	Converged       bool            `json:"converged"`
	Iterations      int             `json:"iterations"`
	Warnings        []string        `json:"warnings,omitempty"`
	Errors          []string        `json:"errors,omitempty"`
}
