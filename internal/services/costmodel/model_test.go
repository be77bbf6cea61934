package costmodel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCompute_ZeroInputs(t *testing.T) {
	p := domain.DemoCostProfile()

	for _, tc := range []struct {
		name         string
		stake, entry decimal.Decimal
	}{
		{"zero stake", decimal.Zero, d("45000")},
		{"zero entry", d("1000"), decimal.Zero},
		{"negative stake", d("-1"), d("45000")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := Compute(p, "BTCUSDT", tc.stake, tc.entry, d("46000"), domain.ActionBuy, domain.HoldingPeriod{})
			require.True(t, c.Total.IsZero())
			require.True(t, c.Commission.IsZero())
		})
	}
}

func TestCompute_DemoProfile(t *testing.T) {
	p := domain.DemoCostProfile()

	c := Compute(p, "BTCUSDT", d("45000"), d("45000"), d("46000"), domain.ActionBuy, domain.HoldingPeriod{})

	// qty = 1: $5 per leg plus 3 pips per leg.
	require.True(t, c.Commission.Equal(d("10")), c.Commission.String())
	require.True(t, c.Spread.Equal(d("6")), c.Spread.String())
	require.True(t, c.Total.Equal(d("16")), c.Total.String())
}

func TestCompute_CommissionRules(t *testing.T) {
	tests := []struct {
		name string
		rule domain.CommissionRule
		want string
	}{
		{
			name: "percent",
			rule: domain.CommissionRule{Type: domain.CommissionPercent, Rate: d("0.001")},
			// 10000 entry leg + 11000 exit leg
			want: "21",
		},
		{
			name: "percent clamped to max",
			rule: domain.CommissionRule{Type: domain.CommissionPercent, Rate: d("0.001"), Max: d("8")},
			want: "16",
		},
		{
			name: "percent clamped to min",
			rule: domain.CommissionRule{Type: domain.CommissionPercent, Rate: d("0.0001"), Min: d("2")},
			want: "4",
		},
		{
			name: "per lot",
			rule: domain.CommissionRule{Type: domain.CommissionPerLot, PerLot: d("3"), LotSize: d("0.5")},
			// qty 1 is two lots per leg
			want: "12",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &domain.CostProfile{Commission: tt.rule, PipSize: d("1")}
			c := Compute(p, "X", d("10000"), d("10000"), d("11000"), domain.ActionBuy, domain.HoldingPeriod{})
			assert.True(t, c.Commission.Equal(d(tt.want)), "got %s", c.Commission)
			assert.True(t, c.Total.Equal(c.Commission))
		})
	}
}

func TestCompute_RateTermsAndSymbolPip(t *testing.T) {
	p := &domain.CostProfile{
		PipSize:          d("1"),
		SymbolPipSizes:   map[string]decimal.Decimal{"ETHUSDT": d("0.01")},
		SpreadPips:       d("2"),
		SlippagePips:     d("1"),
		MarketImpactRate: d("0.0001"),
		RegulatoryRate:   d("0.0002"),
		ExchangeFeeRate:  d("0.0003"),
		ClearingRate:     d("0.0004"),
		ConversionRate:   d("0.0005"),
	}

	c := Compute(p, "ETHUSDT", d("2000"), d("2000"), d("2000"), domain.ActionBuy, domain.HoldingPeriod{})

	require.True(t, c.Spread.Equal(d("0.04")), c.Spread.String())
	require.True(t, c.Slippage.Equal(d("0.02")), c.Slippage.String())
	require.True(t, c.MarketImpact.Equal(d("0.4")))
	require.True(t, c.Regulatory.Equal(d("0.8")))
	require.True(t, c.Exchange.Equal(d("1.2")))
	require.True(t, c.Clearing.Equal(d("1.6")))
	require.True(t, c.Conversion.Equal(d("2")))
	require.True(t, c.Total.Equal(d("6.06")), c.Total.String())
}

func TestCompute_SwapMultipliers(t *testing.T) {
	p := &domain.CostProfile{
		PipSize: d("1"),
		Swap: domain.SwapRule{
			LongDailyRate:     d("0.001"),
			ShortDailyRate:    d("0.002"),
			DailyMultiplier:   d("1"),
			WeekendMultiplier: d("0"),
			HolidayMultiplier: d("3"),
			Holidays:          map[string]struct{}{"2025-01-03": {}},
		},
	}
	// Thursday 2025-01-02 for four days: Thu (1), Fri holiday (3), Sat (0), Sun (0).
	holding := domain.HoldingPeriod{
		OpenedAt: time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC),
		Duration: 4 * 24 * time.Hour,
	}

	long := Compute(p, "X", d("1000"), d("100"), d("100"), domain.ActionBuy, holding)
	require.True(t, long.Swap.Equal(d("4")), long.Swap.String())

	short := Compute(p, "X", d("1000"), d("100"), d("100"), domain.ActionSell, holding)
	require.True(t, short.Swap.Equal(d("8")), short.Swap.String())

	intraday := Compute(p, "X", d("1000"), d("100"), d("100"), domain.ActionBuy, domain.HoldingPeriod{Duration: time.Hour})
	require.True(t, intraday.Swap.IsZero())
}

func TestModel_SwapAndWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "costs.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	write(`
profiles:
  demo:
    commission:
      type: fixed
      amount: "5"
    spread_pips: "3"
    pip_size: "1"
    symbol_pip_sizes:
      ETHUSDT: "0.01"
`)

	m := NewModel(zap.NewNop(), domain.DemoCostProfile())
	w, err := NewWatcher(zap.NewNop(), path, "demo", m)
	require.NoError(t, err)
	require.True(t, m.Profile().PipSizeFor("ETHUSDT").Equal(d("0.01")))
	require.True(t, m.SpreadDistance("BTCUSDT").Equal(d("3")))

	write(`
profiles:
  demo:
    commission:
      type: percent
      rate: "0.001"
    spread_pips: "1"
`)
	require.NoError(t, w.v.ReadInConfig())
	require.NoError(t, w.Reload())
	require.Equal(t, domain.CommissionPercent, m.Profile().Commission.Type)
	require.True(t, m.SpreadDistance("BTCUSDT").Equal(d("1")))

	write(`
profiles:
  demo:
    commission:
      type: bogus
`)
	require.NoError(t, w.v.ReadInConfig())
	require.Error(t, w.Reload())
	require.Equal(t, domain.CommissionPercent, m.Profile().Commission.Type)
}
