package costmodel

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
)

// CommissionSpec is the file form of a commission rule.
type CommissionSpec struct {
	Type    string `mapstructure:"type"`
	Amount  string `mapstructure:"amount"`
	Rate    string `mapstructure:"rate"`
	PerLot  string `mapstructure:"per_lot"`
	LotSize string `mapstructure:"lot_size"`
	Min     string `mapstructure:"min"`
	Max     string `mapstructure:"max"`
}

// SwapSpec is the file form of a swap rule.
type SwapSpec struct {
	LongDailyRate     string   `mapstructure:"long_daily_rate"`
	ShortDailyRate    string   `mapstructure:"short_daily_rate"`
	DailyMultiplier   string   `mapstructure:"daily_multiplier"`
	WeekendMultiplier string   `mapstructure:"weekend_multiplier"`
	HolidayMultiplier string   `mapstructure:"holiday_multiplier"`
	Holidays          []string `mapstructure:"holidays"`
}

// ProfileSpec is one entry of the cost profiles file. Numbers are strings to keep decimal precision.
type ProfileSpec struct {
	Commission       CommissionSpec    `mapstructure:"commission"`
	SpreadPips       string            `mapstructure:"spread_pips"`
	PipSize          string            `mapstructure:"pip_size"`
	SymbolPipSizes   map[string]string `mapstructure:"symbol_pip_sizes"`
	SlippagePips     string            `mapstructure:"slippage_pips"`
	MarketImpactRate string            `mapstructure:"market_impact_rate"`
	RegulatoryRate   string            `mapstructure:"regulatory_rate"`
	ExchangeFeeRate  string            `mapstructure:"exchange_fee_rate"`
	ClearingRate     string            `mapstructure:"clearing_rate"`
	ConversionRate   string            `mapstructure:"conversion_rate"`
	Swap             SwapSpec          `mapstructure:"swap"`
}

type profilesFile struct {
	Profiles map[string]ProfileSpec `mapstructure:"profiles"`
}

func dec(field, s string, def decimal.Decimal) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "invalid %s %q", field, s)
	}
	if d.IsNegative() {
		return decimal.Zero, errors.Errorf("%s must not be negative", field)
	}
	return d, nil
}

// ToProfile validates the file entry and converts it into an immutable profile.
func (s ProfileSpec) ToProfile(name string) (*domain.CostProfile, error) {
	one := decimal.NewFromInt(1)
	p := &domain.CostProfile{
		Name:           name,
		SymbolPipSizes: make(map[string]decimal.Decimal, len(s.SymbolPipSizes)),
	}

	var err error
	fields := []struct {
		name string
		raw  string
		def  decimal.Decimal
		dst  *decimal.Decimal
	}{
		{"commission.amount", s.Commission.Amount, decimal.Zero, &p.Commission.Amount},
		{"commission.rate", s.Commission.Rate, decimal.Zero, &p.Commission.Rate},
		{"commission.per_lot", s.Commission.PerLot, decimal.Zero, &p.Commission.PerLot},
		{"commission.lot_size", s.Commission.LotSize, one, &p.Commission.LotSize},
		{"commission.min", s.Commission.Min, decimal.Zero, &p.Commission.Min},
		{"commission.max", s.Commission.Max, decimal.Zero, &p.Commission.Max},
		{"spread_pips", s.SpreadPips, decimal.Zero, &p.SpreadPips},
		{"pip_size", s.PipSize, one, &p.PipSize},
		{"slippage_pips", s.SlippagePips, decimal.Zero, &p.SlippagePips},
		{"market_impact_rate", s.MarketImpactRate, decimal.Zero, &p.MarketImpactRate},
		{"regulatory_rate", s.RegulatoryRate, decimal.Zero, &p.RegulatoryRate},
		{"exchange_fee_rate", s.ExchangeFeeRate, decimal.Zero, &p.ExchangeFeeRate},
		{"clearing_rate", s.ClearingRate, decimal.Zero, &p.ClearingRate},
		{"conversion_rate", s.ConversionRate, decimal.Zero, &p.ConversionRate},
		{"swap.long_daily_rate", s.Swap.LongDailyRate, decimal.Zero, &p.Swap.LongDailyRate},
		{"swap.short_daily_rate", s.Swap.ShortDailyRate, decimal.Zero, &p.Swap.ShortDailyRate},
		{"swap.daily_multiplier", s.Swap.DailyMultiplier, one, &p.Swap.DailyMultiplier},
		{"swap.weekend_multiplier", s.Swap.WeekendMultiplier, one, &p.Swap.WeekendMultiplier},
		{"swap.holiday_multiplier", s.Swap.HolidayMultiplier, one, &p.Swap.HolidayMultiplier},
	}
	for _, f := range fields {
		if *f.dst, err = dec(f.name, f.raw, f.def); err != nil {
			return nil, errors.Wrapf(err, "profile %s", name)
		}
	}

	switch domain.CommissionType(strings.ToLower(s.Commission.Type)) {
	case domain.CommissionFixed, "":
		p.Commission.Type = domain.CommissionFixed
	case domain.CommissionPercent:
		p.Commission.Type = domain.CommissionPercent
	case domain.CommissionPerLot:
		p.Commission.Type = domain.CommissionPerLot
	default:
		return nil, errors.Errorf("profile %s: unknown commission type %q", name, s.Commission.Type)
	}
	if p.Commission.Max.IsPositive() && p.Commission.Max.LessThan(p.Commission.Min) {
		return nil, errors.Errorf("profile %s: commission max below min", name)
	}

	for sym, raw := range s.SymbolPipSizes {
		ps, err := dec("symbol_pip_sizes."+sym, raw, p.PipSize)
		if err != nil {
			return nil, errors.Wrapf(err, "profile %s", name)
		}
		p.SymbolPipSizes[domain.NormalizeSymbol(sym)] = ps
	}

	if len(s.Swap.Holidays) > 0 {
		p.Swap.Holidays = make(map[string]struct{}, len(s.Swap.Holidays))
		for _, h := range s.Swap.Holidays {
			day, err := time.Parse(time.DateOnly, strings.TrimSpace(h))
			if err != nil {
				return nil, errors.Wrapf(err, "profile %s: holiday %q", name, h)
			}
			p.Swap.Holidays[day.Format(time.DateOnly)] = struct{}{}
		}
	}

	return p, nil
}

func readProfile(v *viper.Viper, name string) (*domain.CostProfile, error) {
	var f profilesFile
	if err := v.Unmarshal(&f, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, errors.Wrap(err, "decode cost profiles")
	}

	spec, ok := f.Profiles[strings.ToLower(name)]
	if !ok {
		return nil, errors.Errorf("cost profile %q not found", name)
	}

	return spec.ToProfile(name)
}

// Watcher keeps a Model in sync with a cost profiles file.
type Watcher struct {
	v     *viper.Viper
	model *Model
	name  string
	l     *zap.Logger
}

// NewWatcher reads the profiles file, installs the named profile into model and
// prepares hot reload.
func NewWatcher(l *zap.Logger, path, profile string, model *Model) (*Watcher, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read cost profiles %s", path)
	}

	p, err := readProfile(v, profile)
	if err != nil {
		return nil, err
	}
	model.Swap(p)

	return &Watcher{v: v, model: model, name: profile, l: l}, nil
}

// Reload re-reads the current file contents and swaps the profile if it is valid.
func (w *Watcher) Reload() error {
	p, err := readProfile(w.v, w.name)
	if err != nil {
		return err
	}
	w.model.Swap(p)
	return nil
}

// Run watches the file until ctx is done. Invalid edits keep the previous profile.
func (w *Watcher) Run(ctx context.Context) error {
	w.v.OnConfigChange(func(evt fsnotify.Event) {
		if err := w.Reload(); err != nil {
			w.l.Error("cost profile reload failed", zap.String("file", evt.Name), zap.Error(err))
			return
		}
		w.l.Info("cost profile reloaded", zap.String("file", evt.Name), zap.String("profile", w.name))
	})
	w.v.WatchConfig()

	<-ctx.Done()
	return nil
}
