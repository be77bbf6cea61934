package config

import (
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zapcore"
)

func validate(c *Config) error {
	if _, err := zapcore.ParseLevel(c.App.LogLevel); err != nil {
		return errors.Wrapf(err, "app.log_level")
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Venue.validate(c.Secrets); err != nil {
		return err
	}
	if err := c.Sizing.validate(); err != nil {
		return err
	}
	if err := c.Intake.validate(); err != nil {
		return err
	}
	if err := c.Overnight.validate(); err != nil {
		return err
	}
	return nil
}

func (s *StoreConfig) validate() error {
	switch s.Driver {
	case "sqlite":
		if strings.TrimSpace(s.SQLitePath) == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(s.PostgresDSN) == "" {
			return errors.New("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return errors.Errorf("store.driver must be sqlite or postgres, got %q", s.Driver)
	}
	if s.MaxBackoff < s.InitialBackoff {
		return errors.New("store.max_backoff must not be below store.initial_backoff")
	}
	return nil
}

func (v *VenueConfig) validate(secrets Secrets) error {
	switch v.Kind {
	case "paper":
		if v.PaperFillRatio.GreaterThan(decimal.NewFromInt(1)) {
			return errors.New("venue.paper_fill_ratio must be in (0, 1]")
		}
	case "binance":
		if secrets.BinanceAPIKey == "" || secrets.BinanceAPISecret == "" {
			return errors.New("BINANCE_API_KEY and BINANCE_API_SECRET environment variables must be set")
		}
	case "bybit":
		if secrets.BybitAPIKey == "" || secrets.BybitAPISecret == "" {
			return errors.New("BYBIT_API_KEY and BYBIT_API_SECRET environment variables must be set")
		}
	default:
		return errors.Errorf("venue.kind must be paper, binance or bybit, got %q", v.Kind)
	}
	return nil
}

func (s *SizingConfig) validate() error {
	one := decimal.NewFromInt(1)
	if s.MaxCapitalFraction.GreaterThan(one) {
		return errors.New("sizing.max_capital_fraction must be in (0, 1]")
	}
	if s.RiskPercent.IsNegative() || s.RiskPercent.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("sizing.risk_percent must be in [0, 100]")
	}
	if s.MaxOverNominal.IsNegative() {
		return errors.New("sizing.max_over_nominal must not be negative")
	}
	return nil
}

func (i *IntakeConfig) validate() error {
	switch {
	case i.MinRiskReward.GreaterThan(i.MaxRiskReward):
		return errors.New("intake.min_risk_reward must not exceed intake.max_risk_reward")
	case i.MinRiskPercent.GreaterThan(i.MaxRiskPercent):
		return errors.New("intake.min_risk_percent must not exceed intake.max_risk_percent")
	case i.MinStopDistance.GreaterThan(i.MaxStopDistance):
		return errors.New("intake.min_stop_distance must not exceed intake.max_stop_distance")
	case i.MaxStopDistance.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return errors.New("intake.max_stop_distance must be below 1")
	}
	return nil
}

func (o *OvernightConfig) validate() error {
	if _, err := time.LoadLocation(o.Timezone); err != nil {
		return errors.Wrapf(err, "overnight.timezone %q", o.Timezone)
	}
	if _, err := time.Parse("15:04", o.Cutoff); err != nil {
		return errors.Errorf("overnight.cutoff must be HH:MM, got %q", o.Cutoff)
	}
	if o.Grace >= 24*time.Hour {
		return errors.New("overnight.grace must be shorter than a day")
	}
	return nil
}
