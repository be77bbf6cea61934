package config

import (
	"time"

	"github.com/shopspring/decimal"
)

type keySet map[string]struct{}

func (k keySet) has(key string) bool {
	_, ok := k[key]
	return ok
}

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults()
	c.Store.applyDefaults(c.App.DataDir)
	c.Resilience.applyDefaults(c.App.DataDir)
	c.Venue.applyDefaults(c.App.DataDir)
	c.Execution.applyDefaults()
	c.Sizing.applyDefaults(keys)
	c.Intake.applyDefaults()
	c.Overnight.applyDefaults(keys)
	c.Alerting.applyDefaults()
}

func (a *AppConfig) applyDefaults() {
	if a.LogLevel == "" {
		a.LogLevel = "info"
	}
	if a.HTTPAddr == "" {
		a.HTTPAddr = ":8080"
	}
	if a.DataDir == "" {
		a.DataDir = "./data"
	}
}

func (s *StoreConfig) applyDefaults(dataDir string) {
	if s.Driver == "" {
		s.Driver = "sqlite"
	}
	if s.SQLitePath == "" {
		s.SQLitePath = dataDir + "/ladder.db"
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.InitialBackoff <= 0 {
		s.InitialBackoff = 200 * time.Millisecond
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = 2 * time.Second
	}
}

func (r *ResilienceConfig) applyDefaults(dataDir string) {
	if r.CacheDir == "" {
		r.CacheDir = dataDir + "/mutations"
	}
	if r.EventsDir == "" {
		r.EventsDir = dataDir + "/events"
	}
	if r.MaxRetries <= 0 {
		r.MaxRetries = 3
	}
	if r.TTL <= 0 {
		r.TTL = time.Hour
	}
	if r.ReconcileInterval <= 0 {
		r.ReconcileInterval = time.Minute
	}
}

func (v *VenueConfig) applyDefaults(dataDir string) {
	if v.Kind == "" {
		v.Kind = "paper"
	}
	if v.Quote == "" {
		v.Quote = "USDT"
	}
	if v.CostProfile == "" {
		v.CostProfile = "demo"
	}
	if !v.PaperBalance.IsPositive() {
		v.PaperBalance = decimal.NewFromInt(100000)
	}
	if !v.PaperFillRatio.IsPositive() {
		v.PaperFillRatio = decimal.NewFromInt(1)
	}
	if v.PaperStateDir == "" {
		v.PaperStateDir = dataDir + "/paper"
	}
	if v.PriceMaxAge <= 0 {
		v.PriceMaxAge = 5 * time.Minute
	}
}

func (e *ExecutionConfig) applyDefaults() {
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = 3
	}
	if e.InitialBackoff <= 0 {
		e.InitialBackoff = 5 * time.Second
	}
	if e.MaxBackoff <= 0 {
		e.MaxBackoff = 20 * time.Second
	}
	if !e.PartialFillThreshold.IsPositive() {
		e.PartialFillThreshold = decimal.RequireFromString("0.01")
	}
	if e.BreakerThreshold <= 0 {
		e.BreakerThreshold = 5
	}
	if e.BreakerCooldown <= 0 {
		e.BreakerCooldown = 30 * time.Second
	}
}

func (s *SizingConfig) applyDefaults(keys keySet) {
	if !s.InitialCapital.IsPositive() {
		s.InitialCapital = decimal.NewFromInt(100000)
	}
	if !s.MaxCapitalFraction.IsPositive() {
		s.MaxCapitalFraction = decimal.RequireFromString("0.5")
	}
	if !keys.has("sizing.risk_percent") {
		s.RiskPercent = decimal.NewFromInt(1)
	}
	if !keys.has("sizing.max_over_nominal") {
		s.MaxOverNominal = decimal.RequireFromString("0.10")
	}
	if s.ExpectedHolding <= 0 {
		s.ExpectedHolding = 4 * time.Hour
	}
	if !keys.has("sizing.overnight_close") {
		s.OvernightClose = true
	}
	if s.SolverMaxIter <= 0 {
		s.SolverMaxIter = 10
	}
	if !s.SolverTolerance.IsPositive() {
		s.SolverTolerance = decimal.RequireFromString("0.01")
	}
}

func (i *IntakeConfig) applyDefaults() {
	if i.MaxAge <= 0 {
		i.MaxAge = 24 * time.Hour
	}
	if i.StaleAfter <= 0 {
		i.StaleAfter = 5 * time.Minute
	}
	if i.MaxFutureSkew <= 0 {
		i.MaxFutureSkew = time.Minute
	}
	if !i.RRTolerance.IsPositive() {
		i.RRTolerance = decimal.RequireFromString("0.10")
	}
	if !i.MinRiskReward.IsPositive() {
		i.MinRiskReward = decimal.NewFromInt(1)
	}
	if !i.MaxRiskReward.IsPositive() {
		i.MaxRiskReward = decimal.NewFromInt(10)
	}
	if !i.MinRiskPercent.IsPositive() {
		i.MinRiskPercent = decimal.RequireFromString("0.1")
	}
	if !i.MaxRiskPercent.IsPositive() {
		i.MaxRiskPercent = decimal.NewFromInt(5)
	}
	if !i.MinStopDistance.IsPositive() {
		i.MinStopDistance = decimal.RequireFromString("0.001")
	}
	if !i.MaxStopDistance.IsPositive() {
		i.MaxStopDistance = decimal.RequireFromString("0.10")
	}
}

func (o *OvernightConfig) applyDefaults(keys keySet) {
	if !keys.has("overnight.enabled") {
		o.Enabled = true
	}
	if o.Cutoff == "" {
		o.Cutoff = "03:00"
	}
	if o.Timezone == "" {
		o.Timezone = "UTC"
	}
	if o.Grace <= 0 {
		o.Grace = 15 * time.Minute
	}
	if !o.ProximityPercent.IsPositive() {
		o.ProximityPercent = decimal.RequireFromString("0.5")
	}
	if o.MaxOpen <= 0 {
		o.MaxOpen = 4 * time.Hour
	}
	if o.MinToCutoff <= 0 {
		o.MinToCutoff = 30 * time.Minute
	}
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
}

func (a *AlertingConfig) applyDefaults() {
	if a.Cooldown <= 0 {
		a.Cooldown = 15 * time.Minute
	}
	if a.SendTimeout <= 0 {
		a.SendTimeout = 10 * time.Second
	}
	if a.ExecutionFailureThreshold <= 0 {
		a.ExecutionFailureThreshold = 3
	}
	if a.CacheSizeThreshold <= 0 {
		a.CacheSizeThreshold = 10
	}
	if !a.DrawdownPercent.IsPositive() {
		a.DrawdownPercent = decimal.NewFromInt(3)
	}
}
