// Package config loads the service configuration from YAML with LADDER_*
// environment overrides.
package config

import (
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	EnvPrefix         = "LADDER"
	EnvConfigPath     = "LADDER_CONFIG"
	DefaultConfigPath = "configs/config.yaml"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Store      StoreConfig      `mapstructure:"store"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Venue      VenueConfig      `mapstructure:"venue"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Sizing     SizingConfig     `mapstructure:"sizing"`
	Intake     IntakeConfig     `mapstructure:"intake"`
	Graph      GraphConfig      `mapstructure:"graph"`
	Overnight  OvernightConfig  `mapstructure:"overnight"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`

	// Secrets never come from the file.
	Secrets Secrets `mapstructure:"-"`
}

type AppConfig struct {
	LogLevel string `mapstructure:"log_level"`
	HTTPAddr string `mapstructure:"http_addr"`
	DataDir  string `mapstructure:"data_dir"`
}

type StoreConfig struct {
	// Driver is sqlite or postgres.
	Driver         string        `mapstructure:"driver"`
	SQLitePath     string        `mapstructure:"sqlite_path"`
	PostgresDSN    string        `mapstructure:"postgres_dsn"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type ResilienceConfig struct {
	CacheDir          string        `mapstructure:"cache_dir"`
	EventsDir         string        `mapstructure:"events_dir"`
	MaxRetries        int           `mapstructure:"max_retries"`
	TTL               time.Duration `mapstructure:"ttl"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type VenueConfig struct {
	// Kind is paper, binance or bybit.
	Kind             string          `mapstructure:"kind"`
	Testnet          bool            `mapstructure:"testnet"`
	Quote            string          `mapstructure:"quote"`
	CostProfilesPath string          `mapstructure:"cost_profiles_path"`
	CostProfile      string          `mapstructure:"cost_profile"`
	PaperBalance     decimal.Decimal `mapstructure:"paper_balance"`
	PaperFillRatio   decimal.Decimal `mapstructure:"paper_fill_ratio"`
	PaperStateDir    string          `mapstructure:"paper_state_dir"`
	// PriceMaxAge bounds how long a signal entry price may stand in for a venue quote.
	PriceMaxAge time.Duration `mapstructure:"price_max_age"`
}

type ExecutionConfig struct {
	MaxAttempts          int             `mapstructure:"max_attempts"`
	InitialBackoff       time.Duration   `mapstructure:"initial_backoff"`
	MaxBackoff           time.Duration   `mapstructure:"max_backoff"`
	PartialFillThreshold decimal.Decimal `mapstructure:"partial_fill_threshold"`
	BreakerThreshold     int             `mapstructure:"breaker_threshold"`
	BreakerCooldown      time.Duration   `mapstructure:"breaker_cooldown"`
}

type SizingConfig struct {
	InitialCapital     decimal.Decimal `mapstructure:"initial_capital"`
	MaxCapitalFraction decimal.Decimal `mapstructure:"max_capital_fraction"`
	RiskPercent        decimal.Decimal `mapstructure:"risk_percent"`
	MaxOverNominal     decimal.Decimal `mapstructure:"max_over_nominal"`
	ExpectedHolding    time.Duration   `mapstructure:"expected_holding"`
	OvernightClose     bool            `mapstructure:"overnight_close"`
	SolverMaxIter      int             `mapstructure:"solver_max_iterations"`
	SolverTolerance    decimal.Decimal `mapstructure:"solver_tolerance"`
}

type IntakeConfig struct {
	MaxAge         time.Duration   `mapstructure:"max_age"`
	StaleAfter     time.Duration   `mapstructure:"stale_after"`
	MaxFutureSkew  time.Duration   `mapstructure:"max_future_skew"`
	RRTolerance    decimal.Decimal `mapstructure:"rr_tolerance"`
	MinRiskReward  decimal.Decimal `mapstructure:"min_risk_reward"`
	MaxRiskReward  decimal.Decimal `mapstructure:"max_risk_reward"`
	MinRiskPercent decimal.Decimal `mapstructure:"min_risk_percent"`
	MaxRiskPercent decimal.Decimal `mapstructure:"max_risk_percent"`
	// Stop distances are fractions of the entry price.
	MinStopDistance decimal.Decimal `mapstructure:"min_stop_distance"`
	MaxStopDistance decimal.Decimal `mapstructure:"max_stop_distance"`
}

type GraphConfig struct {
	// Path to a YAML graph table; empty uses the built-in table.
	Path string `mapstructure:"path"`
}

type OvernightConfig struct {
	Enabled          bool            `mapstructure:"enabled"`
	Cutoff           string          `mapstructure:"cutoff"`
	Timezone         string          `mapstructure:"timezone"`
	Grace            time.Duration   `mapstructure:"grace"`
	ProximityPercent decimal.Decimal `mapstructure:"proximity_percent"`
	MaxOpen          time.Duration   `mapstructure:"max_open"`
	MinToCutoff      time.Duration   `mapstructure:"min_to_cutoff"`
	Interval         time.Duration   `mapstructure:"interval"`
	Concurrency      int             `mapstructure:"concurrency"`
}

type AlertingConfig struct {
	Cooldown                  time.Duration   `mapstructure:"cooldown"`
	SendTimeout               time.Duration   `mapstructure:"send_timeout"`
	ExecutionFailureThreshold int             `mapstructure:"execution_failure_threshold"`
	CacheSizeThreshold        int             `mapstructure:"cache_size_threshold"`
	DrawdownPercent           decimal.Decimal `mapstructure:"drawdown_percent"`
	TelegramChatID            string          `mapstructure:"telegram_chat_id"`
}

// Secrets are read from the process environment only.
type Secrets struct {
	BinanceAPIKey    string
	BinanceAPISecret string
	BybitAPIKey      string
	BybitAPISecret   string
	TelegramToken    string
}

// Load reads path (falling back to LADDER_CONFIG and the default path),
// applies LADDER_* overrides, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	path = ResolvePath(path)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			decimalHook(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}

	keys := make(keySet)
	for _, k := range v.AllKeys() {
		if v.IsSet(k) {
			keys[k] = struct{}{}
		}
	}
	cfg.applyDefaults(keys)
	cfg.Secrets = secretsFromEnv()

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePath picks the explicit path, then LADDER_CONFIG, then the default.
func ResolvePath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultConfigPath
}

func secretsFromEnv() Secrets {
	return Secrets{
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),
		BybitAPIKey:      os.Getenv("BYBIT_API_KEY"),
		BybitAPISecret:   os.Getenv("BYBIT_API_SECRET"),
		TelegramToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook turns YAML strings and numbers into decimal.Decimal.
func decimalHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return decimal.Zero, nil
			}
			d, err := decimal.NewFromString(strings.TrimSpace(v))
			if err != nil {
				return nil, errors.Wrapf(err, "invalid decimal %q", v)
			}
			return d, nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		case decimal.Decimal:
			return v, nil
		}
		return data, nil
	}
}

// bindEnvs registers every mapstructure key so AutomaticEnv also covers keys
// absent from the file.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct && f.Type != decimalType {
			bindEnvs(v, f.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}
