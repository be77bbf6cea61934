package app

import (
	binance "github.com/adshao/go-binance/v2"
	bybit "github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/config"
	"github.com/vadiminshakov/ladder/internal/clients"
	"github.com/vadiminshakov/ladder/internal/services/execution"
	"github.com/vadiminshakov/ladder/internal/services/pricer"
	"github.com/vadiminshakov/ladder/internal/services/trader"
)

// venueProvider builds the platform specific venue and its quote source.
type venueProvider interface {
	// Pricer is the exchange quote used when no fresh signal price exists.
	Pricer() pricer.Pricer
	Venue(prices *pricer.LastPricer) (execution.Venue, error)
}

// newVenueProvider is the single point of truth for dispatching to platform-specific implementations.
func newVenueProvider(l *zap.Logger, cfg *config.Config) (venueProvider, error) {
	v := cfg.Venue
	switch v.Kind {
	case "binance":
		return &binanceProvider{
			client: clients.NewBinanceClient(cfg.Secrets.BinanceAPIKey, cfg.Secrets.BinanceAPISecret, v.Testnet),
			l:      l,
		}, nil
	case "bybit":
		return &bybitProvider{
			client: clients.NewBybitClient(cfg.Secrets.BybitAPIKey, cfg.Secrets.BybitAPISecret, v.Testnet),
			l:      l,
		}, nil
	case "paper":
		return &paperProvider{
			client: clients.NewPublicBinanceClient(),
			cfg:    trader.PaperConfig{
				Quote:          v.Quote,
				InitialBalance: v.PaperBalance,
				FillRatio:      v.PaperFillRatio,
				StateDir:       v.PaperStateDir,
				Scope:          "paper",
			},
			l: l,
		}, nil
	default:
		return nil, errors.Errorf("unsupported venue kind: %s", v.Kind)
	}
}

type binanceProvider struct {
	client *binance.Client
	l      *zap.Logger
}

func (p *binanceProvider) Pricer() pricer.Pricer {
	return pricer.NewBinancePricer(p.client)
}

func (p *binanceProvider) Venue(prices *pricer.LastPricer) (execution.Venue, error) {
	return trader.NewBinanceTrader(p.l.With(zap.String("venue", "binance")), p.client, prices), nil
}

type bybitProvider struct {
	client *bybit.Client
	l      *zap.Logger
}

func (p *bybitProvider) Pricer() pricer.Pricer {
	return pricer.NewBybitPricer(p.client)
}

func (p *bybitProvider) Venue(prices *pricer.LastPricer) (execution.Venue, error) {
	return trader.NewBybitTrader(p.l.With(zap.String("venue", "bybit")), p.client, prices), nil
}

// paperProvider fills orders in memory and quotes from public Binance data.
type paperProvider struct {
	client *binance.Client
	cfg    trader.PaperConfig
	l      *zap.Logger
}

func (p *paperProvider) Pricer() pricer.Pricer {
	return pricer.NewBinancePricer(p.client)
}

func (p *paperProvider) Venue(prices *pricer.LastPricer) (execution.Venue, error) {
	return trader.NewPaperTrader(p.l.With(zap.String("venue", "paper")), prices, p.cfg)
}
