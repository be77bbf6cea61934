package pricer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
)

type observedPrice struct {
	price decimal.Decimal
	at    time.Time
}

// LastPricer remembers the entry price of the latest signal per symbol and
// falls back to another pricer once that observation is older than maxAge.
type LastPricer struct {
	mu       sync.RWMutex
	prices   map[string]observedPrice
	fallback Pricer
	maxAge   time.Duration
	now      func() time.Time
	l        *zap.Logger
}

func NewLastPricer(l *zap.Logger, fallback Pricer, maxAge time.Duration) *LastPricer {
	return &LastPricer{
		prices:   make(map[string]observedPrice),
		fallback: fallback,
		maxAge:   maxAge,
		now:      time.Now,
		l:        l,
	}
}

// SetClock overrides the time source.
func (p *LastPricer) SetClock(now func() time.Time) {
	p.now = now
}

// Observe records a price seen on an inbound signal.
func (p *LastPricer) Observe(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	p.mu.Lock()
	p.prices[domain.NormalizeSymbol(symbol)] = observedPrice{price: price, at: p.now()}
	p.mu.Unlock()
}

func (p *LastPricer) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = domain.NormalizeSymbol(symbol)

	p.mu.RLock()
	obs, ok := p.prices[symbol]
	p.mu.RUnlock()

	fresh := ok && (p.maxAge <= 0 || p.now().Sub(obs.at) <= p.maxAge)
	if fresh {
		return obs.price, nil
	}

	if p.fallback != nil {
		price, err := p.fallback.GetPrice(ctx, symbol)
		if err == nil {
			return price, nil
		}
		if !ok {
			return decimal.Decimal{}, err
		}
		p.l.Warn("fallback pricer failed, using stale signal price",
			zap.String("symbol", symbol),
			zap.String("price", obs.price.String()),
			zap.Error(err))
		return obs.price, nil
	}

	if ok {
		return obs.price, nil
	}

	return decimal.Decimal{}, errors.Wrapf(domain.ErrNotFound, "no price observed for %s", symbol)
}
