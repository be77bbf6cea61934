package execution

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/metrics"
	"github.com/vadiminshakov/ladder/pkg/circuit"
	"github.com/vadiminshakov/ladder/pkg/retrier"
)

// Venue is a market that accepts orders and quotes prices.
type Venue interface {
	SubmitOrder(ctx context.Context, o domain.Order) (domain.Fill, error)
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

var errVenueUnavailable = errors.New("venue unavailable: circuit open")

var hundred = decimal.NewFromInt(100)

// Config is the retry, breaker and partial fill policy.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// PartialFillThreshold is the relative notional deviation above which a fill is partial.
	PartialFillThreshold decimal.Decimal
	BreakerThreshold     int
	BreakerCooldown      time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:          3,
		InitialBackoff:       5 * time.Second,
		MaxBackoff:           20 * time.Second,
		PartialFillThreshold: decimal.RequireFromString("0.01"),
		BreakerThreshold:     5,
		BreakerCooldown:      30 * time.Second,
	}
}

// Coordinator sends orders to a venue with retries behind a circuit breaker.
type Coordinator struct {
	venue     Venue
	retrier   *retrier.Retrier
	breaker   *circuit.Breaker
	threshold decimal.Decimal
	metrics   *metrics.Metrics
	l         *zap.Logger
}

// New builds a coordinator. Extra retrier options are applied after the
// policy from cfg.
func New(l *zap.Logger, venue Venue, cfg Config, m *metrics.Metrics, opts ...retrier.Option) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff * time.Duration(1<<uint(cfg.MaxAttempts-1))
	}
	if !cfg.PartialFillThreshold.IsPositive() {
		cfg.PartialFillThreshold = def.PartialFillThreshold
	}
	if cfg.BreakerThreshold < 1 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}

	policy := []retrier.Option{
		retrier.WithMaxAttempts(cfg.MaxAttempts),
		retrier.WithInitialInterval(cfg.InitialBackoff),
		retrier.WithMaxInterval(cfg.MaxBackoff),
		retrier.WithMultiplier(2),
		retrier.WithJitter(0),
		retrier.WithRetryIf(domain.IsTransient),
		retrier.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			l.Warn("venue call failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err))
		}),
	}

	return &Coordinator{
		venue:     venue,
		retrier:   retrier.New(append(policy, opts...)...),
		breaker:   circuit.New(l, "venue", cfg.BreakerThreshold, cfg.BreakerCooldown),
		threshold: cfg.PartialFillThreshold,
		metrics:   m,
		l:         l,
	}
}

// Breaker exposes the venue breaker for health reporting.
func (c *Coordinator) Breaker() *circuit.Breaker {
	return c.breaker
}

// Execute submits o and reports the final status. It never returns a Go error:
// failures are carried in ExecutionResult.Err.
func (c *Coordinator) Execute(ctx context.Context, o domain.Order) domain.ExecutionResult {
	var fill domain.Fill
	attempts, err := c.retrier.DoCount(ctx, func(ctx context.Context) error {
		if !c.breaker.Allow() {
			return errVenueUnavailable
		}
		f, err := c.venue.SubmitOrder(ctx, o)
		if err != nil {
			if domain.IsTransient(err) {
				c.breaker.RecordFailure()
			}
			return err
		}
		c.breaker.RecordSuccess()
		if !f.Quantity.IsPositive() {
			return retrier.Permanent(errors.Errorf("venue reported an empty fill for %s", o.ClientOrderID))
		}
		fill = f
		return nil
	})

	if err != nil {
		c.l.Error("execution failed",
			zap.String("order", o.String()),
			zap.String("client_order_id", o.ClientOrderID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		c.metrics.Execution(string(domain.ExecutionFailed), attempts)
		return domain.ExecutionResult{
			Status:   domain.ExecutionFailed,
			Attempts: attempts,
			Err:      &domain.ExecutionError{Attempts: attempts, Err: err},
		}
	}

	res := domain.ExecutionResult{
		Status:         domain.ExecutionSuccess,
		VenueOrderID:   fill.VenueOrderID,
		ActualPrice:    fill.Price,
		ActualQuantity: fill.Quantity,
		Attempts:       attempts,
	}
	res.PartialFill = c.detectPartialFill(o, fill)
	if res.PartialFill != nil {
		c.metrics.PartialFill()
		c.l.Warn("partial fill detected",
			zap.String("client_order_id", o.ClientOrderID),
			zap.String("requested", res.PartialFill.OriginalAmount.String()),
			zap.String("filled", res.PartialFill.FilledAmount.String()),
			zap.String("fill_percentage", res.PartialFill.FillPercentage.StringFixed(2)))
	}

	c.metrics.Execution(string(domain.ExecutionSuccess), attempts)
	c.l.Info("order executed",
		zap.String("client_order_id", o.ClientOrderID),
		zap.String("venue_order_id", fill.VenueOrderID),
		zap.String("price", fill.Price.String()),
		zap.String("quantity", fill.Quantity.String()),
		zap.Int("attempts", attempts))
	return res
}

func (c *Coordinator) detectPartialFill(o domain.Order, fill domain.Fill) *domain.PartialFill {
	requested := o.Notional
	if !requested.IsPositive() {
		requested = o.Quantity.Mul(o.Price)
	}
	if !requested.IsPositive() {
		return nil
	}

	filled := fill.Notional()
	if filled.Sub(requested).Abs().Div(requested).LessThanOrEqual(c.threshold) {
		return nil
	}

	return &domain.PartialFill{
		OriginalAmount: requested,
		FilledAmount:   filled,
		FillPercentage: filled.Div(requested).Mul(hundred),
		Remaining:      requested.Sub(filled),
	}
}

// Close submits the opposite-side market order for an open registration.
func (c *Coordinator) Close(ctx context.Context, reg domain.OvernightRegistration, price decimal.Decimal) domain.ExecutionResult {
	return c.Execute(ctx, domain.Order{
		ClientOrderID: "close-" + reg.TradeID,
		Symbol:        reg.Symbol,
		Action:        reg.Action.Opposite(),
		Quantity:      reg.Quantity,
		Notional:      reg.Quantity.Mul(price),
		Price:         price,
	})
}

// Price asks the venue for the current price under the same retry policy.
func (c *Coordinator) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) (decimal.Decimal, error) {
		return c.venue.GetPrice(ctx, symbol)
	})
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "price for %s", symbol)
	}
	return price, nil
}
