package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/storage/simstate"
)

// PaperConfig configures the simulated venue.
type PaperConfig struct {
	Quote          string
	InitialBalance decimal.Decimal
	// FillRatio is the share of each order that gets filled, 1 for full fills.
	FillRatio decimal.Decimal
	StateDir  string
	Scope     string
}

type paperPosition struct {
	// quantity is signed, negative means short
	quantity   decimal.Decimal
	entryPrice decimal.Decimal
	openedAt   time.Time
}

// PaperTrader is an in-memory venue with a quote-currency wallet and signed
// net positions per symbol. State survives restarts through simstate.
type PaperTrader struct {
	mu        sync.Mutex
	l         *zap.Logger
	quote     string
	balance   decimal.Decimal
	positions map[string]*paperPosition
	orders    map[string]domain.Fill
	pricer    Pricer
	fillRatio decimal.Decimal
	store     *simstate.Store
	now       func() time.Time
}

// NewPaperTrader creates a paper venue and restores any persisted wallet.
func NewPaperTrader(l *zap.Logger, pricer Pricer, cfg PaperConfig) (*PaperTrader, error) {
	if l == nil {
		l = zap.NewNop()
	}
	if pricer == nil {
		return nil, errors.New("pricer is required for PaperTrader")
	}
	if cfg.Quote == "" {
		cfg.Quote = "USDT"
	}
	if !cfg.InitialBalance.IsPositive() {
		cfg.InitialBalance = decimal.NewFromInt(10000)
	}
	one := decimal.NewFromInt(1)
	if !cfg.FillRatio.IsPositive() || cfg.FillRatio.GreaterThan(one) {
		cfg.FillRatio = one
	}

	store, err := simstate.NewStore(cfg.StateDir, cfg.Scope)
	if err != nil {
		return nil, errors.Wrap(err, "init paper state store")
	}

	t := &PaperTrader{
		l:         l,
		quote:     cfg.Quote,
		balance:   cfg.InitialBalance,
		positions: make(map[string]*paperPosition),
		orders:    make(map[string]domain.Fill),
		pricer:    pricer,
		fillRatio: cfg.FillRatio,
		store:     store,
		now:       time.Now,
	}
	if err := t.restoreState(); err != nil {
		l.Warn("failed to restore paper state", zap.Error(err))
	}
	l.Info("paper venue init",
		zap.String("quote", t.quote),
		zap.String("balance", t.balance.String()),
		zap.String("fill_ratio", t.fillRatio.String()),
		zap.Int("positions", len(t.positions)))
	return t, nil
}

// SetClock overrides the time source.
func (t *PaperTrader) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// SubmitOrder fills a market order at the order's reference price, or at the
// pricer's price when none is given.
func (t *PaperTrader) SubmitOrder(ctx context.Context, o domain.Order) (domain.Fill, error) {
	if !o.Quantity.IsPositive() {
		return domain.Fill{}, fmt.Errorf("%s quantity must be positive, got %s", o.Action, o.Quantity.String())
	}

	price := o.Price
	if !price.IsPositive() {
		var err error
		price, err = t.pricer.GetPrice(ctx, o.Symbol)
		if err != nil {
			return domain.Fill{}, errors.Wrapf(err, "failed to get price for simulated %s", o.Action)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if fill, ok := t.orders[o.ClientOrderID]; ok && o.ClientOrderID != "" {
		return fill, nil
	}

	qty := o.Quantity.Mul(t.fillRatio)
	signed := qty
	if !o.Action.IsLong() {
		signed = qty.Neg()
	}

	if err := t.apply(o.Symbol, signed, price); err != nil {
		return domain.Fill{}, err
	}

	fill := domain.Fill{VenueOrderID: uuid.NewString(), Price: price, Quantity: qty}
	if o.ClientOrderID != "" {
		t.orders[o.ClientOrderID] = fill
	}
	t.persist()

	t.l.Info("Simulated order executed",
		zap.String("id", o.ClientOrderID),
		zap.String("symbol", o.Symbol),
		zap.String("side", o.Action.String()),
		zap.String("amount", qty.String()),
		zap.String("price", price.String()))
	return fill, nil
}

// apply moves the net position by signed quantity at price and settles cash.
func (t *PaperTrader) apply(symbol string, signed, price decimal.Decimal) error {
	pos := t.positions[symbol]
	current := decimal.Zero
	if pos != nil {
		current = pos.quantity
	}
	next := current.Add(signed)

	increasesExposure := next.Abs().GreaterThan(current.Abs())
	if increasesExposure {
		added := next.Abs().Sub(current.Abs())
		if current.Sign()*next.Sign() < 0 {
			added = next.Abs()
		}
		required := added.Mul(price)
		if signed.IsPositive() && t.balance.LessThan(required) {
			return errors.Errorf("insufficient %s balance: have %s need %s",
				t.quote, t.balance.String(), required.String())
		}
	}

	// buys spend quote, sells receive it
	t.balance = t.balance.Sub(signed.Mul(price))

	switch {
	case next.IsZero():
		delete(t.positions, symbol)
	case pos == nil || current.Sign()*next.Sign() < 0:
		t.positions[symbol] = &paperPosition{quantity: next, entryPrice: price, openedAt: t.now()}
	case increasesExposure:
		notional := pos.entryPrice.Mul(current.Abs()).Add(price.Mul(signed.Abs()))
		pos.entryPrice = notional.Div(next.Abs())
		pos.quantity = next
	default:
		pos.quantity = next
	}
	return nil
}

func (t *PaperTrader) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return t.pricer.GetPrice(ctx, symbol)
}

// Balance returns the free quote balance.
func (t *PaperTrader) Balance() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance
}

// Position returns the signed net quantity and average entry for symbol.
func (t *PaperTrader) Position(symbol string) (decimal.Decimal, decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos := t.positions[symbol]
	if pos == nil {
		return decimal.Zero, decimal.Zero
	}
	return pos.quantity, pos.entryPrice
}

func (t *PaperTrader) restoreState() error {
	state, err := t.store.Load()
	if err != nil || state == nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if state.Quote != "" && state.Quote != t.quote {
		return errors.Errorf("persisted wallet is in %s, configured quote is %s", state.Quote, t.quote)
	}
	balance, err := simstate.ParseDecimal("balance", state.Balance)
	if err != nil {
		return err
	}

	positions := make(map[string]*paperPosition, len(state.Positions))
	for symbol, sp := range state.Positions {
		qty, err := simstate.ParseDecimal(symbol+" quantity", sp.Quantity)
		if err != nil {
			return err
		}
		entry, err := simstate.ParseDecimal(symbol+" entry price", sp.EntryPrice)
		if err != nil {
			return err
		}
		if qty.IsZero() {
			continue
		}
		positions[symbol] = &paperPosition{quantity: qty, entryPrice: entry, openedAt: sp.OpenedAt}
	}

	orders := make(map[string]domain.Fill, len(state.Orders))
	for id, sf := range state.Orders {
		price, err := simstate.ParseDecimal("order price", sf.Price)
		if err != nil {
			return err
		}
		qty, err := simstate.ParseDecimal("order quantity", sf.Quantity)
		if err != nil {
			return err
		}
		orders[id] = domain.Fill{VenueOrderID: sf.VenueOrderID, Price: price, Quantity: qty}
	}

	t.balance = balance
	t.positions = positions
	t.orders = orders
	return nil
}

func (t *PaperTrader) persist() {
	state := simstate.State{
		Quote:     t.quote,
		Balance:   t.balance.String(),
		Positions: make(map[string]simstate.StoredPosition, len(t.positions)),
		Orders:    make(map[string]simstate.StoredFill, len(t.orders)),
		UpdatedAt: t.now(),
	}
	for symbol, pos := range t.positions {
		state.Positions[symbol] = simstate.StoredPosition{
			Quantity:   pos.quantity.String(),
			EntryPrice: pos.entryPrice.String(),
			OpenedAt:   pos.openedAt,
		}
	}
	for id, f := range t.orders {
		state.Orders[id] = simstate.StoredFill{
			VenueOrderID: f.VenueOrderID,
			Price:        f.Price.String(),
			Quantity:     f.Quantity.String(),
		}
	}

	if err := t.store.Save(state); err != nil {
		t.l.Warn("failed to persist paper state", zap.Error(err))
	}
}
