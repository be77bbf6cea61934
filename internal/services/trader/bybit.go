package trader

import (
	"context"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
)

// BybitTrader submits spot market orders through the Bybit v5 API.
type BybitTrader struct {
	client *bybit.Client
	pricer Pricer
	l      *zap.Logger
}

func NewBybitTrader(l *zap.Logger, client *bybit.Client, pricer Pricer) *BybitTrader {
	return &BybitTrader{client: client, pricer: pricer, l: l}
}

func (t *BybitTrader) SubmitOrder(ctx context.Context, o domain.Order) (domain.Fill, error) {
	qty := o.Quantity.RoundFloor(quantityScale)
	if !qty.IsPositive() {
		return domain.Fill{}, errors.Errorf("order quantity %s rounds to zero", o.Quantity.String())
	}

	side := bybit.SideSell
	if o.Action.IsLong() {
		side = bybit.SideBuy
	}
	linkID := o.ClientOrderID

	res, err := t.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
		Category:    "spot",
		Symbol:      bybit.SymbolV5(o.Symbol),
		Side:        side,
		OrderType:   bybit.OrderTypeMarket,
		Qty:         qty.String(),
		OrderLinkID: &linkID,
	})
	if err != nil {
		return domain.Fill{}, errors.Wrapf(err, "failed to create %s order", side)
	}

	fill := domain.Fill{VenueOrderID: res.Result.OrderID, Quantity: qty, Price: o.Price}
	executed, err := t.executedFill(res.Result.OrderID)
	if err != nil {
		// the order is accepted; a missing history row must not trigger a resubmit
		t.l.Warn("bybit order history unavailable, assuming full fill at reference price",
			zap.String("order_id", res.Result.OrderID),
			zap.Error(err))
		if !fill.Price.IsPositive() {
			if fill.Price, err = t.pricer.GetPrice(ctx, o.Symbol); err != nil {
				return domain.Fill{}, errors.Wrap(err, "price for bybit fill")
			}
		}
		return fill, nil
	}

	return executed, nil
}

func (t *BybitTrader) executedFill(orderID string) (domain.Fill, error) {
	res, err := t.client.V5().Order().GetHistoryOrders(bybit.V5GetHistoryOrdersParam{
		Category: "spot",
		OrderID:  &orderID,
	})
	if err != nil {
		return domain.Fill{}, errors.Wrap(err, "bybit order history")
	}
	if len(res.Result.List) == 0 {
		return domain.Fill{}, errors.Errorf("order %s not in history", orderID)
	}

	row := res.Result.List[0]
	qty, err := decimal.NewFromString(row.CumExecQty)
	if err != nil {
		return domain.Fill{}, errors.Wrap(err, "failed to parse executed quantity")
	}
	price, err := decimal.NewFromString(row.AvgPrice)
	if err != nil {
		return domain.Fill{}, errors.Wrap(err, "failed to parse average price")
	}

	return domain.Fill{VenueOrderID: orderID, Price: price, Quantity: qty}, nil
}

func (t *BybitTrader) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return t.pricer.GetPrice(ctx, symbol)
}
