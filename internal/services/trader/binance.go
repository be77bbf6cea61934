package trader

import (
	"context"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
)

// BinanceTrader submits spot market orders to Binance.
type BinanceTrader struct {
	client *binance.Client
	pricer Pricer
	l      *zap.Logger
}

func NewBinanceTrader(l *zap.Logger, client *binance.Client, pricer Pricer) *BinanceTrader {
	return &BinanceTrader{client: client, pricer: pricer, l: l}
}

func binanceSide(a domain.Action) binance.SideType {
	if a.IsLong() {
		return binance.SideTypeBuy
	}
	return binance.SideTypeSell
}

// SubmitOrder places a market order. Resubmitting the same client order id
// after a lost response returns the fill of the order already on the book.
func (t *BinanceTrader) SubmitOrder(ctx context.Context, o domain.Order) (domain.Fill, error) {
	qty := o.Quantity.RoundFloor(quantityScale)
	if !qty.IsPositive() {
		return domain.Fill{}, errors.Errorf("order quantity %s rounds to zero", o.Quantity.String())
	}

	res, err := t.client.NewCreateOrderService().Symbol(o.Symbol).
		Side(binanceSide(o.Action)).Type(binance.OrderTypeMarket).
		Quantity(qty.String()).
		NewClientOrderID(o.ClientOrderID).
		NewOrderRespType(binance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		if isDuplicateOrder(err) {
			t.l.Warn("binance reports duplicate client order id, fetching existing order",
				zap.String("client_order_id", o.ClientOrderID))
			return t.existingFill(ctx, o)
		}
		return domain.Fill{}, errors.Wrapf(err, "binance create order %s", o.String())
	}

	return fillFromBinance(res.OrderID, res.ExecutedQuantity, res.CummulativeQuoteQuantity)
}

func (t *BinanceTrader) existingFill(ctx context.Context, o domain.Order) (domain.Fill, error) {
	order, err := t.client.NewGetOrderService().
		Symbol(o.Symbol).
		OrigClientOrderID(o.ClientOrderID).
		Do(ctx)
	if err != nil {
		return domain.Fill{}, errors.Wrap(err, "failed to query binance order status")
	}
	return fillFromBinance(order.OrderID, order.ExecutedQuantity, order.CummulativeQuoteQuantity)
}

func fillFromBinance(orderID int64, executed, quote string) (domain.Fill, error) {
	qty, err := decimal.NewFromString(executed)
	if err != nil {
		return domain.Fill{}, errors.Wrap(err, "failed to parse executed quantity")
	}
	notional, err := decimal.NewFromString(quote)
	if err != nil {
		return domain.Fill{}, errors.Wrap(err, "failed to parse quote quantity")
	}

	fill := domain.Fill{VenueOrderID: strconv.FormatInt(orderID, 10), Quantity: qty}
	if qty.IsPositive() {
		fill.Price = notional.Div(qty)
	}
	return fill, nil
}

func isDuplicateOrder(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == -2010 && strings.Contains(strings.ToLower(apiErr.Message), "duplicate")
	}
	return false
}

func (t *BinanceTrader) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return t.pricer.GetPrice(ctx, symbol)
}
