package pricer

import (
	"context"

	"github.com/shopspring/decimal"
)

// Pricer returns the latest traded price for a normalized symbol such as BTCUSDT.
type Pricer interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
