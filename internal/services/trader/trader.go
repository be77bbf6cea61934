package trader

import (
	"context"

	"github.com/shopspring/decimal"
)

// Pricer defines an interface for getting the price of a symbol.
type Pricer interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// quantityScale is the precision market quantities are floored to before submission.
const quantityScale = 6
