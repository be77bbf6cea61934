package domain

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Action represents the side of a signal.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// ParseAction accepts buy, sell and the long/short aliases.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return ActionBuy, nil
	case "sell", "short":
		return ActionSell, nil
	}
	return "", errors.Errorf("action %q is not one of buy, sell, long, short", s)
}

// Sign is +1 for buy and -1 for sell.
func (a Action) Sign() decimal.Decimal {
	if a == ActionSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the closing side.
func (a Action) Opposite() Action {
	if a == ActionSell {
		return ActionBuy
	}
	return ActionSell
}

// IsLong reports whether the action opens a long position.
func (a Action) IsLong() bool {
	return a == ActionBuy
}

func (a Action) String() string {
	return string(a)
}
