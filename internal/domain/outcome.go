package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExitReason tells why a trade was closed.
type ExitReason string

const (
	ExitTargetReached ExitReason = "target_reached"
	ExitStopReached   ExitReason = "stop_reached"
	ExitManualClose   ExitReason = "manual_close"
	ExitPartialFill   ExitReason = "partial_fill"
)

// Valid reports whether r is a known exit reason.
func (r ExitReason) Valid() bool {
	switch r {
	case ExitTargetReached, ExitStopReached, ExitManualClose, ExitPartialFill:
		return true
	}
	return false
}

// Outcome is the callback reporting a resolved trade.
type Outcome struct {
	TradeID    string           `json:"trade_id"`
	SessionID  string           `json:"session_id"`
	Result     Result           `json:"result"`
	ExitPrice  decimal.Decimal  `json:"exit_price"`
	ProfitLoss *decimal.Decimal `json:"profit_loss,omitempty"`
	ExitReason ExitReason       `json:"exit_reason"`
	ExitedAt   time.Time        `json:"exited_at"`
}
