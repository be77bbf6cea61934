package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradeSignal is a normalized inbound signal.
type TradeSignal struct {
	ExternalID  string          `json:"id"`
	Action      Action          `json:"action"`
	Symbol      string          `json:"symbol"`
	Timeframe   string          `json:"timeframe"`
	Entry       decimal.Decimal `json:"entry"`
	Target      decimal.Decimal `json:"target"`
	Stop        decimal.Decimal `json:"stop"`
	RiskReward  decimal.Decimal `json:"rr"`
	RiskPercent decimal.Decimal `json:"risk"`
	SignalTime  time.Time       `json:"time"`
	ReceivedAt  time.Time       `json:"received_at"`
	// OvernightClose opts the resulting trade into the overnight guardian.
	OvernightClose *bool  `json:"overnight_close,omitempty"`
	Raw            []byte `json:"-"`
}

// SignalStatus describes what happened to an accepted signal.
type SignalStatus string

const (
	SignalExecuted SignalStatus = "executed"
	SignalFailed   SignalStatus = "failed"
)

// SignalRecord is the durable idempotency key for an externalId.
type SignalRecord struct {
	ExternalID string       `json:"external_id"`
	SessionID  string       `json:"session_id"`
	Symbol     string       `json:"symbol"`
	Status     SignalStatus `json:"status"`
	Warnings   []string     `json:"warnings,omitempty"`
	Payload    string       `json:"payload"`
	ReceivedAt time.Time    `json:"received_at"`
}

// NormalizeSymbol strips an exchange prefix and separators, e.g. "BINANCE:btc/usdt" -> "BTCUSDT".
func NormalizeSymbol(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.NewReplacer("/", "", "-", "", "_", "", " ", "").Replace(s)
	return strings.ToUpper(s)
}
