package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Order is a market order sent to a venue.
type Order struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Action        Action          `json:"action"`
	Quantity      decimal.Decimal `json:"quantity"`
	Notional      decimal.Decimal `json:"notional"`
	// Price is the reference price the notional was computed at.
	Price decimal.Decimal `json:"price"`
}

func (o Order) String() string {
	return fmt.Sprintf("%s %s qty=%s notional=%s", o.Action, o.Symbol, o.Quantity.String(), o.Notional.String())
}

// Fill is what the venue reports back for an order.
type Fill struct {
	VenueOrderID string
	Price        decimal.Decimal
	Quantity     decimal.Decimal
}

// Notional is price times quantity.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}

// ExecutionStatus is the final state of an execution.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
)

// PartialFill describes a fill whose notional differs from the request.
type PartialFill struct {
	OriginalAmount decimal.Decimal `json:"original_amount"`
	FilledAmount   decimal.Decimal `json:"filled_amount"`
	FillPercentage decimal.Decimal `json:"fill_percentage"`
	Remaining      decimal.Decimal `json:"remaining"`
}

// ExecutionResult is what the coordinator returns for one order.
type ExecutionResult struct {
	Status         ExecutionStatus
	VenueOrderID   string
	ActualPrice    decimal.Decimal
	ActualQuantity decimal.Decimal
	Attempts       int
	Err            error
	PartialFill    *PartialFill
}

// FilledNotional is the amount actually traded.
func (r ExecutionResult) FilledNotional() decimal.Decimal {
	return r.ActualPrice.Mul(r.ActualQuantity)
}

// ExecutionKind distinguishes opening and closing orders.
type ExecutionKind string

const (
	ExecutionOpen  ExecutionKind = "open"
	ExecutionClose ExecutionKind = "close"
)

// ExecutionRecord is the persisted audit of an execution.
type ExecutionRecord struct {
	ID                string          `json:"id"`
	SessionID         string          `json:"session_id"`
	TradeID           string          `json:"trade_id"`
	Kind              ExecutionKind   `json:"kind"`
	Status            ExecutionStatus `json:"status"`
	VenueOrderID      string          `json:"venue_order_id,omitempty"`
	RequestedNotional decimal.Decimal `json:"requested_notional"`
	ActualPrice       decimal.Decimal `json:"actual_price"`
	ActualQuantity    decimal.Decimal `json:"actual_quantity"`
	Attempts          int             `json:"attempts"`
	Error             string          `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// NewExecutionRecord converts a coordinator result into its audit record.
func NewExecutionRecord(id, sessionID, tradeID string, kind ExecutionKind, requested decimal.Decimal, res ExecutionResult, now time.Time) ExecutionRecord {
	rec := ExecutionRecord{
		ID:                id,
		SessionID:         sessionID,
		TradeID:           tradeID,
		Kind:              kind,
		Status:            res.Status,
		VenueOrderID:      res.VenueOrderID,
		RequestedNotional: requested,
		ActualPrice:       res.ActualPrice,
		ActualQuantity:    res.ActualQuantity,
		Attempts:          res.Attempts,
		CreatedAt:         now,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}
