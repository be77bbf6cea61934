package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RegistrationStatus is the lifecycle of an overnight registration.
type RegistrationStatus string

const (
	RegistrationActive     RegistrationStatus = "active"
	RegistrationClosed     RegistrationStatus = "closed"
	RegistrationRolledBack RegistrationStatus = "rolled_back"
)

// OvernightRegistration tracks an open trade that may have to be closed before the daily cutoff.
type OvernightRegistration struct {
	TradeID               string             `json:"trade_id"`
	SessionID             string             `json:"session_id"`
	Symbol                string             `json:"symbol"`
	Action                Action             `json:"action"`
	Entry                 decimal.Decimal    `json:"entry"`
	Target                decimal.Decimal    `json:"target"`
	Stop                  decimal.Decimal    `json:"stop"`
	StakeAmount           decimal.Decimal    `json:"stake_amount"`
	Quantity              decimal.Decimal    `json:"quantity"`
	NodeID                string             `json:"node_id"`
	PreviousNodeID        string             `json:"previous_node_id"`
	OvernightCloseEnabled bool               `json:"overnight_close_enabled"`
	Status                RegistrationStatus `json:"status"`
	RegisteredAt          time.Time          `json:"registered_at"`
	ClosedAt              *time.Time         `json:"closed_at,omitempty"`
	CloseReason           string             `json:"close_reason,omitempty"`
	ClosePrice            decimal.Decimal    `json:"close_price"`
}

// Close moves an active registration to a final status.
func (r *OvernightRegistration) Close(status RegistrationStatus, reason string, price decimal.Decimal, at time.Time) {
	r.Status = status
	r.CloseReason = reason
	r.ClosePrice = price
	r.ClosedAt = &at
}
