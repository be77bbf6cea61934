package sessions

import (
	"time"

	"gorm.io/datatypes"
)

type sessionModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	Name          string         `gorm:"column:name"`
	Symbol        string         `gorm:"column:symbol;index"`
	CurrentNodeID string         `gorm:"column:current_node_id"`
	Completed     bool           `gorm:"column:completed;index"`
	Paused        bool           `gorm:"column:paused"`
	Version       int64          `gorm:"column:version"`
	Snapshot      datatypes.JSON `gorm:"column:snapshot;type:TEXT"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at"`
}

func (sessionModel) TableName() string { return "sessions" }

type pathStepModel struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID    string    `gorm:"column:session_id;uniqueIndex:idx_session_seq"`
	Seq          int       `gorm:"column:seq;uniqueIndex:idx_session_seq"`
	Kind         string    `gorm:"column:kind"`
	NodeID       string    `gorm:"column:node_id"`
	NextNodeID   string    `gorm:"column:next_node_id"`
	TradeID      string    `gorm:"column:trade_id"`
	Outcome      string    `gorm:"column:outcome"`
	StakeApplied string    `gorm:"column:stake_applied"`
	SignedResult string    `gorm:"column:signed_result"`
	Note         string    `gorm:"column:note"`
	Timestamp    time.Time `gorm:"column:timestamp"`
}

func (pathStepModel) TableName() string { return "path_steps" }

type signalModel struct {
	ExternalID string         `gorm:"column:external_id;primaryKey"`
	SessionID  string         `gorm:"column:session_id;index"`
	Symbol     string         `gorm:"column:symbol"`
	Status     string         `gorm:"column:status"`
	Warnings   datatypes.JSON `gorm:"column:warnings;type:TEXT"`
	Payload    string         `gorm:"column:payload"`
	ReceivedAt time.Time      `gorm:"column:received_at"`
}

func (signalModel) TableName() string { return "signals" }

type executionModel struct {
	ID                string    `gorm:"column:id;primaryKey"`
	SessionID         string    `gorm:"column:session_id;index"`
	TradeID           string    `gorm:"column:trade_id"`
	Kind              string    `gorm:"column:kind"`
	Status            string    `gorm:"column:status"`
	VenueOrderID      string    `gorm:"column:venue_order_id"`
	RequestedNotional string    `gorm:"column:requested_notional"`
	ActualPrice       string    `gorm:"column:actual_price"`
	ActualQuantity    string    `gorm:"column:actual_quantity"`
	Attempts          int       `gorm:"column:attempts"`
	Error             string    `gorm:"column:error"`
	CreatedAt         time.Time `gorm:"column:created_at"`
}

func (executionModel) TableName() string { return "executions" }

type registrationModel struct {
	TradeID      string         `gorm:"column:trade_id;primaryKey"`
	SessionID    string         `gorm:"column:session_id;index"`
	Symbol       string         `gorm:"column:symbol"`
	Status       string         `gorm:"column:status;index"`
	Data         datatypes.JSON `gorm:"column:data;type:TEXT"`
	RegisteredAt time.Time      `gorm:"column:registered_at"`
}

func (registrationModel) TableName() string { return "overnight_registrations" }
