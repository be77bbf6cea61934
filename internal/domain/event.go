package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionEventType enum for session lifecycle events.
type SessionEventType string

const (
	EventTradeOpened     SessionEventType = "trade_opened"
	EventTradeFailed     SessionEventType = "trade_failed"
	EventTransition      SessionEventType = "transition"
	EventRollback        SessionEventType = "rollback"
	EventForcedClose     SessionEventType = "forced_close"
	EventCompleted       SessionEventType = "completed"
	EventConfirmed       SessionEventType = "confirmed"
	EventSessionUpdated  SessionEventType = "session_updated"
	EventSessionDeleted  SessionEventType = "session_deleted"
	EventPartialFill     SessionEventType = "partial_fill"
	EventPersistDeferred SessionEventType = "persist_deferred"
)

// SessionEvent is published on every observable state change.
type SessionEvent struct {
	Type         SessionEventType `json:"type"`
	SessionID    string           `json:"session_id"`
	Symbol       string           `json:"symbol"`
	NodeID       string           `json:"node_id"`
	NextNodeID   string           `json:"next_node_id,omitempty"`
	TradeID      string           `json:"trade_id,omitempty"`
	Stake        decimal.Decimal  `json:"stake"`
	SignedResult decimal.Decimal  `json:"signed_result"`
	RunningTotal decimal.Decimal  `json:"running_total"`
	Message      string           `json:"message,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// SessionEventRecord bundles an event with its log index.
type SessionEventRecord struct {
	Index uint64       `json:"index"`
	Event SessionEvent `json:"event"`
}
