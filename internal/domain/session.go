package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StepKind tags a path history entry.
type StepKind string

const (
	StepTrade        StepKind = "trade"
	StepRollback     StepKind = "rollback"
	StepConfirmation StepKind = "confirmation"
)

// PathStep is one append-only entry of a session's history.
type PathStep struct {
	Seq          int             `json:"seq"`
	Kind         StepKind        `json:"kind"`
	NodeID       string          `json:"node_id"`
	NextNodeID   string          `json:"next_node_id"`
	TradeID      string          `json:"trade_id,omitempty"`
	Action       Action          `json:"action,omitempty"`
	Outcome      Result          `json:"outcome,omitempty"`
	StakeApplied decimal.Decimal `json:"stake_applied"`
	SignedResult decimal.Decimal `json:"signed_result"`
	Timestamp    time.Time       `json:"timestamp"`
	Note         string          `json:"note,omitempty"`
}

// Note is a free-form annotation attached to a session.
type Note struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// OpenTrade is the trade placed at the session's current node and not yet resolved.
type OpenTrade struct {
	TradeID        string          `json:"trade_id"`
	NodeID         string          `json:"node_id"`
	Action         Action          `json:"action"`
	Symbol         string          `json:"symbol"`
	Entry          decimal.Decimal `json:"entry"`
	Target         decimal.Decimal `json:"target"`
	Stop           decimal.Decimal `json:"stop"`
	RequestedStake decimal.Decimal `json:"requested_stake"`
	FilledStake    decimal.Decimal `json:"filled_stake"`
	Quantity       decimal.Decimal `json:"quantity"`
	FillPrice      decimal.Decimal `json:"fill_price"`
	VenueOrderID   string          `json:"venue_order_id"`
	OpenedAt       time.Time       `json:"opened_at"`
	PartialFill    *PartialFill    `json:"partial_fill,omitempty"`
}

// Session tracks one walk through the decision graph.
type Session struct {
	ID                         string          `json:"id"`
	Name                       string          `json:"name"`
	Symbol                     string          `json:"symbol"`
	CurrentNodeID              string          `json:"current_node_id"`
	InitialCapital             decimal.Decimal `json:"initial_capital"`
	RunningTotal               decimal.Decimal `json:"running_total"`
	Path                       []PathStep      `json:"path_history"`
	Notes                      []Note          `json:"notes,omitempty"`
	Completed                  bool            `json:"is_completed"`
	Paused                     bool            `json:"is_paused"`
	RequiresManualConfirmation bool            `json:"requires_manual_confirmation"`
	BlockReason                string          `json:"block_reason,omitempty"`
	PendingTrade               *OpenTrade      `json:"pending_trade,omitempty"`
	Version                    int64           `json:"version"`
	CreatedAt                  time.Time       `json:"created_at"`
	UpdatedAt                  time.Time       `json:"updated_at"`
}

// NewSession creates a session positioned at the graph start.
func NewSession(id, name, symbol, start string, capital decimal.Decimal, now time.Time) *Session {
	return &Session{
		ID:             id,
		Name:           name,
		Symbol:         symbol,
		CurrentNodeID:  start,
		InitialCapital: capital,
		RunningTotal:   decimal.Zero,
		Path:           make([]PathStep, 0),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Active reports whether the session accepts new trades for its symbol.
func (s *Session) Active() bool {
	return !s.Completed && !s.Paused
}

// AppendStep adds an entry and keeps RunningTotal equal to the sum of signed results.
func (s *Session) AppendStep(step PathStep) {
	step.Seq = len(s.Path) + 1
	s.Path = append(s.Path, step)
	s.RunningTotal = s.RunningTotal.Add(step.SignedResult)
}

// PathTotal recomputes the sum of signed results from the history.
func (s *Session) PathTotal() decimal.Decimal {
	total := decimal.Zero
	for _, st := range s.Path {
		total = total.Add(st.SignedResult)
	}
	return total
}

// LastGoodNode is the node the recorded history ends at.
func (s *Session) LastGoodNode(start string) string {
	if len(s.Path) == 0 {
		return start
	}
	return s.Path[len(s.Path)-1].NextNodeID
}

// HasTrade reports whether tradeID was already resolved in this session.
func (s *Session) HasTrade(tradeID string) bool {
	for _, st := range s.Path {
		if st.Kind != StepConfirmation && st.TradeID == tradeID {
			return true
		}
	}
	return false
}

// Touch bumps the version and update time.
func (s *Session) Touch(now time.Time) {
	s.Version++
	s.UpdatedAt = now
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Path = append(make([]PathStep, 0, len(s.Path)), s.Path...)
	if s.Notes != nil {
		c.Notes = append(make([]Note, 0, len(s.Notes)), s.Notes...)
	}
	if s.PendingTrade != nil {
		pt := *s.PendingTrade
		if pt.PartialFill != nil {
			pf := *pt.PartialFill
			pt.PartialFill = &pf
		}
		c.PendingTrade = &pt
	}
	return &c
}

// SessionFilter narrows session listings.
type SessionFilter struct {
	Symbol        string
	OnlyActive    bool
	OnlyCompleted bool
	Limit         int
}
