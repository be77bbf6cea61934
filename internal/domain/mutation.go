package domain

import (
	"time"
)

// Mutation is one atomic write against the session store. Applying the same
// mutation twice leaves the store unchanged.
type Mutation struct {
	SessionID     string                  `json:"session_id"`
	Session       *Session                `json:"session,omitempty"`
	DeleteSession bool                    `json:"delete_session,omitempty"`
	Signals       []SignalRecord          `json:"signals,omitempty"`
	Registrations []OvernightRegistration `json:"registrations,omitempty"`
	Executions    []ExecutionRecord       `json:"executions,omitempty"`
}

// Merge folds a newer mutation for the same session into m.
// The newest session snapshot wins, records accumulate, registrations are keyed by trade.
func (m Mutation) Merge(newer Mutation) Mutation {
	out := Mutation{
		SessionID:     m.SessionID,
		Session:       m.Session,
		DeleteSession: m.DeleteSession,
	}
	if out.SessionID == "" {
		out.SessionID = newer.SessionID
	}
	if newer.Session != nil {
		out.Session = newer.Session
		out.DeleteSession = false
	}
	if newer.DeleteSession {
		out.DeleteSession = true
		out.Session = nil
	}

	seenSig := make(map[string]struct{}, len(m.Signals)+len(newer.Signals))
	for _, s := range append(append([]SignalRecord{}, m.Signals...), newer.Signals...) {
		if _, ok := seenSig[s.ExternalID]; ok {
			continue
		}
		seenSig[s.ExternalID] = struct{}{}
		out.Signals = append(out.Signals, s)
	}

	regIdx := make(map[string]int)
	for _, r := range append(append([]OvernightRegistration{}, m.Registrations...), newer.Registrations...) {
		if i, ok := regIdx[r.TradeID]; ok {
			out.Registrations[i] = r
			continue
		}
		regIdx[r.TradeID] = len(out.Registrations)
		out.Registrations = append(out.Registrations, r)
	}

	seenExec := make(map[string]struct{})
	for _, e := range append(append([]ExecutionRecord{}, m.Executions...), newer.Executions...) {
		if _, ok := seenExec[e.ID]; ok {
			continue
		}
		seenExec[e.ID] = struct{}{}
		out.Executions = append(out.Executions, e)
	}

	return out
}

// CachedMutation is a mutation waiting for the durable store to come back.
type CachedMutation struct {
	SessionID          string    `json:"session_id"`
	Mutation           Mutation  `json:"mutation"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	RetryCount         int       `json:"retry_count"`
	ManualIntervention bool      `json:"manual_intervention"`
	LastError          string    `json:"last_error,omitempty"`
}

// Expired reports whether the entry is older than ttl at now.
func (c CachedMutation) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.CreatedAt) > ttl
}
