package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
)

// OutcomeResponse reports the effect of an outcome callback.
type OutcomeResponse struct {
	SessionID                  string          `json:"session_id"`
	TradeID                    string          `json:"trade_id"`
	Outcome                    domain.Result   `json:"outcome"`
	PreviousNodeID             string          `json:"previous_node_id"`
	CurrentNodeID              string          `json:"current_node_id"`
	SignedResult               decimal.Decimal `json:"signed_result"`
	RunningTotal               decimal.Decimal `json:"running_total"`
	Completed                  bool            `json:"is_completed"`
	RequiresManualConfirmation bool            `json:"requires_manual_confirmation"`
	Duplicate                  bool            `json:"duplicate,omitempty"`
	Persisted                  bool            `json:"persisted"`
	Message                    string          `json:"message,omitempty"`
}

// HandleOutcome applies a win/loss callback to the session owning the trade.
// Re-delivery of an already applied trade is a no-op. A transition that fails
// node-jump validation rolls the session back to its last good node, blocks it
// and still succeeds with RequiresManualConfirmation set.
func (e *Engine) HandleOutcome(ctx context.Context, raw []byte) (OutcomeResponse, error) {
	out, err := e.Intake.ParseOutcome(raw)
	if err != nil {
		return OutcomeResponse{}, err
	}

	unlock := e.sessionLocks.Lock(out.SessionID)
	defer unlock()

	sess, err := e.load(ctx, out.SessionID)
	if err != nil {
		return OutcomeResponse{SessionID: out.SessionID, TradeID: out.TradeID}, err
	}

	resp := OutcomeResponse{
		SessionID:                  sess.ID,
		TradeID:                    out.TradeID,
		Outcome:                    out.Result,
		PreviousNodeID:             sess.CurrentNodeID,
		CurrentNodeID:              sess.CurrentNodeID,
		RunningTotal:               sess.RunningTotal,
		Completed:                  sess.Completed,
		RequiresManualConfirmation: sess.RequiresManualConfirmation,
		Persisted:                  true,
	}

	if sess.HasTrade(out.TradeID) {
		resp.Duplicate = true
		resp.Message = "outcome already applied"
		e.l.Info("duplicate outcome ignored", zap.String("session_id", sess.ID), zap.String("trade_id", out.TradeID))
		return resp, nil
	}
	if sess.Completed {
		return resp, errors.Wrapf(domain.ErrSessionCompleted, "session %s", sess.ID)
	}
	trade := sess.PendingTrade
	if trade == nil || trade.TradeID != out.TradeID {
		return resp, errors.Wrapf(domain.ErrUnknownTrade, "trade %s in session %s", out.TradeID, sess.ID)
	}

	from := sess.CurrentNodeID
	next, err := e.Graph.Next(from, out.Result)
	if err != nil {
		return resp, errors.Wrapf(err, "session %s", sess.ID)
	}

	signed := e.signedResult(trade, out)
	resp.SignedResult = signed
	now := e.now()

	if reason := e.validateJump(sess, trade); reason != "" {
		return e.rollbackInvalidJump(ctx, sess, trade, out, signed, next, reason, resp, now)
	}

	sess.AppendStep(domain.PathStep{
		Kind:         domain.StepTrade,
		NodeID:       from,
		NextNodeID:   next,
		TradeID:      trade.TradeID,
		Action:       trade.Action,
		Outcome:      out.Result,
		StakeApplied: trade.FilledStake,
		SignedResult: signed,
		Timestamp:    out.ExitedAt,
		Note:         string(out.ExitReason),
	})
	sess.CurrentNodeID = next
	sess.PendingTrade = nil
	if e.Graph.IsTerminal(next) {
		sess.Completed = true
	}
	sess.Touch(now)

	m := domain.Mutation{SessionID: sess.ID, Session: sess}
	if reg := e.closeRegistration(ctx, trade.TradeID, domain.RegistrationClosed, string(out.ExitReason), out.ExitPrice, now); reg != nil {
		m.Registrations = append(m.Registrations, *reg)
	}

	persisted, err := e.persist(ctx, m)
	if err != nil {
		return resp, err
	}

	resp.Persisted = persisted
	resp.CurrentNodeID = next
	resp.RunningTotal = sess.RunningTotal
	resp.Completed = sess.Completed

	e.Metrics.Transition(string(out.Result))
	ev := sessionEvent(domain.EventTransition, sess)
	ev.NodeID = from
	ev.NextNodeID = next
	ev.TradeID = trade.TradeID
	ev.Stake = trade.FilledStake
	ev.SignedResult = signed
	e.publish(ev)

	if sess.Completed {
		e.Metrics.Completed(next)
		done := sessionEvent(domain.EventCompleted, sess)
		done.Message = "session reached " + next
		e.publish(done)
	}
	if e.Alerts != nil {
		e.Alerts.ObserveDrawdown(sess)
	}

	e.l.Info("session advanced",
		zap.String("session_id", sess.ID),
		zap.String("trade_id", trade.TradeID),
		zap.String("from", from),
		zap.String("to", next),
		zap.String("signed_result", signed.String()),
		zap.String("running_total", sess.RunningTotal.String()),
		zap.Bool("persisted", persisted))

	return resp, nil
}

// signedResult prefers the reported P/L and otherwise prices the exit.
func (e *Engine) signedResult(trade *domain.OpenTrade, out domain.Outcome) decimal.Decimal {
	if out.ProfitLoss != nil {
		return *out.ProfitLoss
	}
	return e.realizedPnL(trade, out.ExitPrice, out.ExitedAt)
}

// validateJump returns a non-empty reason when the transition must not be committed.
func (e *Engine) validateJump(sess *domain.Session, trade *domain.OpenTrade) string {
	lastGood := sess.LastGoodNode(e.Graph.Start())
	switch {
	case trade.NodeID != sess.CurrentNodeID:
		return fmt.Sprintf("trade %s was opened at node %s but session is at %s", trade.TradeID, trade.NodeID, sess.CurrentNodeID)
	case sess.CurrentNodeID != lastGood:
		return fmt.Sprintf("session is at %s but its history ends at %s", sess.CurrentNodeID, lastGood)
	}
	if err := e.Graph.ValidatePath(sess.Path); err != nil {
		return "recorded path is invalid: " + err.Error()
	}
	return ""
}

func (e *Engine) rollbackInvalidJump(
	ctx context.Context,
	sess *domain.Session,
	trade *domain.OpenTrade,
	out domain.Outcome,
	signed decimal.Decimal,
	next, reason string,
	resp OutcomeResponse,
	now time.Time,
) (OutcomeResponse, error) {
	invErr := &domain.InvariantError{SessionID: sess.ID, From: sess.CurrentNodeID, To: next, Reason: reason}
	lastGood := sess.LastGoodNode(e.Graph.Start())

	sess.AppendStep(domain.PathStep{
		Kind:         domain.StepRollback,
		NodeID:       sess.CurrentNodeID,
		NextNodeID:   lastGood,
		TradeID:      trade.TradeID,
		Action:       trade.Action,
		Outcome:      out.Result,
		StakeApplied: trade.FilledStake,
		SignedResult: signed,
		Timestamp:    now,
		Note:         invErr.Error(),
	})
	sess.CurrentNodeID = lastGood
	sess.PendingTrade = nil
	sess.RequiresManualConfirmation = true
	sess.BlockReason = reason
	sess.Touch(now)

	m := domain.Mutation{SessionID: sess.ID, Session: sess}
	if reg := e.closeRegistration(ctx, trade.TradeID, domain.RegistrationClosed, string(out.ExitReason), out.ExitPrice, now); reg != nil {
		m.Registrations = append(m.Registrations, *reg)
	}

	persisted, err := e.persist(ctx, m)
	if err != nil {
		return resp, err
	}

	e.l.Warn("transition rejected, session rolled back",
		zap.String("session_id", sess.ID),
		zap.String("rolled_back_to", lastGood),
		zap.Error(invErr))
	e.Metrics.Rollback("node_jump")
	if e.Alerts != nil {
		e.Alerts.ObserveRollback(sess.ID, reason)
	}
	ev := sessionEvent(domain.EventRollback, sess)
	ev.TradeID = trade.TradeID
	ev.SignedResult = signed
	ev.Message = reason
	e.publish(ev)

	resp.Persisted = persisted
	resp.CurrentNodeID = lastGood
	resp.RunningTotal = sess.RunningTotal
	resp.RequiresManualConfirmation = true
	resp.Message = invErr.Error()
	return resp, nil
}

// closeRegistration moves the trade's registration out of active, if it is still active.
func (e *Engine) closeRegistration(ctx context.Context, tradeID string, status domain.RegistrationStatus, reason string, price decimal.Decimal, now time.Time) *domain.OvernightRegistration {
	reg, err := e.Store.GetRegistration(ctx, tradeID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			e.l.Warn("failed to load overnight registration", zap.String("trade_id", tradeID), zap.Error(err))
		}
		return nil
	}
	if reg.Status != domain.RegistrationActive {
		return nil
	}
	reg.Close(status, reason, price, now)
	return reg
}

// ForcedClose describes an overnight exit executed outside the outcome flow.
type ForcedClose struct {
	Registration domain.OvernightRegistration
	Price        decimal.Decimal
	Reason       string
	Execution    *domain.ExecutionRecord
}

// CloseFunc sends the closing order for reg and reports the exit price and
// the execution record to store. It runs under the session lock.
type CloseFunc func(ctx context.Context, reg domain.OvernightRegistration) (decimal.Decimal, *domain.ExecutionRecord)

// ForceClose closes the trade behind reg and rolls its session back. Under the
// session lock it first reloads the registration; when an outcome already
// closed it, close is never called and ErrRegistrationInactive is returned.
// It runs to completion even if ctx is cancelled.
func (e *Engine) ForceClose(ctx context.Context, reg domain.OvernightRegistration, reason string, closeFn CloseFunc) (*domain.Session, error) {
	ctx = context.WithoutCancel(ctx)

	unlock := e.sessionLocks.Lock(reg.SessionID)
	defer unlock()

	current, err := e.Store.GetRegistration(ctx, reg.TradeID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil, errors.Wrapf(domain.ErrRegistrationInactive, "trade %s", reg.TradeID)
	case err != nil:
		return nil, errors.Wrapf(err, "reload registration %s", reg.TradeID)
	case current.Status != domain.RegistrationActive:
		return nil, errors.Wrapf(domain.ErrRegistrationInactive, "trade %s is %s", reg.TradeID, current.Status)
	}

	price, rec := closeFn(ctx, *current)
	return e.rollbackForcedClose(ctx, ForcedClose{
		Registration: *current,
		Price:        price,
		Reason:       reason,
		Execution:    rec,
	})
}

// rollbackForcedClose returns the session to the registration's previous
// node with the realized P/L on a rollback step, and marks the registration
// rolled_back. The registration is written even when the session cannot be
// loaded, so the guardian never closes the same trade twice. Callers hold the
// session lock.
func (e *Engine) rollbackForcedClose(ctx context.Context, fc ForcedClose) (*domain.Session, error) {
	reg := fc.Registration
	now := e.now()
	reg.Close(domain.RegistrationRolledBack, fc.Reason, fc.Price, now)
	m := domain.Mutation{SessionID: reg.SessionID, Registrations: []domain.OvernightRegistration{reg}}
	if fc.Execution != nil {
		m.Executions = append(m.Executions, *fc.Execution)
	}

	sess, err := e.load(ctx, reg.SessionID)
	if err != nil {
		_, perr := e.persist(ctx, m)
		if errors.Is(err, domain.ErrNotFound) {
			e.l.Warn("forced close for unknown session", zap.String("session_id", reg.SessionID), zap.String("trade_id", reg.TradeID))
			return nil, perr
		}
		if perr != nil {
			e.l.Error("failed to record forced close", zap.String("trade_id", reg.TradeID), zap.Error(perr))
		}
		if e.Alerts != nil {
			e.Alerts.ObserveRollback(reg.SessionID, "forced close recorded without session update: "+err.Error())
		}
		return nil, errors.Wrapf(err, "load session %s after forced close of %s", reg.SessionID, reg.TradeID)
	}

	trade := sess.PendingTrade
	if trade == nil || trade.TradeID != reg.TradeID {
		if _, err := e.persist(ctx, m); err != nil {
			return sess, err
		}
		e.l.Warn("forced close recorded, session no longer holds the trade",
			zap.String("session_id", sess.ID),
			zap.String("trade_id", reg.TradeID))
		return sess, nil
	}

	signed := decimal.Zero
	if fc.Price.IsPositive() {
		signed = e.realizedPnL(trade, fc.Price, now)
	}

	from := sess.CurrentNodeID
	sess.AppendStep(domain.PathStep{
		Kind:         domain.StepRollback,
		NodeID:       from,
		NextNodeID:   reg.PreviousNodeID,
		TradeID:      trade.TradeID,
		Action:       trade.Action,
		StakeApplied: trade.FilledStake,
		SignedResult: signed,
		Timestamp:    now,
		Note:         "overnight close: " + fc.Reason,
	})
	sess.CurrentNodeID = reg.PreviousNodeID
	sess.PendingTrade = nil
	sess.Touch(now)
	m.Session = sess

	if _, err := e.persist(ctx, m); err != nil {
		return sess, err
	}

	ev := sessionEvent(domain.EventForcedClose, sess)
	ev.NodeID = from
	ev.NextNodeID = reg.PreviousNodeID
	ev.TradeID = trade.TradeID
	ev.Stake = trade.FilledStake
	ev.SignedResult = signed
	ev.Message = fc.Reason
	e.publish(ev)

	e.Metrics.Rollback("overnight")
	e.l.Warn("trade force-closed and session rolled back",
		zap.String("session_id", sess.ID),
		zap.String("trade_id", reg.TradeID),
		zap.String("node", sess.CurrentNodeID),
		zap.String("close_price", fc.Price.String()),
		zap.String("reason", fc.Reason))
	return sess, nil
}
