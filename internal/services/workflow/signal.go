package workflow

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/services/resilience"
	"github.com/vadiminshakov/ladder/internal/services/solver"
)

// SignalResponse reports what an accepted signal did.
type SignalResponse struct {
	SignalID       string                       `json:"signal_id"`
	SessionID      string                       `json:"session_id"`
	SessionCreated bool                         `json:"session_created"`
	TradeID        string                       `json:"trade_id"`
	NodeID         string                       `json:"node_id"`
	Status         domain.ExecutionStatus       `json:"status"`
	TargetProfit   decimal.Decimal              `json:"target_net_profit"`
	Stake          decimal.Decimal              `json:"stake"`
	FilledStake    decimal.Decimal              `json:"filled_stake"`
	Quantity       decimal.Decimal              `json:"quantity"`
	FillPrice      decimal.Decimal              `json:"fill_price"`
	VenueOrderID   string                       `json:"venue_order_id,omitempty"`
	Attempts       int                          `json:"attempts"`
	Calculation    domain.CostCalculationResult `json:"calculation"`
	PartialFill    *domain.PartialFill          `json:"partial_fill,omitempty"`
	Warnings       []string                     `json:"warnings,omitempty"`
	Persisted      bool                         `json:"persisted"`
}

// HandleSignal validates a raw signal, sizes the stake for the session's
// current node and executes the order. A FAILED execution is recorded and
// returned together with its *domain.ExecutionError.
func (e *Engine) HandleSignal(ctx context.Context, raw []byte) (SignalResponse, error) {
	sig, warnings, err := e.Intake.Accept(ctx, raw)
	if err != nil {
		e.Metrics.Signal(signalRejection(err))
		return SignalResponse{Warnings: warnings}, err
	}
	defer e.Intake.Release(sig.ExternalID)

	if e.Prices != nil {
		e.Prices.Observe(sig.Symbol, sig.Entry)
	}

	resp := SignalResponse{SignalID: sig.ExternalID, TradeID: sig.ExternalID, Warnings: warnings}

	unlockSymbol := e.symbolLocks.Lock(sig.Symbol)
	defer unlockSymbol()

	sess, created, err := e.activeSession(ctx, sig.Symbol)
	if err != nil {
		e.Metrics.Signal("error")
		return resp, err
	}
	resp.SessionID = sess.ID
	resp.SessionCreated = created

	unlockSession := e.sessionLocks.Lock(sess.ID)
	defer unlockSession()

	if !created {
		if sess, err = e.load(ctx, sess.ID); err != nil {
			e.Metrics.Signal("error")
			return resp, err
		}
	}
	if err := e.checkTradable(sess); err != nil {
		e.Metrics.Signal("rejected")
		return resp, err
	}

	node, _ := e.Graph.Node(sess.CurrentNodeID)
	resp.NodeID = node.ID

	calc, targetProfit, err := e.size(sess, node, sig)
	resp.TargetProfit = targetProfit
	resp.Calculation = calc
	resp.Stake = calc.Stake
	resp.Warnings = append(resp.Warnings, calc.Warnings...)
	if err != nil {
		e.Metrics.Signal("rejected")
		return resp, err
	}

	order := domain.Order{
		ClientOrderID: sig.ExternalID,
		Symbol:        sig.Symbol,
		Action:        sig.Action,
		Quantity:      calc.Stake.Div(sig.Entry),
		Notional:      calc.Stake,
		Price:         sig.Entry,
	}
	res := e.Executor.Execute(ctx, order)
	now := e.now()

	if e.Alerts != nil {
		e.Alerts.ObserveExecution(sig.Symbol, res.Status, res.Err)
	}
	resp.Status = res.Status
	resp.Attempts = res.Attempts

	execRecord := domain.NewExecutionRecord(e.newID(), sess.ID, sig.ExternalID, domain.ExecutionOpen, calc.Stake, res, now)
	record := domain.SignalRecord{
		ExternalID: sig.ExternalID,
		SessionID:  sess.ID,
		Symbol:     sig.Symbol,
		Warnings:   resp.Warnings,
		Payload:    string(sig.Raw),
		ReceivedAt: sig.ReceivedAt,
	}

	if res.Status != domain.ExecutionSuccess {
		record.Status = domain.SignalFailed
		m := domain.Mutation{
			SessionID:  sess.ID,
			Signals:    []domain.SignalRecord{record},
			Executions: []domain.ExecutionRecord{execRecord},
		}
		if created {
			m.Session = sess
		}
		persisted, perr := e.persist(ctx, m)
		resp.Persisted = persisted
		if perr != nil {
			e.l.Error("failed to record failed execution", zap.String("session_id", sess.ID), zap.Error(perr))
		}

		ev := sessionEvent(domain.EventTradeFailed, sess)
		ev.TradeID = sig.ExternalID
		ev.Stake = calc.Stake
		ev.Message = errString(res.Err)
		e.publish(ev)
		e.Metrics.Signal("failed")
		return resp, res.Err
	}

	trade := &domain.OpenTrade{
		TradeID:        sig.ExternalID,
		NodeID:         sess.CurrentNodeID,
		Action:         sig.Action,
		Symbol:         sig.Symbol,
		Entry:          sig.Entry,
		Target:         sig.Target,
		Stop:           sig.Stop,
		RequestedStake: calc.Stake,
		FilledStake:    calc.Stake,
		Quantity:       res.ActualQuantity,
		FillPrice:      res.ActualPrice,
		VenueOrderID:   res.VenueOrderID,
		OpenedAt:       now,
	}
	if res.PartialFill != nil {
		resilience.ApplyPartialFill(trade, res.PartialFill)
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("partial fill: %s%% of requested notional filled",
			res.PartialFill.FillPercentage.StringFixed(2)))
	}

	sess.PendingTrade = trade
	sess.Touch(now)

	overnight := e.cfg.OvernightClose
	if sig.OvernightClose != nil {
		overnight = *sig.OvernightClose
	}
	reg := domain.OvernightRegistration{
		TradeID:               trade.TradeID,
		SessionID:             sess.ID,
		Symbol:                trade.Symbol,
		Action:                trade.Action,
		Entry:                 trade.Entry,
		Target:                trade.Target,
		Stop:                  trade.Stop,
		StakeAmount:           trade.FilledStake,
		Quantity:              trade.Quantity,
		NodeID:                trade.NodeID,
		PreviousNodeID:        sess.CurrentNodeID,
		OvernightCloseEnabled: overnight,
		Status:                domain.RegistrationActive,
		RegisteredAt:          now,
	}

	record.Status = domain.SignalExecuted
	record.Warnings = resp.Warnings
	persisted, err := e.persist(ctx, domain.Mutation{
		SessionID:     sess.ID,
		Session:       sess,
		Signals:       []domain.SignalRecord{record},
		Registrations: []domain.OvernightRegistration{reg},
		Executions:    []domain.ExecutionRecord{execRecord},
	})
	if err != nil {
		e.Metrics.Signal("error")
		return resp, err
	}

	resp.Persisted = persisted
	resp.FilledStake = trade.FilledStake
	resp.Quantity = trade.Quantity
	resp.FillPrice = trade.FillPrice
	resp.VenueOrderID = trade.VenueOrderID
	resp.PartialFill = trade.PartialFill

	ev := sessionEvent(domain.EventTradeOpened, sess)
	ev.TradeID = trade.TradeID
	ev.Stake = trade.FilledStake
	e.publish(ev)
	if trade.PartialFill != nil {
		ev.Type = domain.EventPartialFill
		ev.Message = trade.PartialFill.FillPercentage.StringFixed(2) + "% filled"
		e.publish(ev)
	}

	e.Metrics.Signal("accepted")
	e.l.Info("trade opened",
		zap.String("session_id", sess.ID),
		zap.String("trade_id", trade.TradeID),
		zap.String("node", trade.NodeID),
		zap.String("stake", trade.FilledStake.String()),
		zap.Bool("persisted", persisted))

	return resp, nil
}

// activeSession returns the active session for symbol, creating one when none exists.
func (e *Engine) activeSession(ctx context.Context, symbol string) (*domain.Session, bool, error) {
	sess, err := e.Store.FindActiveSession(ctx, symbol)
	if err == nil {
		return sess, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, errors.Wrapf(err, "find session for %s", symbol)
	}

	now := e.now()
	sess = domain.NewSession(e.newID(), fmt.Sprintf("%s %s", symbol, now.UTC().Format("2006-01-02 15:04")),
		symbol, e.Graph.Start(), e.cfg.InitialCapital, now)
	e.l.Info("session created", zap.String("session_id", sess.ID), zap.String("symbol", symbol))
	return sess, true, nil
}

func (e *Engine) checkTradable(sess *domain.Session) error {
	switch {
	case sess.Completed || e.Graph.IsTerminal(sess.CurrentNodeID):
		return errors.Wrapf(domain.ErrSessionCompleted, "session %s", sess.ID)
	case sess.Paused:
		return errors.Wrapf(domain.ErrSessionPaused, "session %s", sess.ID)
	case sess.RequiresManualConfirmation:
		return errors.Wrapf(domain.ErrSessionBlocked, "session %s: %s", sess.ID, sess.BlockReason)
	case sess.PendingTrade != nil:
		return errors.Wrapf(domain.ErrSessionBusy, "session %s waits for trade %s", sess.ID, sess.PendingTrade.TradeID)
	}
	if _, ok := e.Graph.Node(sess.CurrentNodeID); !ok {
		return &domain.InvariantError{SessionID: sess.ID, From: sess.CurrentNodeID, Reason: "current node is not in the graph"}
	}
	return nil
}

// size turns the node percentage into a target net profit and solves for the
// stake under the risk cap.
func (e *Engine) size(sess *domain.Session, node domain.DecisionNode, sig domain.TradeSignal) (domain.CostCalculationResult, decimal.Decimal, error) {
	targetProfit := sess.InitialCapital.Mul(node.StakePercent).Div(hundred)

	ratio, err := solver.Ratio(sig.Entry, sig.Target)
	if err != nil {
		return domain.CostCalculationResult{}, targetProfit, err
	}

	riskPercent := e.cfg.RiskPercent
	if sig.RiskPercent.IsPositive() {
		riskPercent = sig.RiskPercent
	}
	riskCap := solver.RiskCap(solver.Limits{
		Capital:            sess.InitialCapital,
		MaxCapitalFraction: e.cfg.MaxCapitalFraction,
		RiskPercent:        riskPercent,
		MaxOverNominal:     e.cfg.MaxOverNominal,
	}, targetProfit.Div(ratio), sig.Entry, sig.Stop, e.Costs.SpreadDistance(sig.Symbol))

	calc, err := e.Solver.Solve(solver.Request{
		Symbol:          sig.Symbol,
		TargetNetProfit: targetProfit,
		Entry:           sig.Entry,
		Target:          sig.Target,
		Action:          sig.Action,
		MaxRiskCap:      riskCap,
		Holding:         domain.HoldingPeriod{OpenedAt: e.now(), Duration: e.cfg.ExpectedHolding},
	})
	if err != nil {
		return calc, targetProfit, errors.Wrap(err, "solve stake")
	}
	e.Metrics.SolverIterations(calc.Iterations)

	if !calc.Stake.IsPositive() {
		return calc, targetProfit, errors.Wrapf(ErrNoStake, "node %s", node.ID)
	}
	return calc, targetProfit, nil
}

func signalRejection(err error) string {
	if errors.Is(err, domain.ErrDuplicateSignal) {
		return "duplicate"
	}
	return "rejected"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
