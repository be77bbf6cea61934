// Package workflow drives sessions through the decision graph: signals open
// trades, outcomes move the session along win/loss edges.
package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/metrics"
	"github.com/vadiminshakov/ladder/internal/services/solver"
	"github.com/vadiminshakov/ladder/internal/storage"
)

var (
	// ErrNoStake is returned when sizing produced nothing to trade.
	ErrNoStake = errors.New("computed stake is not positive")

	hundred = decimal.NewFromInt(100)
)

// Intake parses and claims raw payloads.
type Intake interface {
	Accept(ctx context.Context, raw []byte) (domain.TradeSignal, []string, error)
	Release(externalID string)
	ParseOutcome(raw []byte) (domain.Outcome, error)
}

type StakeSolver interface {
	Solve(req solver.Request) (domain.CostCalculationResult, error)
}

type CostModel interface {
	Compute(symbol string, stake, entry, exit decimal.Decimal, action domain.Action, holding domain.HoldingPeriod) domain.CostBreakdown
	SpreadDistance(symbol string) decimal.Decimal
}

type Executor interface {
	Execute(ctx context.Context, o domain.Order) domain.ExecutionResult
}

// EventLog receives session events for the live feed.
type EventLog interface {
	Append(event domain.SessionEvent) (uint64, error)
}

// PriceObserver is told about every accepted signal's entry price.
type PriceObserver interface {
	Observe(symbol string, price decimal.Decimal)
}

type Alerts interface {
	ObserveExecution(symbol string, status domain.ExecutionStatus, err error)
	ObserveDrawdown(sess *domain.Session)
	ObserveRollback(sessionID, reason string)
}

// Config is the sizing policy applied to new trades.
type Config struct {
	InitialCapital     decimal.Decimal
	MaxCapitalFraction decimal.Decimal
	// RiskPercent is used when a signal does not carry its own risk.
	RiskPercent     decimal.Decimal
	MaxOverNominal  decimal.Decimal
	ExpectedHolding time.Duration
	// OvernightClose is the default for signals that do not set overnight_close.
	OvernightClose bool
}

func DefaultConfig() Config {
	return Config{
		InitialCapital:     decimal.NewFromInt(100000),
		MaxCapitalFraction: decimal.RequireFromString("0.5"),
		RiskPercent:        decimal.NewFromInt(1),
		MaxOverNominal:     decimal.RequireFromString("0.10"),
		ExpectedHolding:    4 * time.Hour,
		OvernightClose:     true,
	}
}

// Deps groups the collaborators of the engine.
type Deps struct {
	Graph    *domain.Graph
	Store    storage.SessionStore
	Intake   Intake
	Solver   StakeSolver
	Costs    CostModel
	Executor Executor
	Events   EventLog
	Alerts   Alerts
	Prices   PriceObserver
	Metrics  *metrics.Metrics
}

// Engine serializes work per session; different sessions proceed concurrently.
type Engine struct {
	Deps
	cfg Config
	l   *zap.Logger

	symbolLocks  *keyedMutex
	sessionLocks *keyedMutex

	now   func() time.Time
	newID func() string
}

func New(l *zap.Logger, cfg Config, deps Deps) (*Engine, error) {
	if deps.Graph == nil {
		return nil, errors.New("workflow: graph is required")
	}
	if deps.Store == nil || deps.Intake == nil || deps.Solver == nil || deps.Costs == nil || deps.Executor == nil {
		return nil, errors.New("workflow: store, intake, solver, costs and executor are required")
	}

	def := DefaultConfig()
	if !cfg.InitialCapital.IsPositive() {
		cfg.InitialCapital = def.InitialCapital
	}
	if cfg.MaxOverNominal.IsNegative() {
		cfg.MaxOverNominal = def.MaxOverNominal
	}
	if cfg.ExpectedHolding <= 0 {
		cfg.ExpectedHolding = def.ExpectedHolding
	}

	return &Engine{
		Deps:         deps,
		cfg:          cfg,
		l:            l,
		symbolLocks:  newKeyedMutex(),
		sessionLocks: newKeyedMutex(),
		now:          time.Now,
		newID:        uuid.NewString,
	}, nil
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// GraphNodes exposes the decision table for read APIs.
func (e *Engine) GraphNodes() []domain.DecisionNode {
	return e.Graph.Nodes()
}

// persist writes m through the store. A deferred write is not an error; it
// reports persisted=false.
func (e *Engine) persist(ctx context.Context, m domain.Mutation) (bool, error) {
	err := e.Store.ApplyMutation(context.WithoutCancel(ctx), m)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrPersistenceDeferred) {
		e.l.Warn("session persistence deferred", zap.String("session_id", m.SessionID), zap.Error(err))
		e.publish(domain.SessionEvent{
			Type:      domain.EventPersistDeferred,
			SessionID: m.SessionID,
			Message:   err.Error(),
		})
		return false, nil
	}
	return false, errors.Wrapf(err, "persist session %s", m.SessionID)
}

func (e *Engine) publish(ev domain.SessionEvent) {
	if e.Events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	if _, err := e.Events.Append(ev); err != nil {
		e.l.Warn("failed to publish session event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func sessionEvent(typ domain.SessionEventType, sess *domain.Session) domain.SessionEvent {
	return domain.SessionEvent{
		Type:         typ,
		SessionID:    sess.ID,
		Symbol:       sess.Symbol,
		NodeID:       sess.CurrentNodeID,
		RunningTotal: sess.RunningTotal,
	}
}

// realizedPnL is the signed result of closing trade at exit, after round-trip costs.
func (e *Engine) realizedPnL(trade *domain.OpenTrade, exit decimal.Decimal, closedAt time.Time) decimal.Decimal {
	entry := trade.FillPrice
	if !entry.IsPositive() {
		entry = trade.Entry
	}
	if !entry.IsPositive() || !trade.FilledStake.IsPositive() {
		return decimal.Zero
	}

	gross := trade.Action.Sign().Mul(trade.FilledStake).Mul(exit.Sub(entry)).Div(entry)
	holding := domain.HoldingPeriod{OpenedAt: trade.OpenedAt}
	if closedAt.After(trade.OpenedAt) {
		holding.Duration = closedAt.Sub(trade.OpenedAt)
	}
	costs := e.Costs.Compute(trade.Symbol, trade.FilledStake, entry, exit, trade.Action, holding)
	return gross.Sub(costs.Total)
}

// load reads a session for mutation. Callers hold the session lock.
func (e *Engine) load(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := e.Store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}
