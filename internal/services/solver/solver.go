// Package solver finds the stake whose net profit after costs hits a target.
package solver

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
)

const (
	DefaultMaxIterations = 10
)

var DefaultTolerance = decimal.RequireFromString("0.01")

type costModel interface {
	Compute(symbol string, stake, entry, exit decimal.Decimal, action domain.Action, holding domain.HoldingPeriod) domain.CostBreakdown
}

// Request is the input of one stake computation.
type Request struct {
	Symbol          string
	TargetNetProfit decimal.Decimal
	Entry           decimal.Decimal
	Target          decimal.Decimal
	Action          domain.Action
	MaxRiskCap      decimal.Decimal
	Holding         domain.HoldingPeriod
}

// Solver runs the fixed-point stake iteration.
type Solver struct {
	costs         costModel
	l             *zap.Logger
	tolerance     decimal.Decimal
	maxIterations int
}

type Option func(*Solver)

func WithTolerance(tol decimal.Decimal) Option {
	return func(s *Solver) { s.tolerance = tol }
}

func WithMaxIterations(n int) Option {
	return func(s *Solver) { s.maxIterations = n }
}

func New(l *zap.Logger, costs costModel, opts ...Option) *Solver {
	s := &Solver{
		costs:         costs,
		l:             l,
		tolerance:     DefaultTolerance,
		maxIterations: DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ratio is the relative price move from entry to target.
func Ratio(entry, target decimal.Decimal) (decimal.Decimal, error) {
	if !entry.IsPositive() {
		return decimal.Zero, errors.New("entry price must be positive")
	}
	ratio := target.Sub(entry).Abs().Div(entry)
	if ratio.IsZero() {
		return decimal.Zero, domain.ErrZeroPriceMove
	}
	return ratio, nil
}

// Solve returns a stake whose net profit is within tolerance of the target, or the
// risk cap when the cap binds. The stake is never negative and never above the cap.
func (s *Solver) Solve(req Request) (domain.CostCalculationResult, error) {
	res := domain.CostCalculationResult{
		TargetNetProfit: req.TargetNetProfit,
		RiskCap:         req.MaxRiskCap,
		Costs:           domain.ZeroCosts(),
	}

	if !req.TargetNetProfit.IsPositive() {
		return res, errors.New("target net profit must be positive")
	}
	if !req.MaxRiskCap.IsPositive() {
		return res, errors.New("max risk cap must be positive")
	}

	ratio, err := Ratio(req.Entry, req.Target)
	if err != nil {
		return res, err
	}

	stake := req.TargetNetProfit.Div(ratio)
	res.NominalStake = stake

	eval := func(stake decimal.Decimal) (domain.CostBreakdown, decimal.Decimal, decimal.Decimal) {
		costs := s.costs.Compute(req.Symbol, stake, req.Entry, req.Target, req.Action, req.Holding)
		gross := stake.Mul(ratio)
		return costs, gross, gross.Sub(costs.Total)
	}
	finish := func(stake decimal.Decimal) domain.CostCalculationResult {
		costs, gross, net := eval(stake)
		res.Stake = stake
		res.Costs = costs
		res.TotalCost = costs.Total
		res.GrossProfit = gross
		res.NetProfit = net
		return res
	}

	if stake.GreaterThan(req.MaxRiskCap) {
		res.RiskCapped = true
		res.Warnings = append(res.Warnings, fmt.Sprintf("nominal stake %s exceeds risk cap %s", stake.StringFixed(2), req.MaxRiskCap.StringFixed(2)))
		return finish(req.MaxRiskCap), nil
	}

	best := stake
	bestDiff := decimal.Decimal{}
	haveBest := false

	for i := 1; i <= s.maxIterations; i++ {
		res.Iterations = i
		_, _, net := eval(stake)
		diff := net.Sub(req.TargetNetProfit).Abs()

		s.l.Debug("stake iteration",
			zap.Int("iteration", i),
			zap.String("stake", stake.String()),
			zap.String("net", net.String()),
		)

		if !haveBest || diff.LessThan(bestDiff) {
			best, bestDiff, haveBest = stake, diff, true
		}

		if diff.LessThanOrEqual(s.tolerance) {
			res.Converged = true
			return finish(stake), nil
		}

		if !net.IsPositive() {
			res.RiskCapped = true
			res.Warnings = append(res.Warnings, "costs absorb the whole profit, stake set to risk cap")
			return finish(req.MaxRiskCap), nil
		}

		next := stake.Mul(req.TargetNetProfit).Div(net)
		if next.IsNegative() {
			next = decimal.Zero
		}
		if next.GreaterThan(req.MaxRiskCap) {
			res.RiskCapped = true
			res.Warnings = append(res.Warnings, fmt.Sprintf("stake %s clamped to risk cap %s", next.StringFixed(2), req.MaxRiskCap.StringFixed(2)))
			return finish(req.MaxRiskCap), nil
		}
		stake = next
	}

	res.Warnings = append(res.Warnings, fmt.Sprintf("stake did not converge within %d iterations, residual %s", s.maxIterations, bestDiff.StringFixed(4)))
	s.l.Warn("stake solver did not converge",
		zap.String("symbol", req.Symbol),
		zap.String("best_stake", best.String()),
		zap.String("residual", bestDiff.String()),
	)

	return finish(best), nil
}
