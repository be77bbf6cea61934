// Package overnight force-closes open trades before the daily cutoff.
package overnight

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/metrics"
	"github.com/vadiminshakov/ladder/internal/services/workflow"
)

var hundred = decimal.NewFromInt(100)

type Config struct {
	CutoffHour   int
	CutoffMinute int
	Location     *time.Location
	Grace        time.Duration
	// ProximityPercent is the distance to target or stop, in percent of price, that triggers an early exit.
	ProximityPercent decimal.Decimal
	MaxOpen          time.Duration
	MinToCutoff      time.Duration
	Interval         time.Duration
	Concurrency      int
}

func DefaultConfig() Config {
	return Config{
		CutoffHour:       3,
		Location:         time.UTC,
		Grace:            15 * time.Minute,
		ProximityPercent: decimal.RequireFromString("0.5"),
		MaxOpen:          4 * time.Hour,
		MinToCutoff:      30 * time.Minute,
		Interval:         time.Minute,
		Concurrency:      4,
	}
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("cutoff %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, errors.Errorf("cutoff %q has an invalid hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, errors.Errorf("cutoff %q has an invalid minute", s)
	}
	return h, m, nil
}

type registrationSource interface {
	ListActiveRegistrations(ctx context.Context) ([]domain.OvernightRegistration, error)
}

type closer interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	Close(ctx context.Context, reg domain.OvernightRegistration, price decimal.Decimal) domain.ExecutionResult
}

type roller interface {
	ForceClose(ctx context.Context, reg domain.OvernightRegistration, reason string, closeFn workflow.CloseFunc) (*domain.Session, error)
}

type alerts interface {
	ObserveForcedClosure(reg domain.OvernightRegistration, closeErr error)
}

// ScanReport summarizes one scan.
type ScanReport struct {
	Evaluated  int `json:"evaluated"`
	EarlyExits int `json:"early_exits"`
	Forced     int `json:"forced"`
	// Skipped counts trades resolved by an outcome before the close was sent.
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Guardian watches active registrations against the daily cutoff.
type Guardian struct {
	cfg     Config
	regs    registrationSource
	closer  closer
	roller  roller
	alerts  alerts
	metrics *metrics.Metrics
	l       *zap.Logger
	now     func() time.Time
}

func NewGuardian(l *zap.Logger, cfg Config, regs registrationSource, c closer, r roller, a alerts, m *metrics.Metrics) *Guardian {
	def := DefaultConfig()
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if !cfg.ProximityPercent.IsPositive() {
		cfg.ProximityPercent = def.ProximityPercent
	}
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = def.MaxOpen
	}
	if cfg.MinToCutoff <= 0 {
		cfg.MinToCutoff = def.MinToCutoff
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}

	return &Guardian{
		cfg:     cfg,
		regs:    regs,
		closer:  c,
		roller:  r,
		alerts:  a,
		metrics: m,
		l:       l,
		now:     time.Now,
	}
}

// SetClock overrides the time source used by Run.
func (g *Guardian) SetClock(now func() time.Time) {
	g.now = now
}

// CutoffFor is the first cutoff instant strictly after registeredAt.
func (g *Guardian) CutoffFor(registeredAt time.Time) time.Time {
	t := registeredAt.In(g.cfg.Location)
	cutoff := time.Date(t.Year(), t.Month(), t.Day(), g.cfg.CutoffHour, g.cfg.CutoffMinute, 0, 0, g.cfg.Location)
	if !cutoff.After(t) {
		cutoff = cutoff.AddDate(0, 0, 1)
	}
	return cutoff
}

// Scan evaluates every active registration at now. Past its cutoff a trade is
// closed regardless of P/L; inside the grace window it is closed early when
// it is near its target or stop, has been open too long or the cutoff is close.
func (g *Guardian) Scan(ctx context.Context, now time.Time) (ScanReport, error) {
	var report ScanReport

	regs, err := g.regs.ListActiveRegistrations(ctx)
	if err != nil {
		return report, errors.Wrap(err, "list active registrations")
	}

	type job struct {
		reg    domain.OvernightRegistration
		price  decimal.Decimal
		kind   string
		reason string
	}
	var jobs []job

	for _, reg := range regs {
		if !reg.OvernightCloseEnabled || reg.Status != domain.RegistrationActive {
			continue
		}
		report.Evaluated++

		cutoff := g.CutoffFor(reg.RegisteredAt)
		switch {
		case !now.Before(cutoff):
			price, err := g.closer.Price(ctx, reg.Symbol)
			if err != nil {
				g.l.Warn("no price for forced closure, closing at market without reference",
					zap.String("trade_id", reg.TradeID), zap.Error(err))
				price = decimal.Zero
			}
			jobs = append(jobs, job{reg: reg, price: price, kind: "forced", reason: "overnight cutoff " + cutoff.Format(time.RFC3339)})

		case !now.Before(cutoff.Add(-g.cfg.Grace)):
			price, err := g.closer.Price(ctx, reg.Symbol)
			if err != nil {
				g.l.Warn("no price for early exit evaluation", zap.String("trade_id", reg.TradeID), zap.Error(err))
				continue
			}
			if reason := g.earlyExitReason(reg, price, now, cutoff); reason != "" {
				jobs = append(jobs, job{reg: reg, price: price, kind: "early_exit", reason: reason})
			}
		}
	}

	results := make([]error, len(jobs))
	eg := new(errgroup.Group)
	eg.SetLimit(g.cfg.Concurrency)
	for i, j := range jobs {
		eg.Go(func() error {
			results[i] = g.forceClose(ctx, j.reg, j.price, j.kind, j.reason, now)
			return nil
		})
	}
	_ = eg.Wait()

	for i, j := range jobs {
		switch {
		case errors.Is(results[i], domain.ErrRegistrationInactive):
			report.Skipped++
		case results[i] != nil:
			report.Failed++
		case j.kind == "forced":
			report.Forced++
		default:
			report.EarlyExits++
		}
	}

	if len(jobs) > 0 {
		g.l.Info("overnight scan finished",
			zap.Int("evaluated", report.Evaluated),
			zap.Int("forced", report.Forced),
			zap.Int("early_exits", report.EarlyExits),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}

func (g *Guardian) earlyExitReason(reg domain.OvernightRegistration, price decimal.Decimal, now, cutoff time.Time) string {
	if price.IsPositive() {
		limit := g.cfg.ProximityPercent
		if pct := reg.Target.Sub(price).Abs().Div(price).Mul(hundred); pct.LessThan(limit) {
			return fmt.Sprintf("price %s within %s%% of target", price.String(), pct.StringFixed(2))
		}
		if pct := reg.Stop.Sub(price).Abs().Div(price).Mul(hundred); pct.LessThan(limit) {
			return fmt.Sprintf("price %s within %s%% of stop", price.String(), pct.StringFixed(2))
		}
	}
	if open := now.Sub(reg.RegisteredAt); open > g.cfg.MaxOpen {
		return fmt.Sprintf("open for %s", open.Truncate(time.Minute))
	}
	if left := cutoff.Sub(now); left <= g.cfg.MinToCutoff {
		return fmt.Sprintf("%s to cutoff", left.Truncate(time.Minute))
	}
	return ""
}

// forceClose sends the closing order and rolls the session back, so the
// registration never stays active. The order goes out under the session lock
// and only while the registration is still active. It ignores cancellation of
// ctx.
func (g *Guardian) forceClose(ctx context.Context, reg domain.OvernightRegistration, price decimal.Decimal, kind, reason string, now time.Time) error {
	ctx = context.WithoutCancel(ctx)

	var (
		sent       bool
		closeErr   error
		closePrice = price
	)
	_, err := g.roller.ForceClose(ctx, reg, reason, func(ctx context.Context, live domain.OvernightRegistration) (decimal.Decimal, *domain.ExecutionRecord) {
		sent = true
		reg = live

		ref := price
		if !ref.IsPositive() {
			ref = live.Entry
		}
		res := g.closer.Close(ctx, live, ref)
		if res.Status == domain.ExecutionSuccess {
			closePrice = res.ActualPrice
		} else {
			closeErr = res.Err
			if closeErr == nil {
				closeErr = errors.New("close order failed")
			}
			g.l.Error("overnight close order failed, rolling back anyway",
				zap.String("trade_id", live.TradeID),
				zap.String("session_id", live.SessionID),
				zap.Error(closeErr))
		}

		rec := domain.NewExecutionRecord(uuid.NewString(), live.SessionID, live.TradeID, domain.ExecutionClose, live.Quantity.Mul(ref), res, now)
		return closePrice, &rec
	})

	if !sent {
		if errors.Is(err, domain.ErrRegistrationInactive) {
			g.l.Info("trade resolved before overnight close", zap.String("trade_id", reg.TradeID), zap.Error(err))
		} else {
			g.l.Error("overnight close not attempted", zap.String("trade_id", reg.TradeID), zap.Error(err))
		}
		return err
	}

	g.metrics.OvernightClosure(kind)
	reg.Close(domain.RegistrationRolledBack, reason, closePrice, now)
	if g.alerts != nil {
		g.alerts.ObserveForcedClosure(reg, closeErr)
	}

	if err != nil {
		g.l.Error("overnight rollback failed", zap.String("trade_id", reg.TradeID), zap.Error(err))
		return err
	}
	return closeErr
}

// Run scans on every tick until ctx is done.
func (g *Guardian) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := g.Scan(ctx, g.now()); err != nil {
				g.l.Warn("overnight scan failed", zap.Error(err))
			}
		}
	}
}
