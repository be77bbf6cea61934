// Package alerting turns operational thresholds into notifications.
package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/metrics"
)

// Kind groups alerts for metrics and cooldown keys.
type Kind string

const (
	KindExecutionFailures  Kind = "execution_failures"
	KindCacheSize          Kind = "cache_size"
	KindManualIntervention Kind = "manual_intervention"
	KindDrawdown           Kind = "drawdown"
	KindRollback           Kind = "rollback"
	KindForcedClosure      Kind = "forced_closure"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one notification. Alerts with the same Key share a cooldown.
type Alert struct {
	Kind     Kind
	Severity Severity
	Key      string
	Message  string
}

func (a Alert) String() string {
	return fmt.Sprintf("[%s] %s: %s", a.Severity, a.Kind, a.Message)
}

// Notifier delivers a rendered alert.
type Notifier interface {
	SendText(ctx context.Context, text string) error
}

type Config struct {
	Cooldown                  time.Duration
	SendTimeout               time.Duration
	ExecutionFailureThreshold int
	CacheSizeThreshold        int
	// DrawdownPercent is the loss, in percent of initial capital, that triggers an alert.
	DrawdownPercent decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		Cooldown:                  15 * time.Minute,
		SendTimeout:               10 * time.Second,
		ExecutionFailureThreshold: 3,
		CacheSizeThreshold:        10,
		DrawdownPercent:           decimal.NewFromInt(3),
	}
}

// Alerter evaluates thresholds and fans alerts out to its sinks. Delivery
// never blocks the caller and failures are only logged.
type Alerter struct {
	cfg     Config
	sinks   []Notifier
	metrics *metrics.Metrics
	l       *zap.Logger

	mu                  sync.Mutex
	lastFired           map[string]time.Time
	consecutiveFailures int
	now                 func() time.Time

	wg sync.WaitGroup
}

func New(l *zap.Logger, cfg Config, m *metrics.Metrics, sinks ...Notifier) *Alerter {
	def := DefaultConfig()
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.ExecutionFailureThreshold <= 0 {
		cfg.ExecutionFailureThreshold = def.ExecutionFailureThreshold
	}
	if cfg.CacheSizeThreshold <= 0 {
		cfg.CacheSizeThreshold = def.CacheSizeThreshold
	}
	if !cfg.DrawdownPercent.IsPositive() {
		cfg.DrawdownPercent = def.DrawdownPercent
	}

	return &Alerter{
		cfg:       cfg,
		sinks:     sinks,
		metrics:   m,
		l:         l,
		lastFired: make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (a *Alerter) SetClock(now func() time.Time) {
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

// Fire dispatches the alert unless its key is cooling down. It reports
// whether the alert was dispatched.
func (a *Alerter) Fire(alert Alert) bool {
	if a == nil {
		return false
	}
	if alert.Key == "" {
		alert.Key = string(alert.Kind)
	}

	a.mu.Lock()
	now := a.now()
	if last, ok := a.lastFired[alert.Key]; ok && now.Sub(last) < a.cfg.Cooldown {
		a.mu.Unlock()
		a.l.Debug("alert suppressed by cooldown", zap.String("key", alert.Key))
		return false
	}
	a.lastFired[alert.Key] = now
	a.mu.Unlock()

	a.metrics.Alert(string(alert.Kind))
	text := alert.String()

	for _, sink := range a.sinks {
		a.wg.Add(1)
		go func(sink Notifier) {
			defer a.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.SendTimeout)
			defer cancel()

			if err := sink.SendText(ctx, text); err != nil {
				a.l.Warn("alert delivery failed", zap.String("kind", string(alert.Kind)), zap.Error(err))
			}
		}(sink)
	}
	return true
}

// Wait blocks until in-flight deliveries finish.
func (a *Alerter) Wait() {
	if a == nil {
		return
	}
	a.wg.Wait()
}

// ObserveExecution counts consecutive failed executions and alerts at the threshold.
func (a *Alerter) ObserveExecution(symbol string, status domain.ExecutionStatus, err error) {
	if a == nil {
		return
	}

	a.mu.Lock()
	if status == domain.ExecutionSuccess {
		a.consecutiveFailures = 0
		a.mu.Unlock()
		return
	}
	a.consecutiveFailures++
	n := a.consecutiveFailures
	a.mu.Unlock()

	if n < a.cfg.ExecutionFailureThreshold {
		return
	}
	a.Fire(Alert{
		Kind:     KindExecutionFailures,
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("%d consecutive execution failures, last on %s: %v", n, symbol, err),
	})
}

// ObserveCacheSize alerts when too many mutations wait for the durable store.
func (a *Alerter) ObserveCacheSize(n int) {
	if a == nil || n < a.cfg.CacheSizeThreshold {
		return
	}
	a.Fire(Alert{
		Kind:     KindCacheSize,
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("%d mutations are waiting for the durable store", n),
	})
}

func (a *Alerter) ObserveManualIntervention(sessionID string, retries int) {
	if a == nil {
		return
	}
	a.Fire(Alert{
		Kind:     KindManualIntervention,
		Severity: SeverityCritical,
		Key:      string(KindManualIntervention) + ":" + sessionID,
		Message:  fmt.Sprintf("session %s cached mutation failed %d times and needs manual intervention", sessionID, retries),
	})
}

// ObserveDrawdown alerts when a session lost more than the configured share of its capital.
func (a *Alerter) ObserveDrawdown(sess *domain.Session) {
	if a == nil || sess == nil || !sess.InitialCapital.IsPositive() {
		return
	}
	limit := sess.InitialCapital.Mul(a.cfg.DrawdownPercent).Div(decimal.NewFromInt(100)).Neg()
	if sess.RunningTotal.GreaterThan(limit) {
		return
	}
	a.Fire(Alert{
		Kind:     KindDrawdown,
		Severity: SeverityWarning,
		Key:      string(KindDrawdown) + ":" + sess.ID,
		Message: fmt.Sprintf("session %s (%s) running total %s breached -%s%% of capital %s",
			sess.ID, sess.Symbol, sess.RunningTotal.StringFixed(2), a.cfg.DrawdownPercent.String(), sess.InitialCapital.String()),
	})
}

func (a *Alerter) ObserveRollback(sessionID, reason string) {
	if a == nil {
		return
	}
	a.Fire(Alert{
		Kind:     KindRollback,
		Severity: SeverityWarning,
		Key:      string(KindRollback) + ":" + sessionID,
		Message:  fmt.Sprintf("session %s rolled back: %s", sessionID, reason),
	})
}

// ObserveForcedClosure reports an overnight closure. A failed close order is critical.
func (a *Alerter) ObserveForcedClosure(reg domain.OvernightRegistration, closeErr error) {
	if a == nil {
		return
	}
	alert := Alert{
		Kind:     KindForcedClosure,
		Severity: SeverityInfo,
		Key:      string(KindForcedClosure) + ":" + reg.TradeID,
		Message: fmt.Sprintf("trade %s on %s force-closed before cutoff at %s, session %s rolled back to %s",
			reg.TradeID, reg.Symbol, reg.ClosePrice.String(), reg.SessionID, reg.PreviousNodeID),
	}
	if closeErr != nil {
		alert.Severity = SeverityCritical
		alert.Message = fmt.Sprintf("trade %s on %s: close order failed (%v), position may still be open; session %s rolled back to %s",
			reg.TradeID, reg.Symbol, closeErr, reg.SessionID, reg.PreviousNodeID)
	}
	a.Fire(alert)
}
