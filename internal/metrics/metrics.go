// Package metrics holds the Prometheus collectors exported on /metrics.
//
//   - ladder_signals_total{result}             signals by intake result (accepted|rejected|duplicate|failed)
//   - ladder_executions_total{status}          venue executions (SUCCESS|FAILED)
//   - ladder_execution_attempts_total          every venue submit attempt
//   - ladder_partial_fills_total               fills off by more than the threshold
//   - ladder_transitions_total{outcome}        graph transitions (win|loss)
//   - ladder_rollbacks_total{reason}           rollbacks (jump_mismatch|overnight)
//   - ladder_sessions_completed_total{terminal}
//   - ladder_cached_mutations                  entries waiting in the mutation cache
//   - ladder_reconcile_total{result}           reconcile outcomes (applied|failed|expired)
//   - ladder_overnight_closures_total{kind}    guardian closures (early_exit|cutoff)
//   - ladder_solver_iterations                 solver iterations per stake
//   - ladder_alerts_total{kind}
//
// Every method is safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ladder"

type Metrics struct {
	gatherer prometheus.Gatherer

	signals           *prometheus.CounterVec
	executions        *prometheus.CounterVec
	executionAttempts prometheus.Counter
	partialFills      prometheus.Counter
	transitions       *prometheus.CounterVec
	rollbacks         *prometheus.CounterVec
	completed         *prometheus.CounterVec
	cachedMutations   prometheus.Gauge
	reconcile         *prometheus.CounterVec
	overnightClosures *prometheus.CounterVec
	solverIterations  prometheus.Histogram
	alerts            *prometheus.CounterVec
}

// New registers all collectors on reg. Tests pass prometheus.NewRegistry().
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Inbound signals by intake result.",
		}, []string{"result"}),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Venue executions by final status.",
		}, []string{"status"}),
		executionAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_attempts_total",
			Help:      "Venue submit attempts including retries.",
		}),
		partialFills: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_fills_total",
			Help:      "Executions whose filled notional differs from the request.",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Decision graph transitions by outcome.",
		}, []string{"outcome"}),
		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Session rollbacks by reason.",
		}, []string{"reason"}),
		completed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Sessions that reached a terminal node.",
		}, []string{"terminal"}),
		cachedMutations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_mutations",
			Help:      "Mutations waiting for the durable store.",
		}),
		reconcile: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Reconciliation results per cached mutation.",
		}, []string{"result"}),
		overnightClosures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overnight_closures_total",
			Help:      "Positions closed by the overnight guardian.",
		}, []string{"kind"}),
		solverIterations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "solver_iterations",
			Help:      "Iterations used by the stake solver.",
			Buckets:   []float64{1, 2, 3, 4, 5, 7, 10},
		}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts fired by kind.",
		}, []string{"kind"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Signal(result string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(result).Inc()
}

func (m *Metrics) Execution(status string, attempts int) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
	m.executionAttempts.Add(float64(attempts))
}

func (m *Metrics) PartialFill() {
	if m == nil {
		return
	}
	m.partialFills.Inc()
}

func (m *Metrics) Transition(outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Rollback(reason string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) Completed(terminal string) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(terminal).Inc()
}

func (m *Metrics) CachedMutations(n int) {
	if m == nil {
		return
	}
	m.cachedMutations.Set(float64(n))
}

func (m *Metrics) Reconcile(result string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(result).Inc()
}

func (m *Metrics) OvernightClosure(kind string) {
	if m == nil {
		return
	}
	m.overnightClosures.WithLabelValues(kind).Inc()
}

func (m *Metrics) SolverIterations(n int) {
	if m == nil {
		return
	}
	m.solverIterations.Observe(float64(n))
}

func (m *Metrics) Alert(kind string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Inc()
}
