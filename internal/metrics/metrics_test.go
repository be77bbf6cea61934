package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Exposition(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Signal("accepted")
	m.Execution("SUCCESS", 2)
	m.CachedMutations(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `ladder_signals_total{result="accepted"} 1`)
	assert.Contains(t, body, `ladder_executions_total{status="SUCCESS"} 1`)
	assert.Contains(t, body, "ladder_execution_attempts_total 2")
	assert.Contains(t, body, "ladder_cached_mutations 4")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Signal("x")
		m.Execution("FAILED", 3)
		m.Rollback("overnight")
		m.Alert("drawdown")
	})
}
