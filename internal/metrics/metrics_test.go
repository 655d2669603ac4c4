package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Run("gate counters", func(t *testing.T) {
		m := New()
		m.GateSubmitted(SubmitDispatched)
		m.GateSubmitted(SubmitDispatched)
		m.GateSubmitted(SubmitCached)
		m.GateCompleted(true)

		assert.Equal(t, 2.0, testutil.ToFloat64(m.gateSubmissions.WithLabelValues(SubmitDispatched)))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.gateSubmissions.WithLabelValues(SubmitCached)))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.gateInFlight))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.gateCompleted.WithLabelValues("ok")))
	})

	t.Run("reaped", func(t *testing.T) {
		m := New()
		m.GateReaped(3, 1)
		assert.Equal(t, 3.0, testutil.ToFloat64(m.gateReaped))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.gateReapErrors))
	})

	t.Run("nil receiver records nothing", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.GateSubmitted(SubmitJoined)
			m.GateCompleted(false)
			m.PlanTransition("RUNNING")
			m.ItemProcessed("DONE", time.Second)
			m.Composed(2, time.Millisecond)
			m.HTTPRequest("/healthz", http.MethodGet, 200, time.Millisecond)
		})
	})

	t.Run("handler exposes registry", func(t *testing.T) {
		m := New()
		m.PlanTransition("FINISHED")

		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `pmx_executor_plan_transitions_total{status="FINISHED"} 1`)
	})
}
