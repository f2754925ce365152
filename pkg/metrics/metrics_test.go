package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProm_Counters(t *testing.T) {
	registry := prometheus.NewRegistry()

	prom, err := NewProm("relay", registry)
	require.NoError(t, err)

	prom.IncActionExecuted("webhook", "success")
	prom.IncActionExecuted("webhook", "success")
	prom.IncDeliveryAttempt("dead_letter")
	prom.AddDeliveriesCreated(3)
	prom.ObserveTick("delivery", 0.2)

	assert.InDelta(t, 2, testutil.ToFloat64(prom.actions.WithLabelValues("webhook", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(prom.deliveries.WithLabelValues("dead_letter")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(prom.created), 0)

	_, err = NewProm("relay", registry)
	assert.Error(t, err)
}

func TestHandler(t *testing.T) {
	registry := prometheus.NewRegistry()

	prom, err := NewProm("relay", registry)
	require.NoError(t, err)

	prom.IncTriggerFired("recurring", "success")

	recorder := httptest.NewRecorder()
	Handler(registry).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `relay_scheduled_triggers_fired_total{outcome="success",trigger_type="recurring"} 1`)
}

func TestNoop(t *testing.T) {
	var m Metrics = Noop{}

	m.IncActionExecuted("webhook", "failed")
	m.ObserveTick("scheduler", 1)
}
