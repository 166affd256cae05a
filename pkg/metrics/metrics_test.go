package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCommand("dd", time.Second, true)
		m.ObservePowerTransition("power on", 3, false)
		m.ObserveDeploy(time.Minute, true)
		m.ObserveLockWait("exclusive", time.Millisecond)
		m.IncLockContention("shared")
		m.ObserveRemoteCall("get_node", true)
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveCommand("IPMITOOL", 10*time.Millisecond, true)
	m.ObserveCommand("ipmitool", 10*time.Millisecond, false)
	m.ObservePowerTransition("power on", 2, true)
	m.ObserveDeploy(30*time.Second, false)
	m.IncLockContention("exclusive")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandErrors.WithLabelValues("ipmitool")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.powerTransitions.WithLabelValues("power on", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deployments.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockContention.WithLabelValues("exclusive")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveRemoteCall("get_node", true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `metalprov_remote_calls_total{method="get_node",result="success"} 1`))
}
