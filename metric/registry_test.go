package metric

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fserrors "github.com/T-en1991/demo111/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry.CoreMetrics())

	registry.CoreMetrics().RecordNATSStatus(true)
	names := gatheredNames(t, registry)
	assert.True(t, names["fishalarm_nats_connected"])
	assert.True(t, names["go_goroutines"])
}

func TestMetricsRegistry_RegisterCounterVec(t *testing.T) {
	registry := NewMetricsRegistry()

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_frames_total",
		Help: "frames",
	}, []string{"kind"})

	require.NoError(t, registry.RegisterCounterVec("tcp", "frames", vec))
	vec.WithLabelValues("plain_text").Inc()

	assert.True(t, gatheredNames(t, registry)["test_frames_total"])
	assert.Equal(t, float64(1), testutil.ToFloat64(vec.WithLabelValues("plain_text")))
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "dup_gauge", Help: "x"}, []string{"a"})
	second := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "dup_gauge", Help: "x"}, []string{"a"})

	require.NoError(t, registry.RegisterGaugeVec("svc", "dup", first))

	err := registry.RegisterGaugeVec("svc", "dup", second)
	require.Error(t, err)
	assert.True(t, fserrors.IsInvalid(err))

	err = registry.RegisterGaugeVec("other", "dup", second)
	require.Error(t, err)
	assert.True(t, fserrors.IsInvalid(err), "prometheus conflict should be invalid")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "h_seconds", Help: "x"}, []string{"op"})
	require.NoError(t, registry.RegisterHistogramVec("svc", "h", vec))

	assert.True(t, registry.Unregister("svc", "h"))
	assert.False(t, registry.Unregister("svc", "h"))

	require.NoError(t, registry.RegisterHistogramVec("svc", "h", vec), "re-register after unregister")
}

func TestMetricsRegistry_UnregisterService(t *testing.T) {
	registry := NewMetricsRegistry()

	for _, name := range []string{"a_total", "b_total"} {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: "x"}, []string{"l"})
		require.NoError(t, registry.RegisterCounterVec("listener-1", name, vec))
	}
	keep := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "c_total", Help: "x"}, []string{"l"})
	require.NoError(t, registry.RegisterCounterVec("listener-10", "c_total", keep))

	assert.Equal(t, 2, registry.UnregisterService("listener-1"))
	assert.True(t, registry.Unregister("listener-10", "c_total"))
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics()

	m.RecordError("tcp", fserrors.ErrPersistFailed)
	m.RecordError("tcp", fserrors.ErrBindFailed)
	m.RecordError("tcp", nil)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("tcp", "transient")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("tcp", "fatal")))

	m.RecordNotification("nats", nil)
	m.RecordNotification("nats", errors.New("no responders"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NotificationsSent.WithLabelValues("nats", "error")))

	m.RecordServiceStatus("ingest", 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ServiceStatus.WithLabelValues("ingest")))

	m.RecordHTTPRequest("GET /api/alerts", "200")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET /api/alerts", "200")))
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordServiceStatus("ingest", 2)

	srv := httptest.NewServer(NewServer(0, "", registry).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "fishalarm_service_status")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StopWithoutStart(t *testing.T) {
	s := NewServer(0, "", NewMetricsRegistry())
	assert.NoError(t, s.Stop())
	assert.Equal(t, "http://localhost:9090/metrics", s.Address())
}
