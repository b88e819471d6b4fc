package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccc-kernel/cccc/internal/metrics"
)

func getCounterValue(counter *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = c.(prometheus.Metric).Write(m)
	return m.GetCounter().GetValue()
}

func getGaugeValue(gauge prometheus.Gauge) float64 {
	m := &dto.Metric{}
	_ = gauge.(prometheus.Metric).Write(m)
	return m.GetGauge().GetValue()
}

func getHistogramCount(hist *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	o, err := hist.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = o.(prometheus.Metric).Write(m)
	return m.GetHistogram().GetSampleCount()
}

func TestHTTPMiddleware_RecordsRequestMetrics(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	before := getCounterValue(metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	beforeHist := getHistogramCount(metrics.HTTPRequestDuration, "GET", "/metrics")

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()

	after := getCounterValue(metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	afterHist := getHistogramCount(metrics.HTTPRequestDuration, "GET", "/metrics")

	assert.Equal(t, float64(1), after-before)
	assert.Equal(t, uint64(1), afterHist-beforeHist)
}

func TestHTTPMiddleware_Records404(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	before := getCounterValue(metrics.HTTPRequestsTotal, "GET", "/nonexistent", "404")

	resp, err := http.Get(server.URL + "/nonexistent")
	require.NoError(t, err)
	_ = resp.Body.Close()

	after := getCounterValue(metrics.HTTPRequestsTotal, "GET", "/nonexistent", "404")
	assert.Equal(t, float64(1), after-before)
}

func TestInstrumentOp(t *testing.T) {
	before := getCounterValue(metrics.IPCRequestsTotal, "send", "ok")
	beforeHist := getHistogramCount(metrics.IPCRequestDuration, "send")

	metrics.InstrumentOp("send", "ok", time.Now().Add(-5*time.Millisecond))

	after := getCounterValue(metrics.IPCRequestsTotal, "send", "ok")
	afterHist := getHistogramCount(metrics.IPCRequestDuration, "send")

	assert.Equal(t, float64(1), after-before)
	assert.Equal(t, uint64(1), afterHist-beforeHist)
}

func TestActorsRunningGauge(t *testing.T) {
	g := metrics.ActorsRunning.WithLabelValues("g1")
	before := getGaugeValue(g)
	g.Inc()
	after := getGaugeValue(g)
	assert.Equal(t, float64(1), after-before)

	g.Dec()
	assert.Equal(t, before, getGaugeValue(g))
}

func TestMetricsRegistered(t *testing.T) {
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer)
	require.NoError(t, err)
	assert.Greater(t, count, 0, "should have registered metrics")
}
