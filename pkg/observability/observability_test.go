package observability

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterIncAdd(t *testing.T) {
	r := NewMetricsRegistry()
	c := r.GetCounter("c1", "desc")
	c.Inc()
	c.Add(4)
	assert.Equal(t, int64(5), c.Value())
}

func TestGaugeSetIncDec(t *testing.T) {
	r := NewMetricsRegistry()
	g := r.GetGauge("g1", "desc")
	g.Set(10)
	g.Inc()
	g.Dec()
	g.Dec()
	assert.Equal(t, int64(9), g.Value())
}

func TestGetCounterIsIdempotent(t *testing.T) {
	r := NewMetricsRegistry()
	a := r.GetCounter("same", "d")
	b := r.GetCounter("same", "d")
	a.Inc()
	assert.Equal(t, int64(1), b.Value())
}

func TestHistogramObserve(t *testing.T) {
	r := NewMetricsRegistry()
	h := r.GetHistogram("h1", "d", []float64{1, 5, 10})
	h.Observe(0.5)
	h.Observe(3)
	h.Observe(100)

	w := httptest.NewRecorder()
	handler := MetricsHandler(r)
	req := httptest.NewRequest("GET", "/metrics", nil)
	handler(w, req)

	body := w.Body.String()
	assert.Contains(t, body, "h1_bucket{le=\"1\"} 1")
	assert.Contains(t, body, "h1_bucket{le=\"+Inf\"} 3")
}

func TestNewRegistryMetricsNames(t *testing.T) {
	m := NewRegistryMetrics()
	m.NodesTotal.Set(3)
	m.NodesOnline.Set(2)
	m.RateLimitedTotal.Inc()

	w := httptest.NewRecorder()
	handler := MetricsHandler(m.Registry)
	req := httptest.NewRequest("GET", "/metrics", nil)
	handler(w, req)

	body := w.Body.String()
	require.Contains(t, body, "registry_nodes_total 3")
	require.Contains(t, body, "registry_nodes_online 2")
	require.Contains(t, body, "registry_rate_limited_total 1")
}
