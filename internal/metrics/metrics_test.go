package metrics

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry("test", "")
	c := r.RegisterCounter("ops_total", "ops", nil)
	c.Inc()
	c.Add(2)
	assert.Equal(t, uint64(3), c.Value())
	assert.Same(t, c, r.RegisterCounter("ops_total", "ops", nil))

	g := r.RegisterGauge("ready", "ready", nil)
	g.Set(1)
	g.Dec()
	assert.Equal(t, int64(0), g.Value())
}

func TestHistogramBucketsIncludeUpperBound(t *testing.T) {
	h := NewHistogram("rtt", "rtt", nil, []float64{0.1, 1})
	h.Observe(0.1)
	h.Observe(0.5)
	h.Observe(3)

	assert.Equal(t, uint64(3), h.Count())
	assert.InDelta(t, 3.6, h.Sum(), 1e-9)

	var buf bytes.Buffer
	r := NewRegistry("", "")
	r.histograms["rtt"] = h
	require.NoError(t, r.WritePrometheus(&buf))

	out := buf.String()
	assert.Contains(t, out, `rtt_bucket{le="0.1"} 1`)
	assert.Contains(t, out, `rtt_bucket{le="1"} 2`)
	assert.Contains(t, out, `rtt_bucket{le="+Inf"} 3`)
	assert.Contains(t, out, "rtt_count 3")
}

func TestWritePrometheusIsSorted(t *testing.T) {
	r := NewRegistry("ns", "")
	r.RegisterCounter("b_total", "b", nil).Inc()
	r.RegisterCounter("a_total", "a", Labels{"kind": "x"}).Inc()

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Less(t, strings.Index(out, "ns_a_total"), strings.Index(out, "ns_b_total"))
	assert.Contains(t, out, `ns_a_total{kind="x"} 1`)
}

func TestReceiverMetrics(t *testing.T) {
	r := NewRegistry("receiverlink", "")
	m := NewReceiverMetrics(r)

	m.RecordConnect()
	m.RecordOperation(20*time.Millisecond, false)
	m.RecordOperation(5*time.Millisecond, true)
	m.RecordEvent(3)
	m.SetReady(true)

	assert.Equal(t, uint64(1), m.ConnectsTotal.Value())
	assert.Equal(t, uint64(2), m.OperationsTotal.Value())
	assert.Equal(t, uint64(1), m.OperationFailuresTotal.Value())
	assert.Equal(t, uint64(3), m.EventsDispatchedTotal.Value())
	assert.Equal(t, int64(1), m.SessionReady.Value())
	assert.Equal(t, uint64(2), m.OperationRoundTrip.Count())

	m.RecordDisconnect()
	assert.Equal(t, int64(0), m.SessionReady.Value())
	assert.Equal(t, uint64(1), m.Snapshot()["disconnects_total"])
}

func TestNilReceiverMetricsIsSafe(t *testing.T) {
	var m *ReceiverMetrics
	assert.NotPanics(t, func() {
		m.RecordConnect()
		m.RecordOperation(time.Second, true)
		m.SetReady(true)
		m.RecordListenerPanic()
		m.RecordCallbackPanic()
		_ = m.Snapshot()
	})
}

func TestHTTPHandler(t *testing.T) {
	r := NewRegistry("receiverlink", "")
	NewReceiverMetrics(r).RecordPing()

	rec := httptest.NewRecorder()
	r.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "receiverlink_pings_total 1")

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	r.HTTPHandler().ServeHTTP(rec, req)

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "counter", body["receiverlink_pings_total"]["type"])
}
