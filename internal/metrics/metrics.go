// Package metrics provides Prometheus-compatible metrics for receiverlink.
//
// Counters, gauges and histograms are lock-free or individually locked and
// safe to update from session read loops. A Registry renders them in the
// Prometheus text format, sorted by name, or as JSON.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// TypeCounter is a monotonically increasing counter.
	TypeCounter MetricType = iota
	// TypeGauge is a value that can go up and down.
	TypeGauge
	// TypeHistogram is a distribution of values.
	TypeHistogram
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents metric labels.
type Labels map[string]string

// String returns a string representation of labels.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}

	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(l))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, l[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels Labels
	value  atomic.Uint64
}

// NewCounter creates a new Counter.
func NewCounter(name, help string, labels Labels) *Counter {
	return &Counter{
		name:   name,
		help:   help,
		labels: labels,
	}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(v uint64) {
	c.value.Add(v)
}

// Value returns the current value.
func (c *Counter) Value() uint64 {
	return c.value.Load()
}

// Name returns the metric name.
func (c *Counter) Name() string {
	return c.name
}

// Help returns the help text.
func (c *Counter) Help() string {
	return c.help
}

// Type returns the metric type.
func (c *Counter) Type() MetricType {
	return TypeCounter
}

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels Labels
	value  atomic.Int64
}

// NewGauge creates a new Gauge.
func NewGauge(name, help string, labels Labels) *Gauge {
	return &Gauge{
		name:   name,
		help:   help,
		labels: labels,
	}
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) {
	g.value.Store(v)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Add adds the given value to the gauge.
func (g *Gauge) Add(v int64) {
	g.value.Add(v)
}

// Value returns the current value.
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// Name returns the metric name.
func (g *Gauge) Name() string {
	return g.name
}

// Help returns the help text.
func (g *Gauge) Help() string {
	return g.help
}

// Type returns the metric type.
func (g *Gauge) Type() MetricType {
	return TypeGauge
}

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  Labels
	buckets []float64

	mu     sync.Mutex
	counts []uint64
	sum    float64
	count  uint64
}

// DefaultBuckets are default histogram buckets.
var DefaultBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// DurationBuckets are buckets for duration histograms (in seconds).
var DurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// RoundTripBuckets suit request/reply latencies on a local network (seconds).
var RoundTripBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewHistogram creates a new Histogram.
func NewHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}

	// Ensure buckets are sorted
	sortedBuckets := make([]float64, len(buckets))
	copy(sortedBuckets, buckets)
	sort.Float64s(sortedBuckets)

	return &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: sortedBuckets,
		counts:  make([]uint64, len(sortedBuckets)+1), // +1 for +Inf
	}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++

	// counts[i] holds observations <= buckets[i]; the last slot is +Inf
	idx := sort.SearchFloat64s(h.buckets, v)
	for i := idx; i < len(h.counts); i++ {
		h.counts[i]++
	}
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Name returns the metric name.
func (h *Histogram) Name() string {
	return h.name
}

// Help returns the help text.
func (h *Histogram) Help() string {
	return h.help
}

// Type returns the metric type.
func (h *Histogram) Type() MetricType {
	return TypeHistogram
}

// Sum returns the sum of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Count returns the count of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Mean returns the mean of observed values.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Registry holds all registered metrics.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	namespace string
	subsystem string
}

// NewRegistry creates a new Registry.
func NewRegistry(namespace, subsystem string) *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		namespace:  namespace,
		subsystem:  subsystem,
	}
}

// fullName returns the full metric name with namespace and subsystem.
func (r *Registry) fullName(name string) string {
	parts := []string{}
	if r.namespace != "" {
		parts = append(parts, r.namespace)
	}
	if r.subsystem != "" {
		parts = append(parts, r.subsystem)
	}
	parts = append(parts, name)
	return strings.Join(parts, "_")
}

// RegisterCounter registers a new counter.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	fullName := r.fullName(name)
	if c, ok := r.counters[fullName]; ok {
		return c
	}

	c := NewCounter(fullName, help, labels)
	r.counters[fullName] = c
	return c
}

// RegisterGauge registers a new gauge.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	fullName := r.fullName(name)
	if g, ok := r.gauges[fullName]; ok {
		return g
	}

	g := NewGauge(fullName, help, labels)
	r.gauges[fullName] = g
	return g
}

// RegisterHistogram registers a new histogram.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	fullName := r.fullName(name)
	if h, ok := r.histograms[fullName]; ok {
		return h
	}

	h := NewHistogram(fullName, help, labels, buckets)
	r.histograms[fullName] = h
	return h
}

// WritePrometheus writes metrics in Prometheus text format, sorted by name.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bw := &errWriter{w: w}

	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		bw.printf("# HELP %s %s\n", c.name, c.help)
		bw.printf("# TYPE %s counter\n", c.name)
		bw.printf("%s%s %d\n", c.name, c.labels.String(), c.Value())
	}

	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		bw.printf("# HELP %s %s\n", g.name, g.help)
		bw.printf("# TYPE %s gauge\n", g.name)
		bw.printf("%s%s %d\n", g.name, g.labels.String(), g.Value())
	}

	for _, name := range sortedKeys(r.histograms) {
		h := r.histograms[name]
		h.mu.Lock()
		bw.printf("# HELP %s %s\n", h.name, h.help)
		bw.printf("# TYPE %s histogram\n", h.name)

		labelStr := h.labels.String()
		if labelStr == "" {
			labelStr = "{"
		} else {
			labelStr = labelStr[:len(labelStr)-1] + ","
		}

		// counts are already cumulative, see Observe
		for i, bucket := range h.buckets {
			bw.printf("%s_bucket%sle=\"%g\"} %d\n", h.name, labelStr, bucket, h.counts[i])
		}
		bw.printf("%s_bucket%sle=\"+Inf\"} %d\n", h.name, labelStr, h.count)
		bw.printf("%s_sum%s %g\n", h.name, h.labels.String(), h.sum)
		bw.printf("%s_count%s %d\n", h.name, h.labels.String(), h.count)
		h.mu.Unlock()
	}

	return bw.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WriteJSON writes metrics in JSON format.
func (r *Registry) WriteJSON(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metrics := make(map[string]interface{})

	// Add counters
	for _, c := range r.counters {
		metrics[c.name] = map[string]interface{}{
			"type":   "counter",
			"help":   c.help,
			"labels": c.labels,
			"value":  c.Value(),
		}
	}

	// Add gauges
	for _, g := range r.gauges {
		metrics[g.name] = map[string]interface{}{
			"type":   "gauge",
			"help":   g.help,
			"labels": g.labels,
			"value":  g.Value(),
		}
	}

	// Add histograms
	for _, h := range r.histograms {
		h.mu.Lock()
		bucketCounts := make(map[string]uint64)
		for i, bucket := range h.buckets {
			bucketCounts[fmt.Sprintf("%g", bucket)] = h.counts[i]
		}
		bucketCounts["+Inf"] = h.count

		mean := 0.0
		if h.count > 0 {
			mean = h.sum / float64(h.count)
		}
		metrics[h.name] = map[string]interface{}{
			"type":    "histogram",
			"help":    h.help,
			"labels":  h.labels,
			"buckets": bucketCounts,
			"sum":     h.sum,
			"count":   h.count,
			"mean":    mean,
		}
		h.mu.Unlock()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(metrics)
}

// HTTPHandler returns an HTTP handler for metrics.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		accept := req.Header.Get("Accept")
		if strings.Contains(accept, "application/json") {
			w.Header().Set("Content-Type", "application/json")
			r.WriteJSON(w)
		} else {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
			r.WritePrometheus(w)
		}
	})
}

var defaultRegistry = NewRegistry("receiverlink", "")

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}
