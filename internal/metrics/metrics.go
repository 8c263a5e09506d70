// Package metrics provides Prometheus-compatible metrics for hwrng.
//
// Features:
//   - Counters for generated bytes and failures per entropy source
//   - Gauges for kernel pool level and active source
//   - Histograms for fill latency
//   - Optional HTTP endpoint for scraping
//   - Thread-safe operations
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
	// TypeSummary is a summary of values with quantiles.
	TypeSummary
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
	case TypeSummary:
		return "summary"
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

// SizeBuckets are buckets for size histograms (in bytes).
var SizeBuckets = []float64{
	100, 1000, 10000, 100000, 1000000, 10000000, 100000000,
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

	// counts holds per-bucket tallies; writers accumulate them. A value equal
	// to a bound belongs to that bucket (le semantics).
	idx := sort.SearchFloat64s(h.buckets, v)
	h.counts[idx]++
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Timer returns a timer that records duration when stopped.
func (h *Histogram) Timer() *HistogramTimer {
	return &HistogramTimer{
		histogram: h,
		start:     time.Now(),
	}
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

// HistogramTimer is a timer for histogram observations.
type HistogramTimer struct {
	histogram *Histogram
	start     time.Time
}

// Stop stops the timer and records the duration.
func (t *HistogramTimer) Stop() time.Duration {
	d := time.Since(t.start)
	t.histogram.ObserveDuration(d)
	return d
}

// Registry holds all registered metrics. Series are keyed by full name plus
// labels, so one name may carry several label sets.
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
	key := seriesKey(fullName, labels)
	if c, ok := r.counters[key]; ok {
		return c
	}

	c := NewCounter(fullName, help, labels)
	r.counters[key] = c
	return c
}

// RegisterGauge registers a new gauge.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	fullName := r.fullName(name)
	key := seriesKey(fullName, labels)
	if g, ok := r.gauges[key]; ok {
		return g
	}

	g := NewGauge(fullName, help, labels)
	r.gauges[key] = g
	return g
}

// RegisterHistogram registers a new histogram.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	fullName := r.fullName(name)
	key := seriesKey(fullName, labels)
	if h, ok := r.histograms[key]; ok {
		return h
	}

	h := NewHistogram(fullName, help, labels, buckets)
	r.histograms[key] = h
	return h
}

// GetCounter returns a counter by name and labels.
func (r *Registry) GetCounter(name string, labels Labels) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[seriesKey(r.fullName(name), labels)]
}

// GetGauge returns a gauge by name and labels.
func (r *Registry) GetGauge(name string, labels Labels) *Gauge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[seriesKey(r.fullName(name), labels)]
}

// GetHistogram returns a histogram by name and labels.
func (r *Registry) GetHistogram(name string, labels Labels) *Histogram {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.histograms[seriesKey(r.fullName(name), labels)]
}

// WritePrometheus writes metrics in Prometheus text format. Series are
// sorted so that HELP and TYPE appear once per metric name.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ew := &errWriter{w: w}
	seen := make(map[string]bool)
	header := func(name, help, typ string) {
		if seen[name] {
			return
		}
		seen[name] = true
		ew.printf("# HELP %s %s\n", name, help)
		ew.printf("# TYPE %s %s\n", name, typ)
	}

	for _, key := range sortedKeys(r.counters) {
		c := r.counters[key]
		header(c.name, c.help, "counter")
		ew.printf("%s%s %d\n", c.name, c.labels.String(), c.Value())
	}

	for _, key := range sortedKeys(r.gauges) {
		g := r.gauges[key]
		header(g.name, g.help, "gauge")
		ew.printf("%s%s %d\n", g.name, g.labels.String(), g.Value())
	}

	for _, key := range sortedKeys(r.histograms) {
		h := r.histograms[key]
		h.mu.Lock()
		header(h.name, h.help, "histogram")

		labelStr := h.labels.String()
		if labelStr == "" {
			labelStr = "{"
		} else {
			labelStr = labelStr[:len(labelStr)-1] + ","
		}

		cumulative := uint64(0)
		for i, bucket := range h.buckets {
			cumulative += h.counts[i]
			ew.printf("%s_bucket%sle=\"%g\"} %d\n", h.name, labelStr, bucket, cumulative)
		}
		cumulative += h.counts[len(h.buckets)]
		ew.printf("%s_bucket%sle=\"+Inf\"} %d\n", h.name, labelStr, cumulative)
		ew.printf("%s_sum%s %g\n", h.name, h.labels.String(), h.sum)
		ew.printf("%s_count%s %d\n", h.name, h.labels.String(), h.count)
		h.mu.Unlock()
	}

	return ew.err
}

// WriteJSON writes metrics in JSON format.
func (r *Registry) WriteJSON(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metrics := make(map[string]interface{})

	// Add counters
	for _, c := range r.counters {
		metrics[c.name+c.labels.String()] = map[string]interface{}{
			"type":   "counter",
			"help":   c.help,
			"labels": c.labels,
			"value":  c.Value(),
		}
	}

	// Add gauges
	for _, g := range r.gauges {
		metrics[g.name+g.labels.String()] = map[string]interface{}{
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
		cumulative := uint64(0)
		for i, bucket := range h.buckets {
			cumulative += h.counts[i]
			bucketCounts[fmt.Sprintf("%g", bucket)] = cumulative
		}
		cumulative += h.counts[len(h.buckets)]
		bucketCounts["+Inf"] = cumulative

		metrics[h.name+h.labels.String()] = map[string]interface{}{
			"type":    "histogram",
			"help":    h.help,
			"labels":  h.labels,
			"buckets": bucketCounts,
			"sum":     h.sum,
			"count":   h.count,
			"mean": func() float64 {
				if h.count == 0 {
					return 0
				}
				return h.sum / float64(h.count)
			}(),
		}
		h.mu.Unlock()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(metrics)
}

// Snapshot returns a snapshot of all metrics.
func (r *Registry) Snapshot() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]interface{})

	for key, c := range r.counters {
		snapshot[key] = c.Value()
	}

	for key, g := range r.gauges {
		snapshot[key] = g.Value()
	}

	for key, h := range r.histograms {
		snapshot[key+"_sum"] = h.Sum()
		snapshot[key+"_count"] = h.Count()
		snapshot[key+"_mean"] = h.Mean()
	}

	return snapshot
}

// Reset resets all metrics.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.counters {
		c.value.Store(0)
	}

	for _, g := range r.gauges {
		g.value.Store(0)
	}

	for _, h := range r.histograms {
		h.mu.Lock()
		h.sum = 0
		h.count = 0
		for i := range h.counts {
			h.counts[i] = 0
		}
		h.mu.Unlock()
	}
}

// HTTPHandler returns an HTTP handler for metrics.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		accept := req.Header.Get("Accept")
		if strings.Contains(accept, "application/json") {
			w.Header().Set("Content-Type", "application/json")
			_ = r.WriteJSON(w)
		} else {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
			_ = r.WritePrometheus(w)
		}
	})
}

// Global default registry.
var defaultRegistry = NewRegistry("hwrng", "")

// Default returns the default global registry.
func Default() *Registry {
	return defaultRegistry
}

// SetDefault sets the default global registry.
func SetDefault(r *Registry) {
	defaultRegistry = r
}

func seriesKey(name string, labels Labels) string {
	return name + labels.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// errWriter remembers the first write error so callers check once.
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
