package metrics

import (
	"sync"
	"time"
)

// Failure kinds recorded per source.
const (
	FailureUnsupported = "unsupported"
	FailureExhausted   = "exhausted"
	FailureOther       = "other"
)

// SourceMetrics records per-source fill activity for the fallback chain and
// the kernel feeder.
type SourceMetrics struct {
	registry *Registry

	mu      sync.Mutex
	sources map[string]*sourceSeries

	FallbacksTotal   *Counter
	ChainFailures    *Counter
	PoolEntropyBits  *Gauge
	CreditedBits     *Counter
	FeedCyclesTotal  *Counter
	SkippedFeedTotal *Counter
}

type sourceSeries struct {
	bytes    *Counter
	fills    *Counter
	failures map[string]*Counter
	latency  *Histogram
}

// FillBuckets are latency buckets for one fill request, in seconds.
var FillBuckets = []float64{
	0.000001, 0.00001, 0.0001, 0.001, 0.01, 0.1, 1,
}

// NewSourceMetrics registers the chain and feeder metrics on registry, or
// on the default registry when registry is nil.
func NewSourceMetrics(registry *Registry) *SourceMetrics {
	if registry == nil {
		registry = Default()
	}

	return &SourceMetrics{
		registry: registry,
		sources:  make(map[string]*sourceSeries),

		FallbacksTotal: registry.RegisterCounter(
			"chain_fallbacks_total",
			"Number of times the chain moved past a source",
			nil,
		),
		ChainFailures: registry.RegisterCounter(
			"chain_failures_total",
			"Requests that no source could serve",
			nil,
		),
		PoolEntropyBits: registry.RegisterGauge(
			"kernel_pool_entropy_bits",
			"Kernel entropy estimate observed by the feeder",
			nil,
		),
		CreditedBits: registry.RegisterCounter(
			"kernel_credited_bits_total",
			"Entropy bits credited to the kernel pool",
			nil,
		),
		FeedCyclesTotal: registry.RegisterCounter(
			"feeder_cycles_total",
			"Feeder wake-ups",
			nil,
		),
		SkippedFeedTotal: registry.RegisterCounter(
			"feeder_skipped_total",
			"Feeder wake-ups that found the pool above the low-water mark",
			nil,
		),
	}
}

func (m *SourceMetrics) series(source string) *sourceSeries {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sources[source]; ok {
		return s
	}

	labels := Labels{"source": source}
	s := &sourceSeries{
		bytes: m.registry.RegisterCounter(
			"source_bytes_total",
			"Bytes produced per entropy source",
			labels,
		),
		fills: m.registry.RegisterCounter(
			"source_fills_total",
			"Successful fill requests per entropy source",
			labels,
		),
		failures: make(map[string]*Counter),
		latency: m.registry.RegisterHistogram(
			"source_fill_seconds",
			"Fill latency per entropy source",
			labels,
			FillBuckets,
		),
	}
	for _, kind := range []string{FailureUnsupported, FailureExhausted, FailureOther} {
		s.failures[kind] = m.registry.RegisterCounter(
			"source_failures_total",
			"Failed fill requests per entropy source and failure kind",
			Labels{"source": source, "kind": kind},
		)
	}
	m.sources[source] = s
	return s
}

// RecordFill records a successful fill of n bytes.
func (m *SourceMetrics) RecordFill(source string, n int, d time.Duration) {
	s := m.series(source)
	s.bytes.Add(uint64(n))
	s.fills.Inc()
	s.latency.ObserveDuration(d)
}

// RecordFailure records a failed fill. Unknown kinds count as FailureOther.
func (m *SourceMetrics) RecordFailure(source, kind string) {
	s := m.series(source)
	c, ok := s.failures[kind]
	if !ok {
		c = s.failures[FailureOther]
	}
	c.Inc()
}

// BytesGenerated returns the byte counter value for source.
func (m *SourceMetrics) BytesGenerated(source string) uint64 {
	return m.series(source).bytes.Value()
}

// Failures returns the failure counter value for source and kind.
func (m *SourceMetrics) Failures(source, kind string) uint64 {
	c, ok := m.series(source).failures[kind]
	if !ok {
		return 0
	}
	return c.Value()
}
