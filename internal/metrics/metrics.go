// Package metrics keeps in-process counters for the daemon and renders them
// in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Labels represents metric labels.
type Labels map[string]string

// String renders labels in sorted key order, "" when empty.
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
		parts = append(parts, fmt.Sprintf(`%s=%q`, k, l[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// metric is anything the registry can render.
type metric interface {
	write(w io.Writer)
}

func writeHeader(w io.Writer, name, help, kind string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	help  string
	value atomic.Uint64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds v to the counter.
func (c *Counter) Add(v uint64) { c.value.Add(v) }

// Value returns the current value.
func (c *Counter) Value() uint64 { return c.value.Load() }

func (c *Counter) write(w io.Writer) {
	writeHeader(w, c.name, c.help, "counter")
	fmt.Fprintf(w, "%s %d\n", c.name, c.Value())
}

// CounterVec is a family of counters distinguished by one label.
type CounterVec struct {
	name  string
	help  string
	label string

	mu     sync.Mutex
	values map[string]*atomic.Uint64
}

// With returns the counter for a label value, creating it on first use.
func (v *CounterVec) With(value string) *atomic.Uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.values[value]
	if !ok {
		c = new(atomic.Uint64)
		v.values[value] = c
	}
	return c
}

// Value returns the count for a label value.
func (v *CounterVec) Value(value string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.values[value]; ok {
		return c.Load()
	}
	return 0
}

func (v *CounterVec) write(w io.Writer) {
	v.mu.Lock()
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	v.mu.Unlock()
	sort.Strings(keys)

	writeHeader(w, v.name, v.help, "counter")
	for _, k := range keys {
		fmt.Fprintf(w, "%s%s %d\n", v.name, Labels{v.label: k}, v.Value(k))
	}
}

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

// Set sets the gauge to v.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Add adds v to the gauge.
func (g *Gauge) Add(v int64) { g.value.Add(v) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) write(w io.Writer) {
	writeHeader(w, g.name, g.help, "gauge")
	fmt.Fprintf(w, "%s %d\n", g.name, g.Value())
}

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	buckets []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, last is +Inf
	sum    float64
	count  uint64
}

// DurationBuckets suit in-process latencies, in seconds.
var DurationBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}

// ScoreBuckets suit similarity scores in [0, 1].
var ScoreBuckets = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	h.counts[sort.SearchFloat64s(h.buckets, v)]++
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Count returns the number of observations.
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

func (h *Histogram) write(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	writeHeader(w, h.name, h.help, "histogram")
	var cumulative uint64
	for i, b := range h.buckets {
		cumulative += h.counts[i]
		fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, b, cumulative)
	}
	cumulative += h.counts[len(h.buckets)]
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, cumulative)
	fmt.Fprintf(w, "%s_sum %g\n", h.name, h.sum)
	fmt.Fprintf(w, "%s_count %d\n", h.name, h.count)
}

// Registry holds metrics in registration order.
type Registry struct {
	namespace string

	mu      sync.RWMutex
	metrics []metric
	names   map[string]bool
}

// NewRegistry creates a registry whose metric names are prefixed with
// namespace.
func NewRegistry(namespace string) *Registry {
	return &Registry{namespace: namespace, names: make(map[string]bool)}
}

func (r *Registry) register(name string, m func(full string) metric) metric {
	full := name
	if r.namespace != "" {
		full = r.namespace + "_" + name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.names[full] {
		panic(fmt.Sprintf("metrics: %s registered twice", full))
	}
	r.names[full] = true
	v := m(full)
	r.metrics = append(r.metrics, v)
	return v
}

// Counter registers a counter.
func (r *Registry) Counter(name, help string) *Counter {
	return r.register(name, func(full string) metric {
		return &Counter{name: full, help: help}
	}).(*Counter)
}

// CounterVec registers a counter family keyed by label.
func (r *Registry) CounterVec(name, help, label string) *CounterVec {
	return r.register(name, func(full string) metric {
		return &CounterVec{name: full, help: help, label: label, values: make(map[string]*atomic.Uint64)}
	}).(*CounterVec)
}

// Gauge registers a gauge.
func (r *Registry) Gauge(name, help string) *Gauge {
	return r.register(name, func(full string) metric {
		return &Gauge{name: full, help: help}
	}).(*Gauge)
}

// Histogram registers a histogram with the given upper bounds.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	return r.register(name, func(full string) metric {
		return &Histogram{name: full, help: help, buckets: sorted, counts: make([]uint64, len(sorted)+1)}
	}).(*Histogram)
}

// WritePrometheus writes every metric in the Prometheus text format.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	ms := append([]metric(nil), r.metrics...)
	r.mu.RUnlock()

	var b strings.Builder
	for _, m := range ms {
		m.write(&b)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
