package observability

import (
	"net/http"
	"sync"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is a flat-namespace metrics store: counters (inc, monotonic)
// and gauges (set, last-write-wins), keyed by plain string names
// (spec.md §4.9 — e.g. "calls_assigned", "last_assignment_time_ms").
// It is backed by Prometheus collectors registered on demand, so every
// metric is scrapeable at /metrics without a fixed label schema.
type Registry struct {
	mu       sync.Mutex
	registry *prometheus.Registry
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

// NewRegistry creates an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
}

// Inc adds delta to the named monotonic counter, creating it at zero on
// first use. Negative deltas are rejected silently (counters are
// monotonic by contract).
func (r *Registry) Inc(name string, delta float64) {
	if delta < 0 {
		return
	}
	r.mu.Lock()
	c, ok := r.counters[name]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatchd_" + name,
			Help: "dispatchd counter " + name,
		})
		r.registry.MustRegister(c)
		r.counters[name] = c
	}
	r.mu.Unlock()
	c.Add(delta)
}

// Set stores value as the named gauge's current reading, creating it on
// first use.
func (r *Registry) Set(name string, value float64) {
	r.mu.Lock()
	g, ok := r.gauges[name]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatchd_" + name,
			Help: "dispatchd gauge " + name,
		})
		r.registry.MustRegister(g)
		r.gauges[name] = g
	}
	r.mu.Unlock()
	g.Set(value)
}

// Snapshot returns the current value of every registered counter and
// gauge, keyed by the name it was created with.
func (r *Registry) Snapshot() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]float64, len(r.counters)+len(r.gauges))
	for name, c := range r.counters {
		out[name] = readMetricValue(c)
	}
	for name, g := range r.gauges {
		out[name] = readMetricValue(g)
	}
	return out
}

func readMetricValue(c prometheus.Metric) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	if m.Gauge != nil {
		return m.Gauge.GetValue()
	}
	return 0
}

// Handler returns an HTTP handler exposing the registry in Prometheus
// exposition format, suitable for mounting at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
