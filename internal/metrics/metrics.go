// Package metrics exposes batch lifecycle counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"batchgofer/internal/batch"
)

const namespace = "batchgofer"

// Collector records batch dispatches and entry outcomes.
// It implements batch.Observer.
type Collector struct {
	registry *prometheus.Registry
	batches  *prometheus.CounterVec
	entries  *prometheus.CounterVec
	size     prometheus.Histogram
	duration prometheus.Histogram
}

// NewCollector creates a Collector registered on its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_dispatched_total",
			Help:      "Batches sent to the upstream, by result.",
		}, []string{"result"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_settled_total",
			Help:      "Batch entries settled, by outcome.",
		}, []string{"outcome"}),
		size: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of entries per dispatched batch.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 40, 50, 100},
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent waiting for the upstream batch response.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	c.registry.MustRegister(c.batches, c.entries, c.size, c.duration)
	return c
}

// ObserveDispatch implements batch.Observer
func (c *Collector) ObserveDispatch(size int, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.batches.WithLabelValues(result).Inc()
	c.size.Observe(float64(size))
	c.duration.Observe(duration.Seconds())
}

// ObserveOutcome implements batch.Observer
func (c *Collector) ObserveOutcome(outcome batch.Outcome) {
	c.entries.WithLabelValues(string(outcome)).Inc()
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler serving the metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
