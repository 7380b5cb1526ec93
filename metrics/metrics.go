// Package metrics exposes page failure counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/auditmos/pagewatch/dispatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pagewatch"

// Collector implements dispatch.Metrics on its own registry, so several
// instances can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	captured       *prometheus.CounterVec
	critical       *prometheus.CounterVec
	navigations    *prometheus.CounterVec
	observerPanics prometheus.Counter
	archiveErrors  prometheus.Counter
}

var _ dispatch.Metrics = (*Collector)(nil)

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		captured: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_captured_total",
				Help:      "Page failures captured, by signal category.",
			},
			[]string{"category"},
		),
		critical: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "critical_errors_total",
				Help:      "Captured failures classified as critical.",
			},
			[]string{"category"},
		),
		navigations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "navigations_total",
				Help:      "Redirects to the error route, by navigation mode.",
			},
			[]string{"mode"},
		),
		observerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_panics_total",
			Help:      "Error observers that panicked while being notified.",
		}),
		archiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_errors_total",
			Help:      "Entries that could not be archived.",
		}),
	}

	c.registry.MustRegister(
		c.captured,
		c.critical,
		c.navigations,
		c.observerPanics,
		c.archiveErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Captured(category dispatch.Category) {
	c.captured.WithLabelValues(string(category)).Inc()
}

func (c *Collector) Critical(category dispatch.Category) {
	c.critical.WithLabelValues(string(category)).Inc()
}

func (c *Collector) Navigated(mode string) {
	c.navigations.WithLabelValues(mode).Inc()
}

func (c *Collector) ObserverPanicked() {
	c.observerPanics.Inc()
}

func (c *Collector) ArchiveFailed() {
	c.archiveErrors.Inc()
}

// TrackSessions exposes count as the pagewatch_sessions_active gauge. It
// must be called at most once per collector.
func (c *Collector) TrackSessions(count func() int) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Page sessions currently connected.",
		},
		func() float64 { return float64(count()) },
	))
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
