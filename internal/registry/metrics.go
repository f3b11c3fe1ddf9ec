package registry

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	live        *prometheus.GaugeVec
	allocations *prometheus.CounterVec
	releases    *prometheus.CounterVec
	misuses     *prometheus.CounterVec
}

func newMetrics() *metrics {
	const (
		namespace = "peerwatch"
		subsystem = "registry"
	)

	return &metrics{
		live: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "live_objects",
			Help:      "Number of live native objects",
		}, []string{"kind"}),

		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "allocations_total",
			Help:      "Total number of native objects registered",
		}, []string{"kind"}),

		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "releases_total",
			Help:      "Total number of native objects unregistered",
		}, []string{"kind"}),

		misuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "misuse_total",
			Help:      "Total number of rejected unregister calls",
		}, []string{"error"}),
	}
}

func (m *metrics) allocated(kind string) {
	m.live.WithLabelValues(kind).Inc()
	m.allocations.WithLabelValues(kind).Inc()
}

func (m *metrics) released(kind string) {
	m.live.WithLabelValues(kind).Dec()
	m.releases.WithLabelValues(kind).Inc()
}

func (m *metrics) misuse(reason string) {
	m.misuses.WithLabelValues(reason).Inc()
}

// PrometheusCollectors returns the registry's metric collectors.
func (r *Registry) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.metrics.live,
		r.metrics.allocations,
		r.metrics.releases,
		r.metrics.misuses,
	}
}
