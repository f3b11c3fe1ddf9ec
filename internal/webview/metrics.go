package webview

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	open     prometheus.Gauge
	opened   prometheus.Counter
	closed   *prometheus.CounterVec
	teardown prometheus.Histogram
}

func newMetrics() *metrics {
	const (
		namespace = "peerwatch"
		subsystem = "webview"
	)

	return &metrics{
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "windows_open",
			Help:      "Number of windows whose native peer is alive",
		}),
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "windows_opened_total",
			Help:      "Total number of windows opened",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "windows_closed_total",
			Help:      "Total number of windows torn down, by cause",
		}, []string{"reason"}),
		teardown: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "teardown_duration_seconds",
			Help:      "Time from a close request to the Closed transition",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
}

// PrometheusCollectors returns the manager's metric collectors.
func (m *Manager) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.metrics.open, m.metrics.opened, m.metrics.closed, m.metrics.teardown}
}
