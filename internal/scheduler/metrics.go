package scheduler

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	spawned  prometheus.Counter
	running  prometheus.Gauge
	finished *prometheus.CounterVec
}

func newMetrics() *metrics {
	const (
		namespace = "peerwatch"
		subsystem = "scheduler"
	)

	return &metrics{
		spawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_spawned_total",
			Help:      "Total number of tasks spawned",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_running",
			Help:      "Number of tasks currently holding an execution slot or suspended",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_finished_total",
			Help:      "Total number of finished tasks by outcome",
		}, []string{"outcome"}),
	}
}

func (m *metrics) outcome(o string) {
	m.finished.WithLabelValues(o).Inc()
}

// PrometheusCollectors returns the scheduler's metric collectors.
func (s *Scheduler) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{s.metrics.spawned, s.metrics.running, s.metrics.finished}
}
