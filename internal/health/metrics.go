package health

import "github.com/prometheus/client_golang/prometheus"

// metricsSet holds the prometheus collectors the monitor updates on every
// sample, grounded on the teacher's periodic-ticker idiom in
// internal/timesync/service.go, extended here with a metrics export since
// the source had none.
type metricsSet struct {
	total               prometheus.Gauge
	healthyConnections  prometheus.Gauge
	averageLatencyMs    prometheus.Gauge
	reconnectionRate    prometheus.Gauge
	errorRate           prometheus.Gauge
	systemLoad          prometheus.Gauge
}

func newMetricsSet() *metricsSet {
	return &metricsSet{
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apix", Subsystem: "health", Name: "connections_total",
			Help: "Total tracked connections at last sample.",
		}),
		healthyConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apix", Subsystem: "health", Name: "healthy_connections",
			Help: "Connections with EXCELLENT or GOOD quality at last sample.",
		}),
		averageLatencyMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apix", Subsystem: "health", Name: "average_latency_ms",
			Help: "Fleet-average EMA-smoothed latency in milliseconds.",
		}),
		reconnectionRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apix", Subsystem: "health", Name: "reconnection_rate",
			Help: "Fraction of connections currently RECONNECTING.",
		}),
		errorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apix", Subsystem: "health", Name: "error_rate",
			Help: "Fraction of connections FAILED or SUSPENDED.",
		}),
		systemLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apix", Subsystem: "health", Name: "system_load",
			Help: "Mean of heap usage, connection count over 1000, and reconnecting ratio, clamped to [0,1].",
		}),
	}
}

// Registry returns every collector, for the caller to register against a
// prometheus.Registerer (typically the default registry at startup).
func (s *metricsSet) Registry() []prometheus.Collector {
	return []prometheus.Collector{s.total, s.healthyConnections, s.averageLatencyMs, s.reconnectionRate, s.errorRate, s.systemLoad}
}

func (s *metricsSet) observe(sample Sample) {
	s.total.Set(float64(sample.Total))
	s.healthyConnections.Set(float64(sample.HealthyConnections))
	s.averageLatencyMs.Set(sample.AverageLatencyMs)
	s.reconnectionRate.Set(sample.ReconnectionRate)
	s.errorRate.Set(sample.ErrorRate)
	s.systemLoad.Set(sample.SystemLoad)
}

// Collectors exposes the monitor's prometheus collectors for registration.
func (m *Monitor) Collectors() []prometheus.Collector {
	return m.gauges.Registry()
}
