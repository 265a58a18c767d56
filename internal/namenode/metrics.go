package namenode

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the NameNode's Prometheus collectors on a private registry
// so tests can build services without collector name collisions.
type Metrics struct {
	registry *prometheus.Registry

	HeartbeatsTotal       prometheus.Counter
	FilesCreatedTotal     prometheus.Counter
	RepairsScheduledTotal prometheus.Counter
	PendingRepairs        prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftfs",
			Subsystem: "namenode",
			Name:      "heartbeats_total",
			Help:      "Heartbeats accepted from datanodes.",
		}),
		FilesCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftfs",
			Subsystem: "namenode",
			Name:      "files_created_total",
			Help:      "Files registered in the namespace.",
		}),
		RepairsScheduledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftfs",
			Subsystem: "namenode",
			Name:      "repairs_scheduled_total",
			Help:      "Replication repair tasks scheduled.",
		}),
		PendingRepairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "driftfs",
			Subsystem: "namenode",
			Name:      "pending_repairs",
			Help:      "Repair tasks currently in flight.",
		}),
	}
	m.registry.MustRegister(m.HeartbeatsTotal, m.FilesCreatedTotal, m.RepairsScheduledTotal, m.PendingRepairs)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
