package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the SPM core.
type Metrics struct {
	// Message metrics
	MessagesQueued   *prometheus.CounterVec
	RepliesDelivered *prometheus.CounterVec
	QueueDepth       prometheus.Gauge

	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectsTotal     prometheus.Counter

	// Signal metrics
	SignalsAsserted prometheus.Counter
	DoorbellsRung   prometheus.Counter

	// Interrupt metrics
	IRQOps *prometheus.CounterVec

	// Fault metrics
	PartitionFaults *prometheus.CounterVec
}

// NewMetrics creates a metrics collector registered on reg. Passing a fresh
// prometheus.NewRegistry keeps tests independent; the daemon passes the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesQueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spm_messages_queued_total",
				Help: "Messages enqueued to services, by message kind",
			},
			[]string{"kind"},
		),
		RepliesDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spm_replies_delivered_total",
				Help: "Replies routed back to blocked clients, by message kind",
			},
			[]string{"kind"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "spm_queue_depth",
				Help: "Messages currently pending across all service queues",
			},
		),
		ConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "spm_connections_active",
				Help: "Connections currently held in the handle table",
			},
		),
		ConnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "spm_connects_total",
				Help: "Total connect attempts",
			},
		),
		SignalsAsserted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "spm_signals_asserted_total",
				Help: "Signal assertions across all partitions",
			},
		),
		DoorbellsRung: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "spm_doorbells_total",
				Help: "Doorbell notifications delivered",
			},
		),
		IRQOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spm_irq_operations_total",
				Help: "Interrupt signal operations, by operation",
			},
			[]string{"op"},
		),
		PartitionFaults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spm_partition_faults_total",
				Help: "Partitions terminated for programmer errors, by operation",
			},
			[]string{"op"},
		),
	}
}
