// Package metrics exposes Prometheus instrumentation for the scan
// coordinator. Counters cover the paths where silent degradation would
// otherwise be invisible: swallowed increment failures and dropped events.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the coordinator's Prometheus collectors.
type Metrics struct {
	ScansStarted   *prometheus.CounterVec
	ScansCompleted *prometheus.CounterVec
	ScansFailed    *prometheus.CounterVec
	ScansRejected  prometheus.Counter

	FindingsPersisted prometheus.Counter

	IncrementRetries prometheus.Counter
	IncrementDropped prometheus.Counter
	CountsReconciled prometheus.Counter

	EventsDropped prometheus.Counter
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance, registering the collectors
// on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
		instance.register(prometheus.DefaultRegisterer)
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		ScansStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "datapatrol",
				Name:      "scans_started_total",
				Help:      "Scans accepted and started, by investigator kind.",
			},
			[]string{"kind"},
		),
		ScansCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "datapatrol",
				Name:      "scans_completed_total",
				Help:      "Scans that finished successfully, by investigator kind.",
			},
			[]string{"kind"},
		),
		ScansFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "datapatrol",
				Name:      "scans_failed_total",
				Help:      "Scans that ended in failure, by investigator kind.",
			},
			[]string{"kind"},
		),
		ScansRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "datapatrol",
				Name:      "scans_rejected_total",
				Help:      "StartScan calls rejected (unknown, inactive, or unregistered kind).",
			},
		),
		FindingsPersisted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "datapatrol",
				Name:      "findings_persisted_total",
				Help:      "Findings durably written by the result callback.",
			},
		),
		IncrementRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "datapatrol",
				Name:      "counter_increment_retries_total",
				Help:      "Atomic result-count increments retried after transient contention.",
			},
		),
		IncrementDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "datapatrol",
				Name:      "counter_increment_dropped_total",
				Help:      "Increments abandoned after exhausting retries (counter drift until reconciled).",
			},
		),
		CountsReconciled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "datapatrol",
				Name:      "result_counts_reconciled_total",
				Help:      "Executions whose drifted result count was corrected by reconciliation.",
			},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "datapatrol",
				Name:      "events_dropped_total",
				Help:      "Notification events dropped because a subscriber buffer was full.",
			},
		),
	}
}

func (m *Metrics) register(r prometheus.Registerer) {
	r.MustRegister(
		m.ScansStarted,
		m.ScansCompleted,
		m.ScansFailed,
		m.ScansRejected,
		m.FindingsPersisted,
		m.IncrementRetries,
		m.IncrementDropped,
		m.CountsReconciled,
		m.EventsDropped,
	)
}
