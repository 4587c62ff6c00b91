package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ChannelsByStage      *prometheus.GaugeVec
	Attestations         *prometheus.CounterVec
	LedgerCalls          *prometheus.CounterVec
	LedgerConfirmLatency *prometheus.HistogramVec
	QueuedTasks          *prometheus.GaugeVec
)

var Registered = false

func RegisterMetrics(namespace string) {
	if Registered {
		return
	}
	Registered = true

	ChannelsByStage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:      "channels",
			Namespace: namespace,
			Subsystem: "paychan",
			Help:      "Number of known channels per stage.",
		},
		[]string{"stage"},
	)

	Attestations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "attestations_total",
			Namespace: namespace,
			Subsystem: "paychan",
			Help:      "Balance attestations processed, by result.",
		},
		[]string{"result"},
	)

	LedgerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "ledger_calls_total",
			Namespace: namespace,
			Subsystem: "paychan",
			Help:      "Ledger calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	LedgerConfirmLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:      "ledger_confirm_seconds",
			Namespace: namespace,
			Subsystem: "paychan",
			Help:      "Time from ledger call to confirmation.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		},
		[]string{"op"},
	)

	QueuedTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:      "queued_tasks",
			Namespace: namespace,
			Subsystem: "paychan",
			Help:      "Number of tasks in the queue.",
		},
		[]string{"job_type", "in_retry", "execute_later"},
	)

	prometheus.MustRegister(ChannelsByStage)
	prometheus.MustRegister(Attestations)
	prometheus.MustRegister(LedgerCalls)
	prometheus.MustRegister(LedgerConfirmLatency)
	prometheus.MustRegister(QueuedTasks)
}
