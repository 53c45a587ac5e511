package spool

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mxrelay",
		Subsystem: "spool",
		Name:      "delivered_total",
		Help:      "Recipients successfully delivered by the spooler.",
	})

	transientFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mxrelay",
		Subsystem: "spool",
		Name:      "transient_failures_total",
		Help:      "Recipient delivery attempts that failed transiently and were rescheduled.",
	})

	permanentFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mxrelay",
		Subsystem: "spool",
		Name:      "permanent_failures_total",
		Help:      "Recipients bounced after a permanent failure.",
	})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mxrelay",
		Subsystem: "spool",
		Name:      "dropped_total",
		Help:      "Messages dropped after exhausting the retry budget.",
	})

	queueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mxrelay",
		Subsystem: "spool",
		Name:      "due_length",
		Help:      "Messages due for delivery at the start of the last sweep.",
	})
)

func init() {
	prometheus.MustRegister(deliveredTotal, transientFailuresTotal, permanentFailuresTotal, droppedTotal, queueLength)
}
