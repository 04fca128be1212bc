package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buddymirror",
		Subsystem: "dispatch",
		Name:      "attempts_total",
		Help:      "The total number of transport attempts by message type.",
	}, []string{"type"})
	fastFailsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buddymirror",
		Subsystem: "dispatch",
		Name:      "fast_fails_total",
		Help:      "The total number of calls rejected from registry state without network I/O.",
	}, []string{"reason"})
	retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buddymirror",
		Subsystem: "dispatch",
		Name:      "retries_total",
		Help:      "The total number of retries by cause.",
	}, []string{"cause"})
	resultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buddymirror",
		Subsystem: "dispatch",
		Name:      "results_total",
		Help:      "The total number of completed dispatches by result code.",
	}, []string{"code"})
)

func init() {
	prometheus.MustRegister(attemptsTotal)
	prometheus.MustRegister(fastFailsTotal)
	prometheus.MustRegister(retriesTotal)
	prometheus.MustRegister(resultsTotal)
}
