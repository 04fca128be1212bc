package resync

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buddymirror",
		Subsystem: "resync",
		Name:      "jobs_total",
		Help:      "The total number of finished resync jobs by final status.",
	}, []string{"status"})
	jobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "buddymirror",
		Subsystem: "resync",
		Name:      "jobs_running",
		Help:      "The number of resync jobs currently running.",
	})
	entriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buddymirror",
		Subsystem: "resync",
		Name:      "entries_total",
		Help:      "The total number of entries handled by resync, by kind and result.",
	}, []string{"kind", "result"})
	bytesSyncedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "buddymirror",
		Subsystem: "resync",
		Name:      "bytes_synced_total",
		Help:      "The total number of file bytes sent to resync destinations.",
	})
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobsRunning)
	prometheus.MustRegister(entriesTotal)
	prometheus.MustRegister(bytesSyncedTotal)
}
