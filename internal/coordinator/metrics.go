package coordinator

import "github.com/prometheus/client_golang/prometheus"

var (
	switchovers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "buddymirror",
		Subsystem: "failover",
		Name:      "switchovers_total",
		Help:      "The total number of buddy group switchovers.",
	})
	healthChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buddymirror",
		Subsystem: "health",
		Name:      "checks_total",
		Help:      "The total number of node health checks by result.",
	}, []string{"result"})
	unhealthyNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "buddymirror",
		Subsystem: "health",
		Name:      "unhealthy_nodes",
		Help:      "The number of storage nodes currently considered down.",
	})
)

func init() {
	prometheus.MustRegister(switchovers)
	prometheus.MustRegister(healthChecks)
	prometheus.MustRegister(unhealthyNodes)
}
