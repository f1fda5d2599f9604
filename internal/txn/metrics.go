package txn

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the transaction manager's prometheus instrumentation: how
// many transactions are in flight and how they terminate, mirroring the
// collection package's per-collection gauges/counters (internal/collection
// /metrics.go) one level up, at the manager rather than the target.
type metrics struct {
	active    prometheus.Gauge
	completed prometheus.Counter
	failed    prometheus.Counter
}

var (
	activeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reactivedb_txn_active",
		Help: "Transactions currently pending, queued, or persisting.",
	})

	completedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reactivedb_txn_completed_total",
		Help: "Transactions that reached the completed state.",
	})

	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reactivedb_txn_failed_total",
		Help: "Transactions that reached the failed state.",
	})
)

func init() {
	prometheus.MustRegister(activeGauge, completedCounter, failedCounter)
}

func newMetrics() *metrics {
	return &metrics{active: activeGauge, completed: completedCounter, failed: failedCounter}
}
