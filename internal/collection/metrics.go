package collection

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds one collection's prometheus instrumentation: a subscriber
// gauge plus a change-throughput counter, labeled by collection
// id so a host scraping many collections gets per-collection breakdowns.
type Metrics struct {
	subscribers     prometheus.Gauge
	changesObserved prometheus.Counter
}

var (
	subscribersGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reactivedb_collection_subscribers",
		Help: "Active subscriptions on a collection.",
	}, []string{"collection"})

	changesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reactivedb_collection_changes_total",
		Help: "Change messages dispatched by a collection.",
	}, []string{"collection"})
)

func init() {
	prometheus.MustRegister(subscribersGauge, changesCounter)
}

func newMetrics(collectionID string) *Metrics {
	return &Metrics{
		subscribers:     subscribersGauge.WithLabelValues(collectionID),
		changesObserved: changesCounter.WithLabelValues(collectionID),
	}
}
