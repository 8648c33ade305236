package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Monitor loop metrics
	iterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "options_watcher_iterations_total",
			Help: "Total number of monitor loop iterations",
		},
		[]string{"account", "session"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "options_watcher_errors_total",
			Help: "Total number of failed operations",
		},
		[]string{"account", "type"},
	)

	monitoredPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "options_watcher_monitored_positions",
			Help: "Positions currently held in the cache",
		},
		[]string{"account"},
	)

	// Risk metrics
	triggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "options_watcher_triggers_total",
			Help: "Risk policies that fired",
		},
		[]string{"account", "kind"},
	)

	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "options_watcher_orders_total",
			Help: "Order submissions by outcome",
		},
		[]string{"account", "kind", "outcome"},
	)

	// Ingest metrics
	fillsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "options_watcher_fills_ingested_total",
			Help: "New fills stored by ingestion",
		},
		[]string{"account"},
	)

	fillsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "options_watcher_fills_skipped_total",
			Help: "Malformed fills skipped during reconciliation",
		},
		[]string{"account"},
	)
)

func init() {
	// Register metrics
	prometheus.MustRegister(iterationsTotal)
	prometheus.MustRegister(errorsTotal)
	prometheus.MustRegister(monitoredPositions)
	prometheus.MustRegister(triggersTotal)
	prometheus.MustRegister(ordersTotal)
	prometheus.MustRegister(fillsIngested)
	prometheus.MustRegister(fillsSkipped)
}

// Handler serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordIteration counts one monitor loop pass.
func RecordIteration(account string, marketOpen bool) {
	session := "closed"
	if marketOpen {
		session = "open"
	}
	iterationsTotal.WithLabelValues(account, session).Inc()
}

// RecordError counts a failure of the given type (reconcile, refresh, order, ingest, panic).
func RecordError(account, errorType string) {
	errorsTotal.WithLabelValues(account, errorType).Inc()
}

// SetMonitoredPositions updates the cached position gauge.
func SetMonitoredPositions(account string, n int) {
	monitoredPositions.WithLabelValues(account).Set(float64(n))
}

// RecordTrigger counts a fired risk policy.
func RecordTrigger(account, kind string) {
	triggersTotal.WithLabelValues(account, kind).Inc()
}

// RecordOrder counts an order submission.
func RecordOrder(account, kind string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	ordersTotal.WithLabelValues(account, kind, outcome).Inc()
}

// RecordIngest counts stored and skipped fills of one sync.
func RecordIngest(account string, inserted, skipped int) {
	fillsIngested.WithLabelValues(account).Add(float64(inserted))
	fillsSkipped.WithLabelValues(account).Add(float64(skipped))
}
