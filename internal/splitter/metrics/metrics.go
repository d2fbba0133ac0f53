package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricPrefix = "splitter_"

// Outcomes of a metric event.
const (
	OutcomeRecorded         = "recorded"
	OutcomeNotEligible      = "not_eligible"
	OutcomeUndeclaredMetric = "undeclared_metric"
	OutcomeDurableFailed    = "durable_failed"
	OutcomeCounterFailed    = "counter_failed"
	OutcomeRejected         = "rejected"
)

var assignmentsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "assignments_total",
		Help: "Number of variant assignments handed out",
	},
	[]string{"experiment", "variant"},
)

var noAssignmentCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "no_assignment_total",
		Help: "Number of variant requests that did not result in an assignment, by reason",
	},
	[]string{"reason"},
)

var metricEventsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "metric_events_total",
		Help: "Number of metric events received, by outcome",
	},
	[]string{"outcome"},
)

var registryLoadsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "registry_loads_total",
		Help: "Number of experiment definition lookups, by cache result",
	},
	[]string{"result"},
)

var storeLatencyHist = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    MetricPrefix + "store_operation_seconds",
		Help:    "Latency of store operations",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	},
	[]string{"store", "operation"},
)

func RecordAssignment(experiment string, variant string) {
	assignmentsCounter.With(map[string]string{"experiment": experiment, "variant": variant}).Inc()
}

func RecordNoAssignment(reason string) {
	noAssignmentCounter.With(map[string]string{"reason": reason}).Inc()
}

func RecordMetricEvent(outcome string) {
	metricEventsCounter.With(map[string]string{"outcome": outcome}).Inc()
}

// RecordRegistryLoad counts a definition lookup; result is one of hit, miss or error.
func RecordRegistryLoad(result string) {
	registryLoadsCounter.With(map[string]string{"result": result}).Inc()
}

func RecordStoreLatency(store string, operation string, duration time.Duration) {
	storeLatencyHist.With(map[string]string{"store": store, "operation": operation}).Observe(duration.Seconds())
}
