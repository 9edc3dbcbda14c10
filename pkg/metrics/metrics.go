package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Graph metrics
	ResourcesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "converge_resources_total",
			Help: "Total number of resources by type",
		},
		[]string{"type"},
	)

	LinksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "converge_links_total",
			Help: "Total number of links by link type",
		},
		[]string{"link_type"},
	)

	// Reconciliation engine metrics
	ChangesetsCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "converge_changesets_committed_total",
			Help: "Total number of changesets committed to the store",
		},
	)

	ReconcileIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "converge_reconcile_iterations",
			Help:    "Number of commit iterations needed to reach a fixed point",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "converge_reconcile_duration_seconds",
			Help:    "Time taken to converge one changeset in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	HandlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "converge_handler_errors_total",
			Help: "Total number of reconciliation handler errors by resource type",
		},
		[]string{"type"},
	)

	OrphansCollected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "converge_orphans_collected_total",
			Help: "Total number of managed resources deleted after losing their last manager",
		},
	)

	// Orchestrator metrics
	OrchestrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "converge_orchestration_duration_seconds",
			Help:    "Time taken by one orchestration cycle in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	ApplicationActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "converge_application_actions_total",
			Help: "Total number of runtime actions taken by kind",
		},
		[]string{"action"},
	)

	ApplicationStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "converge_applications",
			Help: "Number of applications by state",
		},
		[]string{"state"},
	)

	RuntimeCommandFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "converge_runtime_command_failures_total",
			Help: "Total number of failed runtime commands by operation",
		},
		[]string{"operation"},
	)

	RuntimeCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "converge_runtime_command_duration_seconds",
			Help:    "Runtime command duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// DNS responder metrics
	DNSQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "converge_dns_queries_total",
			Help: "Total number of DNS queries by result",
		},
		[]string{"result"},
	)

	// Directory watcher metrics
	WatchImports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "converge_watch_imports_total",
			Help: "Total number of directory re-imports by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(ResourcesTotal)
	prometheus.MustRegister(LinksTotal)
	prometheus.MustRegister(ChangesetsCommitted)
	prometheus.MustRegister(ReconcileIterations)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(HandlerErrors)
	prometheus.MustRegister(OrphansCollected)
	prometheus.MustRegister(OrchestrationDuration)
	prometheus.MustRegister(ApplicationActions)
	prometheus.MustRegister(ApplicationStates)
	prometheus.MustRegister(RuntimeCommandFailures)
	prometheus.MustRegister(RuntimeCommandDuration)
	prometheus.MustRegister(DNSQueries)
	prometheus.MustRegister(WatchImports)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
