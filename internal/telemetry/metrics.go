package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	Enlistments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ramstore",
			Name:      "coordinator_enlistments_total",
			Help:      "Total number of servers enlisted by this coordinator.",
		},
	)

	VerifiedFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ramstore",
			Name:      "coordinator_verified_failures_total",
			Help:      "Crash hints confirmed by the failure detector.",
		},
	)

	FalsePositives = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ramstore",
			Name:      "coordinator_false_positive_hints_total",
			Help:      "Crash hints refuted by a successful ping.",
		},
	)

	UpdatesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ramstore",
			Name:      "coordinator_updates_sent_total",
			Help:      "Membership update RPCs completed, by outcome.",
		},
		[]string{"outcome"},
	)

	ClusterVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ramstore",
			Name:      "coordinator_cluster_version",
			Help:      "Current version of the coordinator server list.",
		},
	)

	ConcurrentUpdateRPCs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ramstore",
			Name:      "coordinator_concurrent_update_rpcs",
			Help:      "Current size of the updater's RPC slot pool.",
		},
	)
)

func init() {
	Registry.MustRegister(Enlistments, VerifiedFailures, FalsePositives,
		UpdatesSent, ClusterVersion, ConcurrentUpdateRPCs)
}

// MetricsHandler exposes /metrics. Mount it with
// mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
