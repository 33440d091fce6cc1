package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Manager lifecycle metrics
	ManagerActivationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_manager_activations_total",
			Help: "Total number of manager activations",
		},
	)

	ManagerDeactivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_manager_deactivations_total",
			Help: "Total number of manager deactivations by trigger",
		},
		[]string{"trigger"},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_manager_heartbeats_total",
			Help: "Total number of resource-stat updates by outcome",
		},
		[]string{"outcome"},
	)

	TasksReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_tasks_released_total",
			Help: "Total number of orphaned tasks returned to the waiting pool",
		},
	)

	TasksClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_tasks_claimed_total",
			Help: "Total number of tasks claimed by managers",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Watchdog metrics
	WatchdogSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_watchdog_sweeps_total",
			Help: "Total number of staleness sweeps",
		},
	)

	WatchdogSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_watchdog_sweep_duration_seconds",
			Help:    "Staleness sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(ManagerActivationsTotal)
	prometheus.MustRegister(ManagerDeactivationsTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(TasksReleasedTotal)
	prometheus.MustRegister(TasksClaimedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(WatchdogSweepsTotal)
	prometheus.MustRegister(WatchdogSweepDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
