package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Station
type Metrics struct {
	// Event bus metrics
	EventsPublished *prometheus.CounterVec
	EventsConsumed  *prometheus.CounterVec
	EventsDead      prometheus.Counter
	HandlerErrors   *prometheus.CounterVec

	// Mission metrics
	MissionsCreated    *prometheus.CounterVec
	MissionTransitions *prometheus.CounterVec
	MissionDuration    *prometheus.HistogramVec
	MissionsByStatus   *prometheus.GaugeVec

	// Scheduler metrics
	QueueDepth        prometheus.Gauge
	RetryQueueDepth   prometheus.Gauge
	MissionsRetried   prometheus.Counter
	MissionsDropped   prometheus.Counter
	RebalanceChecks   prometheus.Counter
	ImbalanceDetected prometheus.Counter

	// Dispatcher metrics
	RoutingRequests *prometheus.CounterVec
	RoutingDuration prometheus.Histogram
	FallbacksUsed   *prometheus.CounterVec
	PendingRequests prometheus.Gauge

	// Agent metrics
	ActiveAgents  prometheus.Gauge
	AgentWorkload *prometheus.GaugeVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "station_events_published_total",
					Help: "Total number of events published to the bus",
				},
				[]string{"event_type"},
			),
			EventsConsumed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "station_events_consumed_total",
					Help: "Total number of events consumed and acknowledged",
				},
				[]string{"event_type"},
			),
			EventsDead: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "station_events_dead_lettered_total",
					Help: "Total number of events moved to the dead letter stream",
				},
			),
			HandlerErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "station_handler_errors_total",
					Help: "Total number of subscriber handler errors",
				},
				[]string{"event_type"},
			),

			MissionsCreated: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "station_missions_created_total",
					Help: "Total number of missions created",
				},
				[]string{"priority"},
			),
			MissionTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "station_mission_transitions_total",
					Help: "Total number of mission status transitions",
				},
				[]string{"from_status", "to_status"},
			),
			MissionDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "station_mission_duration_seconds",
					Help:    "Time from mission start to completion in seconds",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to 68min
				},
				[]string{"priority", "result"},
			),
			MissionsByStatus: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "station_missions_by_status",
					Help: "Number of missions currently in each status",
				},
				[]string{"status"},
			),

			QueueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "station_scheduler_queue_depth",
					Help: "Number of missions waiting in the priority queue",
				},
			),
			RetryQueueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "station_scheduler_retry_queue_depth",
					Help: "Number of failed missions waiting to be retried",
				},
			),
			MissionsRetried: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "station_scheduler_missions_retried_total",
					Help: "Total number of mission retries requeued",
				},
			),
			MissionsDropped: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "station_scheduler_missions_dropped_total",
					Help: "Total number of missions dropped after exhausting retries",
				},
			),
			RebalanceChecks: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "station_scheduler_rebalance_checks_total",
					Help: "Total number of workload balance evaluations",
				},
			),
			ImbalanceDetected: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "station_scheduler_imbalance_detected_total",
					Help: "Total number of times workload imbalance exceeded the threshold",
				},
			),

			RoutingRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "station_routing_requests_total",
					Help: "Total number of capability routing requests",
				},
				[]string{"capability", "outcome"},
			),
			RoutingDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "station_routing_duration_seconds",
					Help:    "Time to resolve a routing request in seconds",
					Buckets: prometheus.DefBuckets,
				},
			),
			FallbacksUsed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "station_routing_fallbacks_total",
					Help: "Total number of requests served via a fallback capability",
				},
				[]string{"capability", "fallback"},
			),
			PendingRequests: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "station_routing_pending_requests",
					Help: "Number of routing requests waiting for an agent",
				},
			),

			ActiveAgents: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "station_active_agents",
					Help: "Number of agents with a live heartbeat",
				},
			),
			AgentWorkload: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "station_agent_workload",
					Help: "Current workload fraction per agent (0 to 1)",
				},
				[]string{"agent_id"},
			),
		}
	})

	return sharedMetrics
}

// Bus instrumentation hooks. Metrics satisfies eventbus.Observer so the hub
// can hand it straight to Bus.SetObserver.

// EventPublished counts one published event.
func (m *Metrics) EventPublished(eventType string) {
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// EventConsumed counts one consumed and acknowledged event.
func (m *Metrics) EventConsumed(eventType string) {
	m.EventsConsumed.WithLabelValues(eventType).Inc()
}

// EventDeadLettered counts one move to the dead letter stream.
func (m *Metrics) EventDeadLettered() {
	m.EventsDead.Inc()
}

// HandlerError counts one failed or panicked subscriber handler.
func (m *Metrics) HandlerError(eventType string) {
	m.HandlerErrors.WithLabelValues(eventType).Inc()
}

// RecordTransition records a mission status transition
func (m *Metrics) RecordTransition(from, to string) {
	m.MissionTransitions.WithLabelValues(from, to).Inc()
}

// RecordRouting records the outcome of one routing request
func (m *Metrics) RecordRouting(capability, outcome string, seconds float64) {
	m.RoutingRequests.WithLabelValues(capability, outcome).Inc()
	m.RoutingDuration.Observe(seconds)
}
