package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the chat platform.
//
// Naming convention: namespace_subsystem_name
// - namespace: dino (application-level grouping)
// - subsystem: websocket, dispatch, bus (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms)
// - Counter: Cumulative events (requests validated, events dispatched, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dino",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of rooms with at least one local member.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dino",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms with local members",
	})

	// RequestsValidated counts validator outcomes per verb.
	RequestsValidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dino",
		Subsystem: "validation",
		Name:      "requests_total",
		Help:      "Total requests run through the verb validator",
	}, []string{"verb", "status"})

	// DispatchedEvents counts moderation events by verb and outcome.
	DispatchedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dino",
		Subsystem: "dispatch",
		Name:      "events_total",
		Help:      "Total moderation events processed by the dispatcher",
	}, []string{"verb", "status"})

	// DedupedEvents counts events dropped by the deduplication windows.
	DedupedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dino",
		Subsystem: "dispatch",
		Name:      "events_deduped_total",
		Help:      "Events dropped because they were already delegated or handled",
	}, []string{"window"})

	// DelegatedEvents counts ban events republished for another node to handle.
	DelegatedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dino",
		Subsystem: "dispatch",
		Name:      "events_delegated_total",
		Help:      "Ban events delegated to other nodes",
	})

	// BusPublishes counts publishes to the internal and external buses.
	BusPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dino",
		Subsystem: "bus",
		Name:      "publishes_total",
		Help:      "Total envelope publishes to the message buses",
	}, []string{"bus", "status"})

	// RateLimitRequests counts requests that passed the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dino",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dino",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected because a rate limit was reached",
	}, []string{"endpoint", "limit_type"})

	// CircuitBreakerState tracks breaker state per backend (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dino",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dino",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests rejected because the circuit breaker was open",
	}, []string{"backend"})

	// MessageProcessingDuration tracks the time spent handling one client event.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dino",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing client events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"verb"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}

func RecordValidation(verb string, ok bool) {
	status := "ok"
	if !ok {
		status = "rejected"
	}
	RequestsValidated.WithLabelValues(verb, status).Inc()
}

func RecordDispatch(verb, status string) {
	DispatchedEvents.WithLabelValues(verb, status).Inc()
}

func RecordDedup(window string) {
	DedupedEvents.WithLabelValues(window).Inc()
}

func RecordPublish(bus string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	BusPublishes.WithLabelValues(bus, status).Inc()
}
