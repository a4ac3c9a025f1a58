package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Redis Metrics
	redisDegraded    prometheus.Gauge
	redisErrorsTotal *prometheus.CounterVec

	// Circuit breakers guarding optional dependencies
	breakerState    *prometheus.GaugeVec
	breakerRejected *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Call Metrics
	callsTotal          *prometheus.CounterVec
	callsActive         prometheus.Gauge
	callsDuration       *prometheus.HistogramVec
	callEventsDropped   *prometheus.CounterVec
	callLogWritesFailed prometheus.Counter

	// Presence Metrics
	presenceOnline      prometheus.Gauge
	presenceDeltasTotal *prometheus.CounterVec
	presenceSubscribers prometheus.Gauge

	// Chat Metrics
	chatMessagesTotal *prometheus.CounterVec
	chatTypingTotal   *prometheus.CounterVec
}

// NewMetrics creates all metrics on a registry owned by this instance,
// so several instances can coexist in one process.
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		redisDegraded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "redis_degraded_mode",
				Help:        "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
				ConstLabels: labels,
			},
		),
		redisErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_errors_total",
				Help:        "Total number of Redis errors",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages",
				ConstLabels: labels,
			},
			[]string{"event", "direction"},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of WebSocket errors",
				ConstLabels: labels,
			},
			[]string{"error"},
		),

		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls by final state",
				ConstLabels: labels,
			},
			[]string{"type", "state"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of non-terminal call sessions",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Connected call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"type"},
		),
		callEventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_events_dropped_total",
				Help:        "Call events rejected by the state machine",
				ConstLabels: labels,
			},
			[]string{"event", "code"},
		),
		callLogWritesFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "call_log_writes_failed_total",
				Help:        "Terminal call sessions that could not be written to the call log",
				ConstLabels: labels,
			},
		),

		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "circuit_breaker_state",
				Help:        "Circuit breaker state (0=closed, 1=half_open, 2=open)",
				ConstLabels: labels,
			},
			[]string{"breaker"},
		),
		breakerRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "circuit_breaker_rejected_total",
				Help:        "Operations rejected while a circuit breaker was open",
				ConstLabels: labels,
			},
			[]string{"breaker", "operation"},
		),

		presenceOnline: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "presence_online_users",
				Help:        "Number of users currently online",
				ConstLabels: labels,
			},
		),
		presenceDeltasTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "presence_deltas_total",
				Help:        "Presence deltas delivered to subscribers",
				ConstLabels: labels,
			},
			[]string{"event"},
		),
		presenceSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "presence_subscriptions",
				Help:        "Number of active presence subscriptions",
				ConstLabels: labels,
			},
		),

		chatMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "chat_messages_total",
				Help:        "Chat messages fanned out to conversation members",
				ConstLabels: labels,
			},
			[]string{"source"},
		),
		chatTypingTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "chat_typing_events_total",
				Help:        "Typing indicator events relayed",
				ConstLabels: labels,
			},
			[]string{"event"},
		),
	}
}

// GetRegistry returns the registry backing this instance
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// HTTP

func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// Redis

func (m *Metrics) SetRedisDegraded(degraded bool) {
	if degraded {
		m.redisDegraded.Set(1)
		return
	}
	m.redisDegraded.Set(0)
}

func (m *Metrics) RecordRedisError(operation string) {
	m.redisErrorsTotal.WithLabelValues(operation).Inc()
}

// WebSocket

func (m *Metrics) SetWebSocketConnections(count int) {
	m.websocketConnections.Set(float64(count))
}

func (m *Metrics) RecordWebSocketMessage(event, direction string) {
	m.websocketMessagesTotal.WithLabelValues(event, direction).Inc()
}

func (m *Metrics) RecordWebSocketError(errType string) {
	m.websocketErrorsTotal.WithLabelValues(errType).Inc()
}

// Calls

// RecordCallFinished records a session reaching a terminal state. A zero
// duration means the call never connected and is not observed.
func (m *Metrics) RecordCallFinished(callType, state string, duration time.Duration) {
	m.callsTotal.WithLabelValues(callType, state).Inc()
	if duration > 0 {
		m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
	}
}

func (m *Metrics) SetActiveCalls(count int) {
	m.callsActive.Set(float64(count))
}

func (m *Metrics) RecordCallEventDropped(event, code string) {
	m.callEventsDropped.WithLabelValues(event, code).Inc()
}

func (m *Metrics) RecordCallLogFailure() {
	m.callLogWritesFailed.Inc()
}

// Circuit breakers

func (m *Metrics) SetBreakerState(breaker string, state float64) {
	m.breakerState.WithLabelValues(breaker).Set(state)
}

func (m *Metrics) RecordBreakerRejected(breaker, operation string) {
	m.breakerRejected.WithLabelValues(breaker, operation).Inc()
}

// Presence

func (m *Metrics) SetOnlineUsers(count int) {
	m.presenceOnline.Set(float64(count))
}

func (m *Metrics) RecordPresenceDelta(event string) {
	m.presenceDeltasTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) SetPresenceSubscriptions(count int) {
	m.presenceSubscribers.Set(float64(count))
}

// Chat

func (m *Metrics) RecordChatMessage(source string) {
	m.chatMessagesTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordTypingEvent(event string) {
	m.chatTypingTotal.WithLabelValues(event).Inc()
}
