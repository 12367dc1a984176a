package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Call Metrics
	callsInitiatedTotal   *prometheus.CounterVec
	callTransitionsTotal  *prometheus.CounterVec
	callsActive           prometheus.Gauge
	callDurationSeconds   *prometheus.HistogramVec
	ringTimeoutsTotal     prometheus.Counter
	busyRejectionsTotal   prometheus.Counter

	// Signaling Metrics
	signalingWritesTotal  *prometheus.CounterVec
	signalingRetriesTotal *prometheus.CounterVec
	candidatesMergedTotal prometheus.Counter
	subscriptionsActive   prometheus.Gauge

	// WebSocket Metrics
	websocketConnections prometheus.Gauge

	// Push Notification Metrics
	pushNotificationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics on a private registry
func NewMetrics(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: registry,

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

		callsInitiatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_initiated_total",
				Help:        "Total number of call sessions created",
				ConstLabels: labels,
			},
			[]string{"call_type"},
		),
		callTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_transitions_total",
				Help:        "Total number of call status transition attempts",
				ConstLabels: labels,
			},
			[]string{"target", "result"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of call sessions currently in a non-terminal state",
				ConstLabels: labels,
			},
		),
		callDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Connected call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 180, 600, 1800, 3600},
			},
			[]string{"call_type"},
		),
		ringTimeoutsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "call_ring_timeouts_total",
				Help:        "Total number of calls marked missed after the ring window",
				ConstLabels: labels,
			},
		),
		busyRejectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "call_busy_rejections_total",
				Help:        "Total number of incoming calls rejected because the receiver was busy",
				ConstLabels: labels,
			},
		),

		signalingWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_writes_total",
				Help:        "Total number of signaling writes against the session store",
				ConstLabels: labels,
			},
			[]string{"operation", "status"},
		),
		signalingRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_write_retries_total",
				Help:        "Total number of signaling write retries after transient failures",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),
		candidatesMergedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "ice_candidates_merged_total",
				Help:        "Total number of ICE candidates merged into session documents",
				ConstLabels: labels,
			},
		),
		subscriptionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "session_subscriptions_active",
				Help:        "Number of live session subscription streams",
				ConstLabels: labels,
			},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of open WebSocket observer connections",
				ConstLabels: labels,
			},
		),

		pushNotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of incoming-call push notifications sent",
				ConstLabels: labels,
			},
			[]string{"status"},
		),
	}
}

// GetRegistry returns the private registry for the metrics endpoint
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records a completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the in-flight request gauge
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the in-flight request gauge
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// RecordCallInitiated records a new call session
func (m *Metrics) RecordCallInitiated(callType string) {
	m.callsInitiatedTotal.WithLabelValues(callType).Inc()
	m.callsActive.Inc()
}

// RecordTransition records a status transition attempt and its outcome
// (applied, noop, invalid, stale, failed)
func (m *Metrics) RecordTransition(target, result string) {
	m.callTransitionsTotal.WithLabelValues(target, result).Inc()
}

// RecordCallTerminal records a call reaching a terminal state
func (m *Metrics) RecordCallTerminal(callType string, duration int64) {
	m.callsActive.Dec()
	if duration > 0 {
		m.callDurationSeconds.WithLabelValues(callType).Observe(float64(duration))
	}
}

// RecordRingTimeout records a missed-call ring timeout
func (m *Metrics) RecordRingTimeout() {
	m.ringTimeoutsTotal.Inc()
}

// RecordBusyRejection records an incoming call answered with busy
func (m *Metrics) RecordBusyRejection() {
	m.busyRejectionsTotal.Inc()
}

// RecordSignalingWrite records a signaling write attempt (status: success, failure)
func (m *Metrics) RecordSignalingWrite(operation, status string) {
	m.signalingWritesTotal.WithLabelValues(operation, status).Inc()
}

// RecordSignalingRetry records a retry of a transient signaling write failure
func (m *Metrics) RecordSignalingRetry(operation string) {
	m.signalingRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordCandidatesMerged records candidates merged into a session document
func (m *Metrics) RecordCandidatesMerged(n int) {
	m.candidatesMergedTotal.Add(float64(n))
}

// IncrementSubscriptions increments the live subscription gauge
func (m *Metrics) IncrementSubscriptions() {
	m.subscriptionsActive.Inc()
}

// DecrementSubscriptions decrements the live subscription gauge
func (m *Metrics) DecrementSubscriptions() {
	m.subscriptionsActive.Dec()
}

// IncrementWebSocketConnections increments the WebSocket connection gauge
func (m *Metrics) IncrementWebSocketConnections() {
	m.websocketConnections.Inc()
}

// DecrementWebSocketConnections decrements the WebSocket connection gauge
func (m *Metrics) DecrementWebSocketConnections() {
	m.websocketConnections.Dec()
}

// RecordPushNotification records a push notification attempt (status: success, failure)
func (m *Metrics) RecordPushNotification(status string) {
	m.pushNotificationsTotal.WithLabelValues(status).Inc()
}
