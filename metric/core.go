package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ocpprouter"

// Metrics contains the router-level metrics shared by every component.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Connections
	ConnectionsActive   *prometheus.GaugeVec
	ConnectionsAccepted *prometheus.CounterVec
	UpgradesRejected    *prometheus.CounterVec
	ConnectionsClosed   *prometheus.CounterVec

	// Frames
	FramesReceived *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	ProtocolErrors *prometheus.CounterVec

	// Correlation
	PendingCalls  prometheus.Gauge
	CallOutcomes  *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	DispatchTotal *prometheus.CounterVec

	// Broker
	BrokerPublishes *prometheus.CounterVec
	BrokerRetries   prometheus.Counter

	// Webhooks
	WebhookDeliveries *prometheus.CounterVec

	// NATS
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the router metric set
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connections", Name: "active",
			Help: "Live station WebSocket connections",
		}, []string{"tenant"}),
		ConnectionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connections", Name: "accepted_total",
			Help: "Accepted station WebSocket upgrades",
		}, []string{"tenant", "protocol"}),
		UpgradesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connections", Name: "rejected_total",
			Help: "Rejected upgrade requests by reason",
		}, []string{"reason"}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connections", Name: "closed_total",
			Help: "Closed station connections by reason",
		}, []string{"reason"}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "frames", Name: "received_total",
			Help: "OCPP-J frames received from stations",
		}, []string{"protocol", "type"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "frames", Name: "sent_total",
			Help: "OCPP-J frames written to stations",
		}, []string{"protocol", "type"}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "frames", Name: "protocol_errors_total",
			Help: "Malformed frames received",
		}, []string{"protocol"}),

		PendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "calls", Name: "pending",
			Help: "Outstanding PendingCalls",
		}),
		CallOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "calls", Name: "completed_total",
			Help: "Completed calls by outcome",
		}, []string{"outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "calls", Name: "duration_seconds",
			Help:    "Time from sending a Call to its completion",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "dispatch_total",
			Help: "Inbound Calls dispatched by handler kind and result",
		}, []string{"kind", "result"}),

		BrokerPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "publishes_total",
			Help: "Broker publishes by result",
		}, []string{"result"}),
		BrokerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "publish_retries_total",
			Help: "Broker publish retry attempts",
		}),

		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "webhooks", Name: "deliveries_total",
			Help: "Webhook deliveries by outcome",
		}, []string{"outcome"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "nats", Name: "connected",
			Help: "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "nats", Name: "rtt_milliseconds",
			Help: "NATS round-trip time in milliseconds",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "nats", Name: "reconnects_total",
			Help: "Total number of NATS reconnections",
		}),
		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "nats", Name: "circuit_breaker",
			Help: "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionsActive, m.ConnectionsAccepted, m.UpgradesRejected, m.ConnectionsClosed,
		m.FramesReceived, m.FramesSent, m.ProtocolErrors,
		m.PendingCalls, m.CallOutcomes, m.CallDuration, m.DispatchTotal,
		m.BrokerPublishes, m.BrokerRetries,
		m.WebhookDeliveries,
		m.NATSConnected, m.NATSRTT, m.NATSReconnects, m.NATSCircuitBreaker,
	}
}

// RecordConnectionOpened counts an accepted upgrade and bumps the tenant gauge
func (m *Metrics) RecordConnectionOpened(tenant, protocol string) {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.WithLabelValues(tenant, protocol).Inc()
	m.ConnectionsActive.WithLabelValues(tenant).Inc()
}

// RecordConnectionClosed decrements the tenant gauge
func (m *Metrics) RecordConnectionClosed(tenant, reason string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(tenant).Dec()
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
}

// RecordUpgradeRejected counts an upgrade refused before the WebSocket existed
func (m *Metrics) RecordUpgradeRejected(reason string) {
	if m == nil {
		return
	}
	m.UpgradesRejected.WithLabelValues(reason).Inc()
}

// RecordFrameReceived counts an inbound frame
func (m *Metrics) RecordFrameReceived(protocol, frameType string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(protocol, frameType).Inc()
}

// RecordFrameSent counts an outbound frame
func (m *Metrics) RecordFrameSent(protocol, frameType string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(protocol, frameType).Inc()
}

// RecordProtocolError counts a malformed inbound frame
func (m *Metrics) RecordProtocolError(protocol string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(protocol).Inc()
}

// SetPendingCalls updates the outstanding call gauge
func (m *Metrics) SetPendingCalls(n int) {
	if m == nil {
		return
	}
	m.PendingCalls.Set(float64(n))
}

// RecordCallCompleted records a PendingCall completion
func (m *Metrics) RecordCallCompleted(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CallOutcomes.WithLabelValues(outcome).Inc()
	m.CallDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordDispatch counts a dispatched inbound Call
func (m *Metrics) RecordDispatch(kind, result string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(kind, result).Inc()
}

// RecordBrokerPublish counts a publish result ("ok" or "failed")
func (m *Metrics) RecordBrokerPublish(result string) {
	if m == nil {
		return
	}
	m.BrokerPublishes.WithLabelValues(result).Inc()
}

// RecordBrokerRetry counts one retry attempt
func (m *Metrics) RecordBrokerRetry() {
	if m == nil {
		return
	}
	m.BrokerRetries.Inc()
}

// RecordWebhookDelivery counts a webhook delivery outcome
func (m *Metrics) RecordWebhookDelivery(outcome string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(outcome).Inc()
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (m *Metrics) RecordNATSRTT(rtt time.Duration) {
	if m == nil {
		return
	}
	m.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (m *Metrics) RecordCircuitBreakerState(state int) {
	if m == nil {
		return
	}
	m.NATSCircuitBreaker.Set(float64(state))
}
