package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Connections   prometheus.Gauge
	Sessions      prometheus.Gauge
	Subscriptions prometheus.Gauge

	AuthFailures prometheus.Counter
	Messages     *prometheus.CounterVec // by message_type
	SendFailures *prometheus.CounterVec // by reason
	Deliveries   prometheus.Counter
	Drops        prometheus.Counter

	RelayPublished prometheus.Counter
	RelayReceived  prometheus.Counter
	RelayErrors    prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle", Subsystem: "ws", Name: "connections",
			Help: "Open websocket connections.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle", Subsystem: "realtime", Name: "sessions",
			Help: "Authenticated sessions in the registry.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle", Subsystem: "realtime", Name: "subscriptions",
			Help: "Session-to-room subscriptions in the topology.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "realtime", Name: "auth_failures_total",
			Help: "Rejected connection credentials.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "realtime", Name: "messages_total",
			Help: "Messages persisted and dispatched.",
		}, []string{"message_type"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "realtime", Name: "send_failures_total",
			Help: "Sends rejected before broadcast.",
		}, []string{"reason"}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "realtime", Name: "deliveries_total",
			Help: "Envelopes enqueued to subscribers.",
		}),
		Drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "realtime", Name: "drops_total",
			Help: "Envelopes dropped because a subscriber queue was full or closing.",
		}),
		RelayPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "relay", Name: "published_total",
			Help: "Envelopes published to peer instances.",
		}),
		RelayReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "relay", Name: "received_total",
			Help: "Envelopes received from peer instances.",
		}),
		RelayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "relay", Name: "errors_total",
			Help: "Relay publish or decode failures.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connections, m.Sessions, m.Subscriptions,
			m.AuthFailures, m.Messages, m.SendFailures, m.Deliveries, m.Drops,
			m.RelayPublished, m.RelayReceived, m.RelayErrors,
		)
	}
	return m
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.Sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.Sessions.Dec()
	}
}

func (m *Metrics) subscriptionAdded() {
	if m != nil {
		m.Subscriptions.Inc()
	}
}

func (m *Metrics) subscriptionRemoved() {
	if m != nil {
		m.Subscriptions.Dec()
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) authFailed() {
	if m != nil {
		m.AuthFailures.Inc()
	}
}

func (m *Metrics) messageSent(t MessageType) {
	if m != nil {
		m.Messages.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) sendFailed(reason string) {
	if m != nil {
		m.SendFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) delivered(ok, dropped int) {
	if m != nil {
		m.Deliveries.Add(float64(ok))
		m.Drops.Add(float64(dropped))
	}
}

func (m *Metrics) relayPublished(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.RelayErrors.Inc()
		return
	}
	m.RelayPublished.Inc()
}

func (m *Metrics) relayReceived() {
	if m != nil {
		m.RelayReceived.Inc()
	}
}

func (m *Metrics) relayError() {
	if m != nil {
		m.RelayErrors.Inc()
	}
}
