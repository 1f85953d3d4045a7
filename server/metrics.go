package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"hub-rpc/message"
)

const metricsNamespace = "hubrpc"

// Metrics are the server's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections      prometheus.Gauge
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	invocations      *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	decodeErrors     *prometheus.CounterVec
}

// NewMetrics registers the server collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Open hub connections.",
		}),
		messagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Hub messages decoded, by message type.",
		}, []string{"type"}),
		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_sent_total",
			Help:      "Hub messages written, by message type.",
		}, []string{"type"}),
		invocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "invocations_total",
			Help:      "Completed invocations, by target and outcome.",
		}, []string{"target", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "invocation_duration_seconds",
			Help:      "Invocation handling time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target"}),
		decodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_errors_total",
			Help:      "Records that failed to decode, by kind (structural or binding).",
		}, []string{"kind"}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) received(t message.Type) {
	if m != nil {
		m.messagesReceived.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) sent(t message.Type) {
	if m != nil {
		m.messagesSent.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) decodeError(kind string) {
	if m != nil {
		m.decodeErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) invocation(target string, c *message.Completion, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if c != nil && c.Error != "" {
		outcome = "error"
	}
	m.invocations.WithLabelValues(target, outcome).Inc()
	m.duration.WithLabelValues(target).Observe(elapsed.Seconds())
}
