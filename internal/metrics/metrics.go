// Package metrics provides Prometheus metrics for the broker gateway.
//
// Key metrics:
//   - Broker request counts and latency by operation and outcome
//   - Connection state transitions and reconnects
//   - Malformed frames
//   - Circuit breaker transitions
//   - Active sessions
//   - Event export throughput (audit table, Kafka)
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "brokerlink"

// Metrics holds every collector the gateway exports.
type Metrics struct {
	// Labels: op (balance|proposal|buy|...), status (ok|<failure kind>)
	Requests *prometheus.CounterVec
	// Labels: op
	RequestDuration *prometheus.HistogramVec
	PendingRequests prometheus.Gauge

	// Labels: state
	Connections *prometheus.GaugeVec
	// Labels: outcome (scheduled|failed)
	Reconnects      *prometheus.CounterVec
	MalformedFrames prometheus.Counter

	// Labels: state (open|half_open|closed)
	BreakerTransitions *prometheus.CounterVec

	ActiveSessions prometheus.Gauge

	// Labels: sink (audit|kafka), status (ok|error)
	EventsExported *prometheus.CounterVec
}

// New creates and registers all collectors on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Broker requests by operation and outcome",
		}, []string{"op", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Broker request round-trip latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),

		PendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests awaiting a broker response",
		}),

		Connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Broker connections by state",
		}, []string{"state"}),

		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled and given up",
		}, []string{"outcome"}),

		MalformedFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames that failed to decode",
		}),

		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions by target state",
		}, []string{"state"}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Registered broker connections across all users",
		}),

		EventsExported: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_exported_total",
			Help:      "Events written to external sinks",
		}, []string{"sink", "status"}),
	}
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(op, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(op, status).Inc()
	m.RequestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// AddPending adjusts the pending-request gauge.
func (m *Metrics) AddPending(delta int) {
	if m == nil {
		return
	}
	m.PendingRequests.Add(float64(delta))
}

// ConnectionState moves one connection from one state to another. Empty
// states are skipped so creation and destruction can be recorded too.
func (m *Metrics) ConnectionState(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.Connections.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.Connections.WithLabelValues(to).Inc()
	}
}

// Reconnect counts a scheduled or abandoned reconnect.
func (m *Metrics) Reconnect(outcome string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(outcome).Inc()
}

// MalformedFrame counts one undecodable frame.
func (m *Metrics) MalformedFrame() {
	if m == nil {
		return
	}
	m.MalformedFrames.Inc()
}

// BreakerTransition counts a breaker entering state.
func (m *Metrics) BreakerTransition(state string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(state).Inc()
}

// SetSessions sets the active session gauge.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// EventsWritten counts n events exported to sink.
func (m *Metrics) EventsWritten(sink string, n int, err error) {
	if m == nil || n == 0 {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventsExported.WithLabelValues(sink, status).Add(float64(n))
}
