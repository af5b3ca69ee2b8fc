package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRequest("balance", "ok", 20*time.Millisecond)
	m.ObserveRequest("balance", "ok", 30*time.Millisecond)
	m.ObserveRequest("buy", "CircuitOpen", 0)
	m.AddPending(3)
	m.AddPending(-1)
	m.ConnectionState("", "connecting")
	m.ConnectionState("connecting", "connected")
	m.Reconnect("scheduled")
	m.MalformedFrame()
	m.BreakerTransition("open")
	m.SetSessions(4)
	m.EventsWritten("kafka", 10, nil)
	m.EventsWritten("kafka", 2, errors.New("broker down"))

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"balance ok", m.Requests.WithLabelValues("balance", "ok"), 2},
		{"buy open", m.Requests.WithLabelValues("buy", "CircuitOpen"), 1},
		{"pending", m.PendingRequests, 2},
		{"connecting", m.Connections.WithLabelValues("connecting"), 0},
		{"connected", m.Connections.WithLabelValues("connected"), 1},
		{"reconnects", m.Reconnects.WithLabelValues("scheduled"), 1},
		{"malformed", m.MalformedFrames, 1},
		{"breaker", m.BreakerTransitions.WithLabelValues("open"), 1},
		{"sessions", m.ActiveSessions, 4},
		{"kafka ok", m.EventsExported.WithLabelValues("kafka", "ok"), 10},
		{"kafka error", m.EventsExported.WithLabelValues("kafka", "error"), 2},
	}

	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("balance", "ok", time.Second)
	m.AddPending(1)
	m.ConnectionState("a", "b")
	m.Reconnect("failed")
	m.MalformedFrame()
	m.BreakerTransition("open")
	m.SetSessions(1)
	m.EventsWritten("audit", 1, nil)
}
