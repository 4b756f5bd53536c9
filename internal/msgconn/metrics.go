package msgconn

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the connection collectors. A nil *Metrics records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	requests    *prometheus.CounterVec
	reconnects  prometheus.Counter
	handshakes  *prometheus.CounterVec
	pending     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ptp",
				Subsystem: "msgconn",
				Name:      "state_transitions_total",
				Help:      "Connection state transitions by target state.",
			},
			[]string{"state"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ptp",
				Subsystem: "msgconn",
				Name:      "requests_total",
				Help:      "Correlated requests by outcome.",
			},
			[]string{"outcome"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ptp",
				Subsystem: "msgconn",
				Name:      "reconnects_scheduled_total",
				Help:      "Reconnect timers armed.",
			},
		),
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ptp",
				Subsystem: "msgconn",
				Name:      "handshakes_total",
				Help:      "Handshake attempts by result.",
			},
			[]string{"result"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ptp",
				Subsystem: "msgconn",
				Name:      "pending_requests",
				Help:      "Requests awaiting a response.",
			},
		),
	}
	for _, c := range []prometheus.Collector{m.transitions, m.requests, m.reconnects, m.handshakes, m.pending} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) stateChanged(s State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) requestDone(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) pendingDelta(d float64) {
	if m == nil {
		return
	}
	m.pending.Add(d)
}
