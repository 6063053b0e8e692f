package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the gateway's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connections    prometheus.Gauge
	joins          *prometheus.CounterVec
	messages       *prometheus.CounterVec
	fanoutDropped  prometheus.Counter
	roomCollisions prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eduloom",
			Subsystem: "chat",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eduloom",
			Subsystem: "chat",
			Name:      "joins_total",
			Help:      "joinPrivateChat requests by result.",
		}, []string{"result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eduloom",
			Subsystem: "chat",
			Name:      "messages_total",
			Help:      "chatMessage requests by result.",
		}, []string{"result"}),
		fanoutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eduloom",
			Subsystem: "chat",
			Name:      "fanout_dropped_total",
			Help:      "Envelopes dropped because a member queue was full.",
		}),
		roomCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eduloom",
			Subsystem: "chat",
			Name:      "room_collisions_total",
			Help:      "Joins that gave a room more than two distinct participants.",
		}),
	}

	for _, c := range []prometheus.Collector{m.connections, m.joins, m.messages, m.fanoutDropped, m.roomCollisions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
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

func (m *Metrics) join(result string) {
	if m != nil {
		m.joins.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) message(result string) {
	if m != nil {
		m.messages.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) dropped(n int) {
	if m != nil && n > 0 {
		m.fanoutDropped.Add(float64(n))
	}
}

func (m *Metrics) collision() {
	if m != nil {
		m.roomCollisions.Inc()
	}
}
