package distribution

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	subscribers prometheus.Gauge
	refused     prometheus.Counter
	dropped     *prometheus.CounterVec
	broadcasts  *prometheus.CounterVec
	disconnects *prometheus.CounterVec
}

// NewMetrics registers distribution metrics on reg. A nil reg disables them.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "spcstream",
			Subsystem: "distribution",
			Name:      "subscribers",
			Help:      "Currently connected subscribers",
		}),
		refused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spcstream",
			Subsystem: "distribution",
			Name:      "refused_connections_total",
			Help:      "Connections refused at the subscriber cap",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spcstream",
			Subsystem: "distribution",
			Name:      "dropped_messages_total",
			Help:      "Messages dropped by reason",
		}, []string{"reason"}), // size, rate, malformed, unknown, slow
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spcstream",
			Subsystem: "distribution",
			Name:      "broadcasts_total",
			Help:      "Broadcasts by channel",
		}, []string{"channel"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spcstream",
			Subsystem: "distribution",
			Name:      "disconnects_total",
			Help:      "Subscriber disconnects by reason",
		}, []string{"reason"}), // closed, heartbeat, write_error, shutdown
	}
	for _, c := range []prometheus.Collector{m.subscribers, m.refused, m.dropped, m.broadcasts, m.disconnects} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) setSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) refuse() {
	if m == nil {
		return
	}
	m.refused.Inc()
}

func (m *Metrics) drop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) broadcast(channel string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(channel).Inc()
}

func (m *Metrics) disconnect(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason).Inc()
}
