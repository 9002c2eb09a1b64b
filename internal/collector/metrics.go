package collector

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	ticks        *prometheus.CounterVec
	ticksSkipped prometheus.Counter
	samples      prometheus.Counter
	alerts       *prometheus.CounterVec
	active       prometheus.Gauge
}

// NewMetrics registers collector metrics on reg. A nil reg disables them.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spcstream",
			Subsystem: "collector",
			Name:      "ticks_total",
			Help:      "Collector ticks by outcome",
		}, []string{"outcome"}), // success, error, discarded
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spcstream",
			Subsystem: "collector",
			Name:      "ticks_skipped_total",
			Help:      "Scheduled ticks skipped because the previous tick was still running",
		}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spcstream",
			Subsystem: "collector",
			Name:      "samples_total",
			Help:      "Samples processed and persisted",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spcstream",
			Subsystem: "collector",
			Name:      "alerts_total",
			Help:      "Alerts raised by type",
		}, []string{"type"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "spcstream",
			Subsystem: "collector",
			Name:      "active",
			Help:      "Collectors currently running",
		}),
	}
	for _, c := range []prometheus.Collector{m.ticks, m.ticksSkipped, m.samples, m.alerts, m.active} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) tick(outcome string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) skipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ticksSkipped.Add(float64(n))
}

func (m *Metrics) sample() {
	if m == nil {
		return
	}
	m.samples.Inc()
}

func (m *Metrics) alert(alertType string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(alertType).Inc()
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}
