package degradation

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the controller.
type Metrics struct {
	level         prometheus.Gauge
	transitions   *prometheus.CounterVec
	contextTokens prometheus.Gauge
	threads       prometheus.Gauge
	batchSize     prometheus.Gauge
}

// MustNewMetrics registers the controller collectors with reg.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tutor",
			Subsystem: "degradation",
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		level: gauge("level", "Committed degradation level (0=optimal, 4=critical)."),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "degradation",
			Name:      "transitions_total",
			Help:      "Committed level transitions.",
		}, []string{"from", "to", "forced"}),
		contextTokens: gauge("context_tokens", "Active context window in tokens."),
		threads:       gauge("threads", "Active model thread count."),
		batchSize:     gauge("batch_size", "Active concurrency ceiling."),
	}

	collectors := []*prometheus.Gauge{&m.level, &m.contextTokens, &m.threads, &m.batchSize}
	for _, c := range collectors {
		if err := reg.Register(*c); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			*c = already.ExistingCollector.(prometheus.Gauge)
		}
	}
	if err := reg.Register(m.transitions); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		m.transitions = already.ExistingCollector.(*prometheus.CounterVec)
	}
	return m
}

func (m *Metrics) record(prev *State, next State) {
	if m == nil {
		return
	}
	m.level.Set(float64(next.Level))
	m.contextTokens.Set(float64(next.ContextTokens))
	m.threads.Set(float64(next.Threads))
	m.batchSize.Set(float64(next.BatchSize))
	if prev != nil {
		forced := "false"
		if next.Forced {
			forced = "true"
		}
		m.transitions.WithLabelValues(prev.Level.String(), next.Level.String(), forced).Inc()
	}
}
