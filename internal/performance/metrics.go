package performance

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for recorded samples and sampled
// process resources.
type Metrics struct {
	responseSeconds prometheus.Histogram
	tokensPerSecond prometheus.Histogram
	samples         *prometheus.CounterVec
	memoryMB        prometheus.Gauge
	cpuPercent      prometheus.Gauge
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered under the same name.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		responseSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tutor",
			Subsystem: "performance",
			Name:      "response_seconds",
			Help:      "End-to-end generation time of recorded queries.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		tokensPerSecond: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tutor",
			Subsystem: "performance",
			Name:      "tokens_per_second",
			Help:      "Generation throughput of recorded queries.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40},
		}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "performance",
			Name:      "samples_total",
			Help:      "Recorded samples by whether they met every target.",
		}, []string{"targets"}),
		memoryMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tutor",
			Subsystem: "performance",
			Name:      "process_memory_mb",
			Help:      "Resident memory of the process as last sampled.",
		}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tutor",
			Subsystem: "performance",
			Name:      "process_cpu_percent",
			Help:      "CPU utilisation of the process as last sampled.",
		}),
	}

	register(reg, &m.responseSeconds)
	register(reg, &m.tokensPerSecond)
	register(reg, &m.samples)
	register(reg, &m.memoryMB)
	register(reg, &m.cpuPercent)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c *C) {
	if err := reg.Register(*c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				*c = existing
				return
			}
		}
		panic(err)
	}
}

func (m *Metrics) observe(s Sample, metTargets bool) {
	if m == nil {
		return
	}
	m.responseSeconds.Observe(s.ResponseTime.Seconds())
	if s.ResponseTokens > 0 {
		m.tokensPerSecond.Observe(s.TokensPerSecond)
	}
	label := "missed"
	if metTargets {
		label = "met"
	}
	m.samples.WithLabelValues(label).Inc()
}

func (m *Metrics) setUsage(u ResourceUsage) {
	if m == nil {
		return
	}
	m.memoryMB.Set(u.MemoryMB)
	m.cpuPercent.Set(u.CPUPercent)
}
