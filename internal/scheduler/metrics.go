package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	tutorerrors "tutor/internal/errors"
)

// Metrics exposes Prometheus collectors for queue and worker activity.
type Metrics struct {
	depth      prometheus.Gauge
	active     prometheus.Gauge
	pool       prometheus.Gauge
	submitted  *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	waitTime   prometheus.Histogram
	processing prometheus.Histogram
}

// MustNewMetrics registers the scheduler collectors with reg, reusing
// collectors that are already registered.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tutor",
			Subsystem: "scheduler",
			Name:      name,
			Help:      help,
		})
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "scheduler",
			Name:      name,
			Help:      help,
		}, labels)
	}
	m := &Metrics{
		depth:     gauge("queue_depth", "Queries waiting for a worker."),
		active:    gauge("active_workers", "Workers currently executing a query."),
		pool:      gauge("pool_size", "Workers alive in the pool."),
		submitted: counter("submitted_total", "Accepted queries by priority.", "priority"),
		outcomes:  counter("results_total", "Final query outcomes by reason.", "reason"),
		rejected:  counter("rejected_total", "Admission rejections by cause.", "cause"),
		waitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tutor",
			Subsystem: "scheduler",
			Name:      "wait_seconds",
			Help:      "Time between submission and dispatch.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
		processing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tutor",
			Subsystem: "scheduler",
			Name:      "processing_seconds",
			Help:      "Time spent executing a dispatched query.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 120},
		}),
	}
	register(reg, &m.depth)
	register(reg, &m.active)
	register(reg, &m.pool)
	register(reg, &m.submitted)
	register(reg, &m.outcomes)
	register(reg, &m.rejected)
	register(reg, &m.waitTime)
	register(reg, &m.processing)
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

func (m *Metrics) setDepth(n int) {
	if m != nil {
		m.depth.Set(float64(n))
	}
}

func (m *Metrics) setActive(n int) {
	if m != nil {
		m.active.Set(float64(n))
	}
}

func (m *Metrics) setPool(n int) {
	if m != nil {
		m.pool.Set(float64(n))
	}
}

func (m *Metrics) incSubmitted(p Priority) {
	if m != nil {
		m.submitted.WithLabelValues(p.String()).Inc()
	}
}

func (m *Metrics) incRejected(cause string) {
	if m != nil {
		m.rejected.WithLabelValues(cause).Inc()
	}
}

func (m *Metrics) observeResult(res Result) {
	if m == nil {
		return
	}
	reason := string(res.Reason)
	if res.Success || res.Reason == tutorerrors.ReasonNone {
		reason = "completed"
	}
	m.outcomes.WithLabelValues(reason).Inc()
	if res.ProcessingTime > 0 {
		m.waitTime.Observe(res.WaitTime.Seconds())
		m.processing.Observe(res.ProcessingTime.Seconds())
	}
}
