package orchestrator

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report pipeline activity.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	responses     *prometheus.CounterVec
	queriesActive prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level instance registered with the
// global Prometheus registry, created once so repeated orchestrators do not
// register twice.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the pipeline collectors with reg, reusing any
// that are already registered. Other registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tutor",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{0.005, 0.02, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage", "status"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "pipeline",
			Name:      "stage_failures_total",
			Help:      "Pipeline stages that failed, by failure reason.",
		}, []string{"stage", "reason"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "pipeline",
			Name:      "responses_total",
			Help:      "Responses handed back to learners, by outcome.",
		}, []string{"outcome"}),
		queriesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tutor",
			Subsystem: "pipeline",
			Name:      "queries_active",
			Help:      "Queries currently inside the synchronous pipeline.",
		}),
	}
	register(reg, &m.stageDuration)
	register(reg, &m.stageFailures)
	register(reg, &m.responses)
	register(reg, &m.queriesActive)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c *C) {
	err := reg.Register(*c)
	if err == nil {
		return
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			*c = existing
			return
		}
	}
	panic(err)
}

// ObserveStage records the time spent in a stage.
func (m *Metrics) ObserveStage(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

// IncStageFailure counts a failed stage.
func (m *Metrics) IncStageFailure(stage, reason string) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage, reason).Inc()
}

// IncResponse counts a response by outcome: answered, queued or a fallback
// reason.
func (m *Metrics) IncResponse(outcome string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incActive() {
	if m == nil {
		return
	}
	m.queriesActive.Inc()
}

func (m *Metrics) decActive() {
	if m == nil {
		return
	}
	m.queriesActive.Dec()
}
