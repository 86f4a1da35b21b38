// Package performance records per-query performance samples in a bounded
// rolling history and samples raw process resources in the background.
package performance

import (
	"math"
	"sync"
	"time"

	"tutor/internal/async"
	"tutor/internal/logging"
)

// DefaultCapacity bounds the rolling sample history.
const DefaultCapacity = 1000

// Observer is notified after every recorded sample.
type Observer func(Sample)

// Config configures a Tracker.
type Config struct {
	Capacity int     `mapstructure:"capacity" json:"capacity" yaml:"capacity"`
	Targets  Targets `mapstructure:"targets" json:"targets" yaml:"targets"`
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{Capacity: DefaultCapacity, Targets: DefaultTargets()}
}

// Tracker keeps the most recent samples in a ring buffer. Appends are
// serialized; readers take snapshots.
type Tracker struct {
	logger  logging.Logger
	targets Targets
	metrics *Metrics

	mu       sync.RWMutex
	buf      []Sample
	next     int
	size     int
	recorded uint64
	dropped  uint64

	obsMu     sync.RWMutex
	observers []Observer
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithMetrics reports recorded samples to Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker builds a tracker. A non-positive capacity uses DefaultCapacity.
func NewTracker(cfg Config, logger logging.Logger, opts ...Option) *Tracker {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	t := &Tracker{
		logger:  logging.OrNop(logger),
		targets: cfg.Targets,
		buf:     make([]Sample, cfg.Capacity),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe registers an observer called synchronously after each Record.
func (t *Tracker) Subscribe(o Observer) {
	if o == nil {
		return
	}
	t.obsMu.Lock()
	t.observers = append(t.observers, o)
	t.obsMu.Unlock()
}

// Targets returns the static targets samples are judged against.
func (t *Tracker) Targets() Targets {
	return t.targets
}

// Record appends s, logs any missed targets and notifies observers. Invalid
// samples are dropped. The returned violations are informational only.
func (t *Tracker) Record(s Sample) []Violation {
	if err := s.Validate(); err != nil {
		t.mu.Lock()
		t.dropped++
		t.mu.Unlock()
		t.logger.Warn("Dropping performance sample for query %s: %v", s.QueryID, err)
		return nil
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	t.mu.Lock()
	t.buf[t.next] = s
	t.next = (t.next + 1) % len(t.buf)
	if t.size < len(t.buf) {
		t.size++
	}
	t.recorded++
	t.mu.Unlock()

	violations := t.targets.Check(s)
	for _, v := range violations {
		t.logger.Warn("Query %s missed performance target: %s", s.QueryID, v)
	}
	t.metrics.observe(s, len(violations) == 0)

	t.obsMu.RLock()
	observers := append([]Observer(nil), t.observers...)
	t.obsMu.RUnlock()
	for _, o := range observers {
		async.Call(t.logger, "Performance observer", func() { o(s) })
	}
	return violations
}

// Len returns the number of samples currently retained.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Recorded returns the total number of accepted samples since creation.
func (t *Tracker) Recorded() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.recorded
}

// Latest returns the newest sample.
func (t *Tracker) Latest() (Sample, bool) {
	recent := t.Recent(1)
	if len(recent) == 0 {
		return Sample{}, false
	}
	return recent[0], true
}

// Recent returns up to n of the newest samples, oldest first. n <= 0 returns
// everything retained.
func (t *Tracker) Recent(n int) []Sample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n <= 0 || n > t.size {
		n = t.size
	}
	out := make([]Sample, n)
	start := (t.next - n + len(t.buf)) % len(t.buf)
	for i := 0; i < n; i++ {
		out[i] = t.buf[(start+i)%len(t.buf)]
	}
	return out
}

// Stat aggregates one metric.
type Stat struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

// Summary aggregates a window of samples.
type Summary struct {
	Samples           int            `json:"samples"`
	Successful        int            `json:"successful"`
	ResponseSeconds   Stat           `json:"response_seconds"`
	MemoryMB          Stat           `json:"memory_mb"`
	CPUPercent        Stat           `json:"cpu_percent"`
	TokensPerSecond   Stat           `json:"tokens_per_second"`
	ContextTokens     Stat           `json:"context_tokens"`
	ResponseTokens    Stat           `json:"response_tokens"`
	Grades            map[string]int `json:"grades"`
	MeetingTargetsPct float64        `json:"meeting_targets_pct"`
	Dropped           uint64         `json:"dropped"`
}

// Summary aggregates the newest lastN samples (all when lastN <= 0).
func (t *Tracker) Summary(lastN int) Summary {
	samples := t.Recent(lastN)
	t.mu.RLock()
	dropped := t.dropped
	t.mu.RUnlock()

	summary := Summary{Samples: len(samples), Grades: map[string]int{}, Dropped: dropped}
	if len(samples) == 0 {
		return summary
	}

	var resp, mem, cpu, rate, ctxTok, respTok statAcc
	meeting := 0
	for _, s := range samples {
		resp.add(s.ResponseTime.Seconds())
		mem.add(s.MemoryMB)
		cpu.add(s.CPUPercent)
		rate.add(s.TokensPerSecond)
		ctxTok.add(float64(s.ContextTokens))
		respTok.add(float64(s.ResponseTokens))
		if s.Success {
			summary.Successful++
		}
		if len(t.targets.Check(s)) == 0 {
			meeting++
		}
		summary.Grades[t.targets.Grade(s)]++
	}
	summary.ResponseSeconds = resp.stat()
	summary.MemoryMB = mem.stat()
	summary.CPUPercent = cpu.stat()
	summary.TokensPerSecond = rate.stat()
	summary.ContextTokens = ctxTok.stat()
	summary.ResponseTokens = respTok.stat()
	summary.MeetingTargetsPct = 100 * float64(meeting) / float64(len(samples))
	return summary
}

type statAcc struct {
	n             int
	min, max, sum float64
}

func (a *statAcc) add(v float64) {
	if a.n == 0 {
		a.min, a.max = v, v
	}
	a.min = math.Min(a.min, v)
	a.max = math.Max(a.max, v)
	a.sum += v
	a.n++
}

func (a statAcc) stat() Stat {
	if a.n == 0 {
		return Stat{}
	}
	return Stat{Min: a.min, Max: a.max, Mean: a.sum / float64(a.n)}
}
