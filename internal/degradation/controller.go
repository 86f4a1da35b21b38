// Package degradation maps recent performance to a discrete degradation level
// and derives the operating parameters (context size, threads, batch size,
// memory admission threshold) every other component reads.
package degradation

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tutor/internal/async"
	"tutor/internal/logging"
	"tutor/internal/performance"
)

// SampleSource supplies the sliding window the controller evaluates.
type SampleSource interface {
	Recent(n int) []performance.Sample
}

// Params are the operating parameters derived from a level.
type Params struct {
	ContextTokens     int     `json:"context_tokens"`
	Threads           int     `json:"thread_count"`
	BatchSize         int     `json:"batch_size"`
	MemoryThresholdMB float64 `json:"memory_threshold_mb"`
	OutputTokenFactor float64 `json:"output_token_factor"`
}

// Snapshot is the metric view a decision was made on.
type Snapshot struct {
	MemoryMB        float64 `json:"memory_mb"`
	CPUPercent      float64 `json:"cpu_percent"`
	LatencySeconds  float64 `json:"latency_seconds"`
	TokensPerSecond float64 `json:"tokens_per_second"`
	HasTokenRate    bool    `json:"has_token_rate"`
}

// State is an immutable degradation decision.
type State struct {
	Level       Level       `json:"level"`
	Reason      string      `json:"reason"`
	Since       time.Time   `json:"since"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
	Metrics     Snapshot    `json:"metrics"`
	Triggers    []Dimension `json:"triggers,omitempty"`
	// Pending is the computed level held back by the cool-down. Triggers
	// then describe it rather than Level.
	Pending *Level `json:"pending,omitempty"`
	Forced  bool   `json:"forced"`
	Params
}

// Listener observes committed transitions.
type Listener func(from, to State)

// Controller is a closed-loop controller over performance samples. Writers
// are serialized; readers load the committed State without locking.
type Controller struct {
	cfg     Config
	source  SampleSource
	logger  logging.Logger
	metrics *Metrics
	now     func() time.Time

	memory    Thresholds
	latency   Thresholds
	tokenRate Thresholds

	current atomic.Pointer[State]

	mu             sync.Mutex
	lastTransition time.Time
	transitioned   bool
	history        []State

	listenerMu sync.RWMutex
	listeners  []Listener
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithMetrics reports level and parameter changes to Prometheus.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New builds a controller starting at Optimal. Zero config fields take the
// defaults; an invalid config is rejected.
func New(cfg Config, source SampleSource, logger logging.Logger, opts ...Option) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("degradation config: %w", err)
	}
	c := &Controller{
		cfg:       cfg,
		source:    source,
		logger:    logging.OrNop(logger),
		now:       time.Now,
		memory:    thresholdsFrom(cfg.MemoryThresholdsMB),
		latency:   thresholdsFrom(cfg.LatencyThresholdsSec),
		tokenRate: thresholdsFrom(cfg.TokenRateThresholds),
	}
	for _, opt := range opts {
		opt(c)
	}
	now := c.now()
	initial := &State{
		Level:       Optimal,
		Reason:      "initial state",
		Since:       now,
		EvaluatedAt: now,
		Params:      c.ParamsFor(Optimal),
	}
	c.current.Store(initial)
	c.history = append(c.history, *initial)
	c.metrics.record(nil, *initial)
	return c, nil
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Subscribe registers a transition listener.
func (c *Controller) Subscribe(l Listener) {
	if l == nil {
		return
	}
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenerMu.Unlock()
}

// Current returns the committed state.
func (c *Controller) Current() State {
	return *c.current.Load()
}

// Level returns the committed level.
func (c *Controller) Level() Level { return c.current.Load().Level }

// Params returns the committed operating parameters.
func (c *Controller) Params() Params { return c.current.Load().Params }

// ContextTokens returns the active context window in tokens.
func (c *Controller) ContextTokens() int { return c.current.Load().ContextTokens }

// BatchSize returns the active concurrency ceiling.
func (c *Controller) BatchSize() int { return c.current.Load().BatchSize }

// Threads returns the active model thread count.
func (c *Controller) Threads() int { return c.current.Load().Threads }

// MemoryThresholdMB returns the active memory admission threshold.
func (c *Controller) MemoryThresholdMB() float64 { return c.current.Load().MemoryThresholdMB }

// ParamsFor derives operating parameters for level.
func (c *Controller) ParamsFor(level Level) Params {
	if !level.Valid() {
		level = Critical
	}
	return Params{
		ContextTokens:     scaled(c.cfg.BaseContextTokens, c.cfg.ContextFactors[level], math.Round),
		Threads:           scaled(c.cfg.BaseThreads, c.cfg.ThreadFactors[level], math.Floor),
		BatchSize:         scaled(c.cfg.BaseBatchSize, c.cfg.BatchFactors[level], math.Floor),
		MemoryThresholdMB: c.cfg.AdmissionMemoryMB[level],
		OutputTokenFactor: c.cfg.OutputTokenFactors[level],
	}
}

func scaled(base int, factor float64, round func(float64) float64) int {
	v := int(round(float64(base) * factor))
	if v < 1 {
		return 1
	}
	return v
}

// Classify computes the level implied by m alone, plus the dimensions that
// reached it. It has no side effects.
func (c *Controller) Classify(m Snapshot) (Level, []Dimension) {
	levels := map[Dimension]Level{
		DimensionMemory:  c.memory.levelAscending(m.MemoryMB),
		DimensionLatency: c.latency.levelAscending(m.LatencySeconds),
	}
	if m.HasTokenRate {
		levels[DimensionTokenRate] = c.tokenRate.levelDescending(m.TokensPerSecond)
	}

	overall := Optimal
	for _, l := range levels {
		if l > overall {
			overall = l
		}
	}
	if overall == Optimal {
		return Optimal, nil
	}
	var triggers []Dimension
	for _, d := range []Dimension{DimensionMemory, DimensionLatency, DimensionTokenRate} {
		if l, ok := levels[d]; ok && l == overall {
			triggers = append(triggers, d)
		}
	}
	return overall, triggers
}

// Observe evaluates after a new sample has been recorded. It is shaped to be
// registered as a performance.Observer.
func (c *Controller) Observe(s performance.Sample) {
	c.Evaluate(s)
}

// Evaluate recomputes the level from s and the recent window. Invalid samples
// are skipped. A transition is committed only when the level changes and the
// cool-down since the last transition has elapsed. It returns the committed
// state.
func (c *Controller) Evaluate(s performance.Sample) State {
	if err := s.Validate(); err != nil {
		c.logger.Debug("Skipping invalid sample: %v", err)
		return c.Current()
	}
	snapshot := c.snapshot(s)
	level, triggers := c.Classify(snapshot)

	c.mu.Lock()
	now := c.now()
	prev := *c.current.Load()

	if level == prev.Level {
		next := prev
		next.EvaluatedAt = now
		next.Metrics = snapshot
		next.Pending = nil
		if !prev.Forced {
			next.Triggers = triggers
		}
		c.current.Store(&next)
		c.mu.Unlock()
		return next
	}

	if c.transitioned && now.Sub(c.lastTransition) < c.cfg.Cooldown {
		next := prev
		next.EvaluatedAt = now
		next.Metrics = snapshot
		next.Triggers = triggers
		next.Pending = &level
		c.current.Store(&next)
		c.mu.Unlock()
		c.logger.Debug("Holding %s for cool-down; computed %s (%s remaining)",
			prev.Level, level, (c.cfg.Cooldown - now.Sub(c.lastTransition)).Round(time.Second))
		return next
	}

	next := State{
		Level:       level,
		Reason:      describe(level, triggers, snapshot),
		Since:       now,
		EvaluatedAt: now,
		Metrics:     snapshot,
		Triggers:    triggers,
		Params:      c.ParamsFor(level),
	}
	c.commitLocked(prev, next)
	c.mu.Unlock()

	c.notify(prev, next)
	return next
}

// ForceLevel commits level immediately, bypassing the cool-down.
func (c *Controller) ForceLevel(level Level, reason string) (State, error) {
	if !level.Valid() {
		return State{}, fmt.Errorf("invalid degradation level %d", int(level))
	}
	if strings.TrimSpace(reason) == "" {
		reason = "forced by operator"
	}

	c.mu.Lock()
	now := c.now()
	prev := *c.current.Load()
	next := State{
		Level:       level,
		Reason:      reason,
		Since:       now,
		EvaluatedAt: now,
		Metrics:     prev.Metrics,
		Forced:      true,
		Params:      c.ParamsFor(level),
	}
	c.commitLocked(prev, next)
	c.mu.Unlock()

	c.notify(prev, next)
	return next, nil
}

func (c *Controller) commitLocked(prev, next State) {
	c.current.Store(&next)
	c.lastTransition = next.Since
	c.transitioned = true
	c.history = append(c.history, next)
	if over := len(c.history) - c.cfg.HistorySize; over > 0 {
		c.history = append([]State(nil), c.history[over:]...)
	}
	c.metrics.record(&prev, next)
	c.logger.Info("Degradation %s -> %s: %s (context=%d threads=%d batch=%d)",
		prev.Level, next.Level, next.Reason, next.ContextTokens, next.Threads, next.BatchSize)
}

func (c *Controller) notify(prev, next State) {
	c.listenerMu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.listenerMu.RUnlock()
	for _, l := range listeners {
		async.Call(c.logger, "Degradation listener", func() { l(prev, next) })
	}
}

// History returns committed transitions, oldest first.
func (c *Controller) History() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.history...)
}

func (c *Controller) snapshot(latest performance.Sample) Snapshot {
	snap := Snapshot{MemoryMB: latest.MemoryMB, CPUPercent: latest.CPUPercent}

	var window []performance.Sample
	if c.source != nil {
		window = c.source.Recent(c.cfg.Window)
	}
	if len(window) == 0 {
		window = []performance.Sample{latest}
	}

	var latencySum, rateSum float64
	var latencyN, rateN int
	for _, s := range window {
		if s.Validate() != nil {
			continue
		}
		latencySum += s.ResponseTime.Seconds()
		latencyN++
		if s.ResponseTokens > 0 {
			rateSum += s.TokensPerSecond
			rateN++
		}
	}
	if latencyN > 0 {
		snap.LatencySeconds = latencySum / float64(latencyN)
	}
	if rateN > 0 {
		snap.TokensPerSecond = rateSum / float64(rateN)
		snap.HasTokenRate = true
	}
	return snap
}

func describe(level Level, triggers []Dimension, m Snapshot) string {
	if level == Optimal {
		return "all metrics within optimal range"
	}
	parts := make([]string, 0, len(triggers))
	for _, d := range triggers {
		switch d {
		case DimensionMemory:
			parts = append(parts, fmt.Sprintf("memory %.0fMB", m.MemoryMB))
		case DimensionLatency:
			parts = append(parts, fmt.Sprintf("mean response time %.1fs", m.LatencySeconds))
		case DimensionTokenRate:
			parts = append(parts, fmt.Sprintf("mean token rate %.1f tok/s", m.TokensPerSecond))
		}
	}
	return fmt.Sprintf("%s triggered by %s", level, strings.Join(parts, ", "))
}
