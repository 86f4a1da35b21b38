// Package scheduler admits, prioritizes and executes generation queries on a
// small worker pool whose concurrency follows the live degradation limits.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tutor/internal/async"
	tutorerrors "tutor/internal/errors"
	"tutor/internal/llm"
	"tutor/internal/logging"
	"tutor/internal/performance"
)

var (
	// ErrNotFound is returned for ids that were never submitted or whose
	// result has been evicted.
	ErrNotFound = errors.New("query not found")
	// ErrPending is returned when the result is not ready within the wait.
	ErrPending = errors.New("query result not ready")
	// ErrDuplicateID is returned when a caller reuses a live query id.
	ErrDuplicateID = errors.New("duplicate query id")
	// ErrEmptyPrompt is returned for blank prompts.
	ErrEmptyPrompt = errors.New("prompt is empty")
)

// Limits supplies the live concurrency ceiling and memory admission
// threshold. They are read on every decision.
type Limits interface {
	BatchSize() int
	MemoryThresholdMB() float64
}

// ResourceReader reports current process resource usage.
type ResourceReader interface {
	Current() performance.ResourceUsage
}

// SampleRecorder receives one sample per executed query.
type SampleRecorder interface {
	Record(performance.Sample) []performance.Violation
}

// Config configures queueing, the worker pool and the control loops.
type Config struct {
	QueueCapacity    int           `mapstructure:"queue_capacity" json:"queue_capacity" yaml:"queue_capacity"`
	MinWorkers       int           `mapstructure:"min_workers" json:"min_workers" yaml:"min_workers"`
	MaxWorkers       int           `mapstructure:"max_workers" json:"max_workers" yaml:"max_workers"`
	InitialWorkers   int           `mapstructure:"initial_workers" json:"initial_workers" yaml:"initial_workers"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout" json:"default_timeout" yaml:"default_timeout"`
	TickInterval     time.Duration `mapstructure:"tick_interval" json:"tick_interval" yaml:"tick_interval"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval" yaml:"cleanup_interval"`
	ResultRetention  time.Duration `mapstructure:"result_retention" json:"result_retention" yaml:"result_retention"`
	ScaleUpDepth     int           `mapstructure:"scale_up_depth" json:"scale_up_depth" yaml:"scale_up_depth"`
	ScaleUpTicks     int           `mapstructure:"scale_up_ticks" json:"scale_up_ticks" yaml:"scale_up_ticks"`
	MemoryCheckEvery int           `mapstructure:"memory_check_every" json:"memory_check_every" yaml:"memory_check_every"`
}

// DefaultConfig suits a single-user device.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:    32,
		MinWorkers:       1,
		MaxWorkers:       4,
		InitialWorkers:   2,
		DefaultTimeout:   2 * time.Minute,
		TickInterval:     50 * time.Millisecond,
		CleanupInterval:  time.Second,
		ResultRetention:  10 * time.Minute,
		ScaleUpDepth:     2,
		ScaleUpTicks:     3,
		MemoryCheckEvery: 16,
	}
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	switch {
	case c.QueueCapacity <= 0:
		return fmt.Errorf("queue_capacity must be positive")
	case c.MinWorkers <= 0:
		return fmt.Errorf("min_workers must be positive")
	case c.MaxWorkers < c.MinWorkers:
		return fmt.Errorf("max_workers (%d) must be >= min_workers (%d)", c.MaxWorkers, c.MinWorkers)
	case c.InitialWorkers < c.MinWorkers || c.InitialWorkers > c.MaxWorkers:
		return fmt.Errorf("initial_workers must be within [%d, %d]", c.MinWorkers, c.MaxWorkers)
	case c.DefaultTimeout <= 0 || c.TickInterval <= 0 || c.CleanupInterval <= 0 || c.ResultRetention <= 0:
		return fmt.Errorf("timeouts and intervals must be positive")
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueCapacity == 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.MinWorkers == 0 {
		c.MinWorkers = def.MinWorkers
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = max(def.MaxWorkers, c.MinWorkers)
	}
	if c.InitialWorkers == 0 {
		c.InitialWorkers = min(max(def.InitialWorkers, c.MinWorkers), c.MaxWorkers)
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.TickInterval == 0 {
		c.TickInterval = def.TickInterval
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.ResultRetention == 0 {
		c.ResultRetention = def.ResultRetention
	}
	if c.ScaleUpDepth <= 0 {
		c.ScaleUpDepth = def.ScaleUpDepth
	}
	if c.ScaleUpTicks <= 0 {
		c.ScaleUpTicks = def.ScaleUpTicks
	}
	if c.MemoryCheckEvery <= 0 {
		c.MemoryCheckEvery = def.MemoryCheckEvery
	}
	return c
}

type entry struct {
	query     Query
	seq       uint64
	index     int
	done      chan struct{}
	finalized atomic.Bool

	// Set at dispatch, before the entry becomes visible in running.
	ctx       context.Context
	cancel    context.CancelCauseFunc
	startedAt time.Time

	// Fragments streamed so far, read by the timeout sweep.
	streamed atomic.Int64
}

type counters struct {
	submitted atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	expired   atomic.Uint64
	timedOut  atomic.Uint64
	exhausted atomic.Uint64
	rejected  atomic.Uint64
}

// Scheduler owns the priority queue, the worker pool and the result store.
// The queue, the running set and the result store each have their own lock,
// always acquired in that order.
type Scheduler struct {
	cfg       Config
	gen       llm.Generator
	limits    Limits
	resources ResourceReader
	recorder  SampleRecorder
	metrics   *Metrics
	logger    logging.Logger
	now       func() time.Time

	queueMu        sync.Mutex
	queue          *priorityQueue
	seq            uint64
	highWaterDepth int

	activeMu        sync.Mutex
	running         map[string]*entry
	active          int
	highWaterActive int

	resultsMu sync.Mutex
	results   map[string]Result
	pending   map[string]*entry

	counters  counters
	poolSize  atomic.Int32
	sustained int

	jobs   chan *entry
	retire chan struct{}
	wake   chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	lifecycleMu sync.Mutex
	group       *errgroup.Group
	cancelLoops context.CancelFunc
	stopped     atomic.Bool
	stopOnce    sync.Once
	done        chan struct{}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithRecorder sends a performance sample for every executed query.
func WithRecorder(r SampleRecorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithMetrics reports queue activity to Prometheus.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock replaces time.Now for wait/processing accounting.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a scheduler. limits and resources may be nil, which disables the
// corresponding checks.
func New(cfg Config, gen llm.Generator, limits Limits, resources ResourceReader, logger logging.Logger, opts ...Option) (*Scheduler, error) {
	if gen == nil {
		return nil, fmt.Errorf("scheduler requires a generator")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}
	baseCtx, baseCancel := context.WithCancelCause(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		gen:        gen,
		limits:     limits,
		resources:  resources,
		logger:     logging.OrNop(logger),
		now:        time.Now,
		queue:      newPriorityQueue(),
		running:    make(map[string]*entry),
		results:    make(map[string]Result),
		pending:    make(map[string]*entry),
		jobs:       make(chan *entry),
		retire:     make(chan struct{}),
		wake:       make(chan struct{}, 1),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the worker pool and both control loops. Cancelling ctx
// stops the scheduler as if Stop were called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.stopped.Load() {
		return tutorerrors.ErrShutdown
	}
	if s.group != nil {
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	s.group, s.cancelLoops = g, cancel

	for i := 0; i < s.cfg.InitialWorkers; i++ {
		s.spawnWorker(gctx)
	}
	g.Go(func() error { return s.admissionLoop(gctx) })
	g.Go(func() error { return s.cleanupLoop(gctx) })

	go func() {
		<-gctx.Done()
		s.Stop()
	}()

	s.logger.Info("Scheduler started: workers=%d capacity=%d", s.cfg.InitialWorkers, s.cfg.QueueCapacity)
	return nil
}

// Stop cancels running queries, fails queued ones with ErrShutdown and waits
// for workers to exit. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.logger.Info("Scheduler stopping...")
		s.baseCancel(tutorerrors.ErrShutdown)

		s.lifecycleMu.Lock()
		cancel, group := s.cancelLoops, s.group
		s.lifecycleMu.Unlock()
		if cancel != nil {
			cancel()
			_ = group.Wait()
		}

		s.queueMu.Lock()
		left := s.queue.removeIf(func(*entry) bool { return true })
		s.queueMu.Unlock()
		for _, e := range left {
			s.finalize(e, s.failure(e, tutorerrors.ErrShutdown, 0, 0))
		}
		s.metrics.setDepth(0)

		close(s.done)
		s.logger.Info("Scheduler stopped")
	})
}

// Done is closed once Stop has completed.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Submit enqueues q and returns its id. It fails fast with an
// *errors.AdmissionError when the queue is full or memory is at or above the
// live admission threshold.
func (s *Scheduler) Submit(q Query) (string, error) {
	if strings.TrimSpace(q.Prompt) == "" {
		return "", ErrEmptyPrompt
	}
	if !q.Priority.Valid() {
		return "", fmt.Errorf("invalid priority %d", int(q.Priority))
	}
	if s.stopped.Load() {
		return "", tutorerrors.ErrShutdown
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.Timeout <= 0 {
		q.Timeout = s.cfg.DefaultTimeout
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = s.now()
	}
	memory, threshold := s.memoryMB(), s.memoryThreshold()
	e := &entry{query: q, done: make(chan struct{}), index: -1}

	s.queueMu.Lock()
	depth := s.queue.Len()
	var rejection *tutorerrors.AdmissionError
	switch {
	case depth >= s.cfg.QueueCapacity:
		rejection = &tutorerrors.AdmissionError{Cause: "queue_full", Depth: depth, Capacity: s.cfg.QueueCapacity}
	case threshold > 0 && memory >= threshold:
		rejection = &tutorerrors.AdmissionError{Cause: "memory", MemoryMB: memory, LimitMB: threshold}
	}
	if rejection != nil {
		s.queueMu.Unlock()
		s.counters.rejected.Add(1)
		s.metrics.incRejected(rejection.Cause)
		s.logger.Warn("Scheduler: rejected query %s: %v", q.ID, rejection)
		return "", rejection
	}

	s.resultsMu.Lock()
	_, live := s.pending[q.ID]
	_, finished := s.results[q.ID]
	if live || finished {
		s.resultsMu.Unlock()
		s.queueMu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, q.ID)
	}
	s.pending[q.ID] = e
	s.resultsMu.Unlock()

	s.seq++
	e.seq = s.seq
	s.queue.push(e)
	depth = s.queue.Len()
	if depth > s.highWaterDepth {
		s.highWaterDepth = depth
	}
	s.queueMu.Unlock()

	s.counters.submitted.Add(1)
	s.metrics.incSubmitted(q.Priority)
	s.metrics.setDepth(depth)
	s.logger.Debug("Scheduler: queued %s priority=%s depth=%d", q.ID, q.Priority, depth)
	s.wakeAdmission()
	return q.ID, nil
}

// GetResult returns the result for id, waiting up to wait for it. It returns
// ErrPending when the query is still queued or running after the wait and
// ErrNotFound for unknown or evicted ids.
func (s *Scheduler) GetResult(ctx context.Context, id string, wait time.Duration) (Result, error) {
	s.resultsMu.Lock()
	if res, ok := s.results[id]; ok {
		s.resultsMu.Unlock()
		return res, nil
	}
	e, ok := s.pending[id]
	s.resultsMu.Unlock()
	if !ok {
		return Result{}, ErrNotFound
	}
	if wait <= 0 {
		return Result{}, ErrPending
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-e.done:
	case <-timer.C:
		return Result{}, ErrPending
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	if res, ok := s.results[id]; ok {
		return res, nil
	}
	return Result{}, ErrNotFound
}

// Cancel stops a queued or running query. A queued query is removed and
// failed immediately; a running one stops at its next fragment. It returns
// false for unknown or already finished queries.
func (s *Scheduler) Cancel(id string) bool {
	s.queueMu.Lock()
	if e := s.queue.remove(id); e != nil {
		depth := s.queue.Len()
		s.queueMu.Unlock()
		s.metrics.setDepth(depth)
		s.finalize(e, s.failure(e, fmt.Errorf("%w while queued", tutorerrors.ErrCancelled), 0, 0))
		return true
	}
	s.activeMu.Lock()
	e, ok := s.running[id]
	s.activeMu.Unlock()
	s.queueMu.Unlock()

	if !ok || e.finalized.Load() {
		return false
	}
	e.cancel(tutorerrors.ErrCancelled)
	s.logger.Debug("Scheduler: cancellation requested for running query %s", id)
	return true
}

// Status reports queue depth, worker usage and cumulative counters.
func (s *Scheduler) Status() Status {
	s.queueMu.Lock()
	depth, hwDepth := s.queue.Len(), s.highWaterDepth
	s.queueMu.Unlock()

	s.activeMu.Lock()
	active, hwActive := s.active, s.highWaterActive
	s.activeMu.Unlock()

	s.resultsMu.Lock()
	retained := len(s.results)
	s.resultsMu.Unlock()

	s.lifecycleMu.Lock()
	started := s.group != nil
	s.lifecycleMu.Unlock()

	return Status{
		Running:         started && !s.stopped.Load(),
		Depth:           depth,
		Capacity:        s.cfg.QueueCapacity,
		ActiveWorkers:   active,
		PoolSize:        int(s.poolSize.Load()),
		Ceiling:         s.Ceiling(),
		Submitted:       s.counters.submitted.Load(),
		Processed:       s.counters.processed.Load(),
		Failed:          s.counters.failed.Load(),
		Cancelled:       s.counters.cancelled.Load(),
		Expired:         s.counters.expired.Load(),
		TimedOut:        s.counters.timedOut.Load(),
		Exhausted:       s.counters.exhausted.Load(),
		Rejected:        s.counters.rejected.Load(),
		HighWaterDepth:  hwDepth,
		HighWaterActive: hwActive,
		RetainedResults: retained,
	}
}

// Ceiling is the live concurrency limit: the pool size capped by the
// degradation batch size.
func (s *Scheduler) Ceiling() int {
	ceiling := int(s.poolSize.Load())
	if s.limits != nil {
		if b := s.limits.BatchSize(); b > 0 && b < ceiling {
			ceiling = b
		}
	}
	return ceiling
}

func (s *Scheduler) memoryMB() float64 {
	if s.resources == nil {
		return 0
	}
	return s.resources.Current().MemoryMB
}

func (s *Scheduler) memoryThreshold() float64 {
	if s.limits == nil {
		return 0
	}
	return s.limits.MemoryThresholdMB()
}

func (s *Scheduler) memoryOK() bool {
	threshold := s.memoryThreshold()
	return threshold <= 0 || s.memoryMB() < threshold
}

func (s *Scheduler) wakeAdmission() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finalize stores res as the query's only result. Later calls for the same
// entry are ignored.
func (s *Scheduler) finalize(e *entry, res Result) bool {
	if !e.finalized.CompareAndSwap(false, true) {
		return false
	}
	res.QueryID = e.query.ID
	res.Priority = e.query.Priority
	res.Metadata = e.query.Metadata
	if res.CompletedAt.IsZero() {
		res.CompletedAt = s.now()
	}
	if !res.Success {
		res.Text = ""
	}

	s.resultsMu.Lock()
	s.results[e.query.ID] = res
	delete(s.pending, e.query.ID)
	s.resultsMu.Unlock()
	close(e.done)

	s.count(res)
	s.metrics.observeResult(res)
	if res.Success {
		s.logger.Debug("Scheduler: completed %s in %s (%d fragments)", res.QueryID, res.ProcessingTime, res.TokensGenerated)
	} else {
		s.logger.Info("Scheduler: query %s failed (%s): %s", res.QueryID, res.Reason, res.Error)
	}

	if cb := e.query.OnComplete; cb != nil {
		async.Call(s.logger, "Scheduler: completion callback for "+res.QueryID, func() { cb(res) })
	}
	return true
}

func (s *Scheduler) count(res Result) {
	if res.Success {
		s.counters.processed.Add(1)
		return
	}
	s.counters.failed.Add(1)
	switch res.Reason {
	case tutorerrors.ReasonCancelled:
		s.counters.cancelled.Add(1)
	case tutorerrors.ReasonExpired:
		s.counters.expired.Add(1)
	case tutorerrors.ReasonTimedOut:
		s.counters.timedOut.Add(1)
	case tutorerrors.ReasonResourceExhausted:
		s.counters.exhausted.Add(1)
	}
}

func (s *Scheduler) failure(e *entry, err error, processing time.Duration, tokens int) Result {
	now := s.now()
	wait := now.Sub(e.query.CreatedAt)
	if !e.startedAt.IsZero() {
		wait = e.startedAt.Sub(e.query.CreatedAt)
	}
	return Result{
		Success:         false,
		Error:           err.Error(),
		Reason:          tutorerrors.Reason(err),
		WaitTime:        wait,
		ProcessingTime:  processing,
		TokensGenerated: tokens,
		MemoryMB:        s.memoryMB(),
		CompletedAt:     now,
	}
}
