package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tutorerrors "tutor/internal/errors"
	"tutor/internal/llm"
	"tutor/internal/logging"
	"tutor/internal/performance"
)

type fakeLimits struct {
	batch     atomic.Int32
	threshold atomic.Int64
}

func newLimits(batch int, thresholdMB int64) *fakeLimits {
	l := &fakeLimits{}
	l.batch.Store(int32(batch))
	l.threshold.Store(thresholdMB)
	return l
}

func (l *fakeLimits) BatchSize() int             { return int(l.batch.Load()) }
func (l *fakeLimits) MemoryThresholdMB() float64 { return float64(l.threshold.Load()) }

type fakeResources struct {
	memory atomic.Int64
}

func newResources(mb int64) *fakeResources {
	r := &fakeResources{}
	r.memory.Store(mb)
	return r
}

func (r *fakeResources) Current() performance.ResourceUsage {
	return performance.ResourceUsage{MemoryMB: float64(r.memory.Load()), CPUPercent: 10, SampledAt: time.Now()}
}

type recordingRecorder struct {
	mu      sync.Mutex
	samples []performance.Sample
}

func (r *recordingRecorder) Record(s performance.Sample) []performance.Violation {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	return nil
}

func (r *recordingRecorder) all() []performance.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]performance.Sample(nil), r.samples...)
}

// paced yields n fragments, one every delay, stopping when ctx ends.
func paced(n int, delay time.Duration) llm.Generator {
	return llm.GeneratorFunc(func(ctx context.Context, _ llm.Request) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			for i := 0; i < n; i++ {
				select {
				case <-ctx.Done():
					yield("", context.Cause(ctx))
					return
				case <-time.After(delay):
				}
				if !yield(fmt.Sprintf("t%d ", i), nil) {
					return
				}
			}
		}
	})
}

// blocking never yields until ctx ends.
func blocking() llm.Generator {
	return llm.GeneratorFunc(func(ctx context.Context, _ llm.Request) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			<-ctx.Done()
			yield("", context.Cause(ctx))
		}
	})
}

func testConfig() Config {
	return Config{
		QueueCapacity:   8,
		MinWorkers:      1,
		MaxWorkers:      1,
		InitialWorkers:  1,
		DefaultTimeout:  5 * time.Second,
		TickInterval:    10 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
		ResultRetention: time.Minute,
	}
}

func newTestScheduler(t *testing.T, cfg Config, gen llm.Generator, limits Limits, resources ResourceReader, opts ...Option) *Scheduler {
	t.Helper()
	if limits == nil {
		limits = newLimits(4, 3000)
	}
	if resources == nil {
		resources = newResources(1000)
	}
	s, err := New(cfg, gen, limits, resources, logging.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func start(t *testing.T, s *Scheduler) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
}

func await(t *testing.T, s *Scheduler, id string) Result {
	t.Helper()
	res, err := s.GetResult(context.Background(), id, 3*time.Second)
	require.NoError(t, err)
	return res
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 2
	s := newTestScheduler(t, cfg, llm.Fragments("ok"), nil, nil)

	for i := 0; i < 2; i++ {
		_, err := s.Submit(Query{Prompt: "q", Priority: PriorityUrgent})
		require.NoError(t, err)
	}
	_, err := s.Submit(Query{Prompt: "q", Priority: PriorityUrgent})
	require.Error(t, err)

	var admission *tutorerrors.AdmissionError
	require.ErrorAs(t, err, &admission)
	assert.Equal(t, "queue_full", admission.Cause)
	assert.Equal(t, tutorerrors.ReasonAdmissionRejected, tutorerrors.Reason(err))

	st := s.Status()
	assert.Equal(t, 2, st.Depth)
	assert.EqualValues(t, 1, st.Rejected)
	assert.EqualValues(t, 2, st.Submitted)
}

func TestSubmitRejectsAtMemoryThreshold(t *testing.T) {
	resources := newResources(3000)
	s := newTestScheduler(t, testConfig(), llm.Fragments("ok"), newLimits(4, 3000), resources)

	_, err := s.Submit(Query{Prompt: "q"})
	var admission *tutorerrors.AdmissionError
	require.ErrorAs(t, err, &admission)
	assert.Equal(t, "memory", admission.Cause)

	resources.memory.Store(2999)
	_, err = s.Submit(Query{Prompt: "q"})
	assert.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	s := newTestScheduler(t, testConfig(), llm.Fragments("ok"), nil, nil)

	_, err := s.Submit(Query{Prompt: "  "})
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = s.Submit(Query{Prompt: "q", Priority: Priority(9)})
	assert.Error(t, err)

	id, err := s.Submit(Query{ID: "fixed", Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)
	_, err = s.Submit(Query{ID: "fixed", Prompt: "q"})
	assert.ErrorIs(t, err, ErrDuplicateID)

	generated, err := s.Submit(Query{Prompt: "q"})
	require.NoError(t, err)
	assert.NotEmpty(t, generated)
}

func TestDispatchFollowsPriorityThenArrival(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	gen := llm.GeneratorFunc(func(ctx context.Context, req llm.Request) iter.Seq2[string, error] {
		mu.Lock()
		order = append(order, req.Prompt)
		mu.Unlock()
		return llm.Fragments("done").Generate(ctx, req)
	})
	s := newTestScheduler(t, testConfig(), gen, nil, nil)

	submissions := []struct {
		prompt   string
		priority Priority
	}{
		{"low", PriorityLow},
		{"normal-1", PriorityNormal},
		{"urgent", PriorityUrgent},
		{"high", PriorityHigh},
		{"normal-2", PriorityNormal},
	}
	var ids []string
	for _, sub := range submissions {
		id, err := s.Submit(Query{Prompt: sub.prompt, Priority: sub.priority})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	start(t, s)
	for _, id := range ids {
		assert.True(t, await(t, s, id).Success)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"urgent", "high", "normal-1", "normal-2", "low"}, order)
}

func TestUrgentQueryCompletesPromptlyWhenIdle(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = 50 * time.Millisecond
	s := newTestScheduler(t, cfg, llm.Fragments("Photosynthesis ", "makes sugar."), nil, nil)
	start(t, s)

	id, err := s.Submit(Query{Prompt: "what is photosynthesis", Priority: PriorityUrgent})
	require.NoError(t, err)
	res := await(t, s, id)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Photosynthesis makes sugar.", res.Text)
	assert.Equal(t, 2, res.TokensGenerated)
	assert.Less(t, res.WaitTime, cfg.TickInterval)
	assert.Equal(t, PriorityUrgent, res.Priority)

	st := s.Status()
	assert.Equal(t, 0, st.ActiveWorkers)
	assert.EqualValues(t, 1, st.Processed)
}

func TestCancelRunningQueryStopsGeneration(t *testing.T) {
	s := newTestScheduler(t, testConfig(), paced(100, 10*time.Millisecond), nil, nil)
	start(t, s)

	id, err := s.Submit(Query{Prompt: "long answer"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Status().ActiveWorkers == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.True(t, s.Cancel(id))

	res := await(t, s, id)
	assert.False(t, res.Success)
	assert.Equal(t, tutorerrors.ReasonCancelled, res.Reason)
	assert.Empty(t, res.Text)
	assert.Less(t, res.TokensGenerated, 100)
	assert.Eventually(t, func() bool { return s.Status().ActiveWorkers == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Cancel(id))
}

func TestCancelQueuedQuery(t *testing.T) {
	s := newTestScheduler(t, testConfig(), llm.Fragments("ok"), nil, nil)
	id, err := s.Submit(Query{Prompt: "q"})
	require.NoError(t, err)

	require.True(t, s.Cancel(id))
	res, err := s.GetResult(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Equal(t, tutorerrors.ReasonCancelled, res.Reason)
	assert.Zero(t, res.ProcessingTime)
	assert.Equal(t, 0, s.Status().Depth)
	assert.False(t, s.Cancel("missing"))
}

func TestQueuedQueryExpires(t *testing.T) {
	resources := newResources(1000)
	s := newTestScheduler(t, testConfig(), llm.Fragments("ok"), newLimits(4, 3000), resources)

	id, err := s.Submit(Query{Prompt: "q", Timeout: 80 * time.Millisecond})
	require.NoError(t, err)
	// Memory above the threshold holds dispatch back.
	resources.memory.Store(3050)
	start(t, s)

	res := await(t, s, id)
	assert.Equal(t, tutorerrors.ReasonExpired, res.Reason)
	assert.Zero(t, res.ProcessingTime)
	assert.GreaterOrEqual(t, res.WaitTime, 80*time.Millisecond)
	assert.EqualValues(t, 1, s.Status().Expired)
}

func TestRunningQueryTimesOut(t *testing.T) {
	s := newTestScheduler(t, testConfig(), blocking(), nil, nil)
	start(t, s)

	id, err := s.Submit(Query{Prompt: "q", Timeout: 60 * time.Millisecond})
	require.NoError(t, err)

	res := await(t, s, id)
	assert.Equal(t, tutorerrors.ReasonTimedOut, res.Reason)
	assert.GreaterOrEqual(t, res.WaitTime+res.ProcessingTime, 60*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Status().ActiveWorkers == 0 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, s.Status().TimedOut)
}

func TestTimeoutCountsTimeSpentQueued(t *testing.T) {
	s := newTestScheduler(t, testConfig(), blocking(), nil, nil)
	start(t, s)

	first, err := s.Submit(Query{Prompt: "first", Timeout: 120 * time.Millisecond})
	require.NoError(t, err)
	second, err := s.Submit(Query{Prompt: "second", Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, tutorerrors.ReasonTimedOut, await(t, s, first).Reason)
	res := await(t, s, second)
	assert.Equal(t, tutorerrors.ReasonTimedOut, res.Reason)
	assert.GreaterOrEqual(t, res.WaitTime, 100*time.Millisecond)
	assert.Less(t, res.ProcessingTime, 200*time.Millisecond)
}

func TestTimedOutResultReportsStreamedTokens(t *testing.T) {
	s := newTestScheduler(t, testConfig(), paced(100, 10*time.Millisecond), nil, nil)
	start(t, s)

	id, err := s.Submit(Query{Prompt: "long answer", Timeout: 120 * time.Millisecond})
	require.NoError(t, err)

	res := await(t, s, id)
	assert.Equal(t, tutorerrors.ReasonTimedOut, res.Reason)
	assert.Positive(t, res.TokensGenerated)
	assert.Less(t, res.TokensGenerated, 100)
}

func TestMemoryCrossingDuringGenerationAborts(t *testing.T) {
	resources := newResources(1000)
	var yielded atomic.Int32
	gen := llm.GeneratorFunc(func(ctx context.Context, _ llm.Request) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			for i := 0; i < 50; i++ {
				if ctx.Err() != nil {
					return
				}
				if yielded.Add(1) == 3 {
					resources.memory.Store(3200)
				}
				if !yield("x ", nil) {
					return
				}
			}
		}
	})
	cfg := testConfig()
	cfg.MemoryCheckEvery = 2
	s := newTestScheduler(t, cfg, gen, newLimits(4, 3000), resources)
	start(t, s)

	id, err := s.Submit(Query{Prompt: "q"})
	require.NoError(t, err)
	res := await(t, s, id)

	assert.Equal(t, tutorerrors.ReasonResourceExhausted, res.Reason)
	assert.Equal(t, 4, res.TokensGenerated)
	assert.EqualValues(t, 1, s.Status().Exhausted)
}

func TestGenerationFailures(t *testing.T) {
	failing := llm.GeneratorFunc(func(ctx context.Context, _ llm.Request) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			if !yield("partial ", nil) {
				return
			}
			yield("", errors.New("model crashed"))
		}
	})
	panicking := llm.GeneratorFunc(func(ctx context.Context, _ llm.Request) iter.Seq2[string, error] {
		panic("boom")
	})

	tests := []struct {
		name string
		gen  llm.Generator
		want string
	}{
		{name: "stream error", gen: failing, want: "model crashed"},
		{name: "empty output", gen: llm.Fragments("  ", "\n"), want: "no usable text"},
		{name: "panic", gen: panicking, want: "panic: boom"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestScheduler(t, testConfig(), tc.gen, nil, nil)
			start(t, s)
			id, err := s.Submit(Query{Prompt: "q"})
			require.NoError(t, err)

			res := await(t, s, id)
			assert.False(t, res.Success)
			assert.Equal(t, tutorerrors.ReasonGeneration, res.Reason)
			assert.Contains(t, res.Error, tc.want)
			assert.Empty(t, res.Text)
			assert.Equal(t, 0, s.Status().ActiveWorkers)
		})
	}
}

func TestOnCompleteRunsOnceAndPanicsAreContained(t *testing.T) {
	s := newTestScheduler(t, testConfig(), llm.Fragments("ok"), nil, nil)
	start(t, s)

	var calls atomic.Int32
	first, err := s.Submit(Query{Prompt: "q", OnComplete: func(Result) {
		calls.Add(1)
		panic("callback failure")
	}})
	require.NoError(t, err)
	assert.True(t, await(t, s, first).Success)
	assert.EqualValues(t, 1, calls.Load())

	second, err := s.Submit(Query{Prompt: "q"})
	require.NoError(t, err)
	assert.True(t, await(t, s, second).Success)
	assert.Equal(t, 0, s.Status().ActiveWorkers)
}

func TestRecorderReceivesSamples(t *testing.T) {
	rec := &recordingRecorder{}
	s := newTestScheduler(t, testConfig(), llm.Fragments("a ", "b ", "c"), nil, newResources(1234), WithRecorder(rec))
	start(t, s)

	id, err := s.Submit(Query{Prompt: "q", ContextTokens: 640})
	require.NoError(t, err)
	require.True(t, await(t, s, id).Success)

	samples := rec.all()
	require.Len(t, samples, 1)
	assert.Equal(t, id, samples[0].QueryID)
	assert.Equal(t, 3, samples[0].ResponseTokens)
	assert.Equal(t, 640, samples[0].ContextTokens)
	assert.InDelta(t, 1234, samples[0].MemoryMB, 0.001)
	assert.True(t, samples[0].Success)
}

func TestCancelledQueriesAreNotSampled(t *testing.T) {
	rec := &recordingRecorder{}
	s := newTestScheduler(t, testConfig(), blocking(), nil, nil, WithRecorder(rec))
	start(t, s)

	id, err := s.Submit(Query{Prompt: "q"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Status().ActiveWorkers == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, s.Cancel(id))
	await(t, s, id)
	require.Eventually(t, func() bool { return s.Status().ActiveWorkers == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.all())
}

func TestCeilingFollowsBatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers, cfg.MaxWorkers, cfg.InitialWorkers = 3, 3, 3
	limits := newLimits(1, 3000)
	s := newTestScheduler(t, cfg, paced(3, 5*time.Millisecond), limits, nil)
	start(t, s)
	assert.Equal(t, 1, s.Ceiling())

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := s.Submit(Query{Prompt: "q"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		assert.True(t, await(t, s, id).Success)
	}
	assert.Equal(t, 1, s.Status().HighWaterActive)

	limits.batch.Store(8)
	assert.Equal(t, 3, s.Ceiling())
}

func TestPoolScalesUpUnderBacklogAndBackDown(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 2
	cfg.ScaleUpDepth = 1
	cfg.ScaleUpTicks = 1
	s := newTestScheduler(t, cfg, blocking(), nil, nil)
	start(t, s)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.Submit(Query{Prompt: "q"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Eventually(t, func() bool { return s.Status().PoolSize == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Status().ActiveWorkers == 2 }, time.Second, 5*time.Millisecond)

	for _, id := range ids {
		s.Cancel(id)
	}
	assert.Eventually(t, func() bool {
		st := s.Status()
		return st.PoolSize == 1 && st.ActiveWorkers == 0 && st.Depth == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResultsAreEvictedAfterRetention(t *testing.T) {
	cfg := testConfig()
	cfg.ResultRetention = 40 * time.Millisecond
	s := newTestScheduler(t, cfg, llm.Fragments("ok"), nil, nil)
	start(t, s)

	id, err := s.Submit(Query{Prompt: "q"})
	require.NoError(t, err)
	require.True(t, await(t, s, id).Success)

	assert.Eventually(t, func() bool {
		_, err := s.GetResult(context.Background(), id, 0)
		return errors.Is(err, ErrNotFound)
	}, time.Second, 10*time.Millisecond)
}

func TestGetResultStates(t *testing.T) {
	s := newTestScheduler(t, testConfig(), llm.Fragments("ok"), nil, nil)

	_, err := s.GetResult(context.Background(), "unknown", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := s.Submit(Query{Prompt: "q"})
	require.NoError(t, err)
	_, err = s.GetResult(context.Background(), id, 0)
	assert.ErrorIs(t, err, ErrPending)
	_, err = s.GetResult(context.Background(), id, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrPending)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.GetResult(ctx, id, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStopFailsQueuedAndRejectsNewWork(t *testing.T) {
	s := newTestScheduler(t, testConfig(), blocking(), nil, nil)
	start(t, s)

	running, err := s.Submit(Query{Prompt: "q"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Status().ActiveWorkers == 1 }, time.Second, 5*time.Millisecond)
	queued, err := s.Submit(Query{Prompt: "q"})
	require.NoError(t, err)

	s.Stop()
	<-s.Done()

	for _, id := range []string{running, queued} {
		res, err := s.GetResult(context.Background(), id, 0)
		require.NoError(t, err)
		assert.Equal(t, tutorerrors.ReasonShutdown, res.Reason)
	}
	_, err = s.Submit(Query{Prompt: "q"})
	assert.ErrorIs(t, err, tutorerrors.ErrShutdown)
	assert.ErrorIs(t, s.Start(context.Background()), tutorerrors.ErrShutdown)
	assert.False(t, s.Status().Running)
	assert.Equal(t, 0, s.Status().ActiveWorkers)
}

func TestParentContextStopsScheduler(t *testing.T) {
	s := newTestScheduler(t, testConfig(), llm.Fragments("ok"), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx))

	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after parent cancellation")
	}
}

func TestMetricsTrackOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := MustNewMetrics(reg)
	cfg := testConfig()
	cfg.QueueCapacity = 1
	s := newTestScheduler(t, cfg, llm.Fragments("ok"), nil, nil, WithMetrics(metrics))

	id, err := s.Submit(Query{Prompt: "q"})
	require.NoError(t, err)
	_, err = s.Submit(Query{Prompt: "q"})
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.rejected.WithLabelValues("queue_full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.depth))

	start(t, s)
	require.True(t, await(t, s, id).Success)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.outcomes.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.submitted.WithLabelValues("normal")))

	again := MustNewMetrics(reg)
	assert.Same(t, metrics.outcomes, again.outcomes)
}

func TestPriorityParsing(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority(" URGENT ")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	_, err = ParsePriority("asap")
	assert.Error(t, err)

	text, err := PriorityLow.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "low", string(text))
	assert.True(t, PriorityUrgent < PriorityLow)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxWorkers = 0
	assert.Error(t, cfg.Validate())

	_, err := New(Config{MinWorkers: 3, MaxWorkers: 2}, llm.Fragments("ok"), nil, nil, nil)
	assert.Error(t, err)
	_, err = New(DefaultConfig(), nil, nil, nil, nil)
	assert.Error(t, err)
}
