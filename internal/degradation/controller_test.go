package degradation

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutor/internal/performance"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newHarness(t *testing.T, opts ...Option) (*Controller, *performance.Tracker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	tracker := performance.NewTracker(performance.DefaultConfig(), nil)
	ctrl, err := New(DefaultConfig(), tracker, nil, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	tracker.Subscribe(ctrl.Observe)
	return ctrl, tracker, clock
}

func healthy(memoryMB float64) performance.Sample {
	return performance.Sample{
		ResponseTime:    time.Second,
		MemoryMB:        memoryMB,
		TokensPerSecond: 20,
		ResponseTokens:  40,
		Success:         true,
	}
}

func TestMemoryAboveCriticalThresholdDegradesToCritical(t *testing.T) {
	ctrl, tracker, _ := newHarness(t)

	tracker.Record(healthy(3100))

	st := ctrl.Current()
	assert.Equal(t, Critical, st.Level)
	assert.Equal(t, []Dimension{DimensionMemory}, st.Triggers)
	assert.Equal(t, 410, st.ContextTokens)
	assert.InDelta(t, 0.2*float64(ctrl.Config().BaseContextTokens), float64(st.ContextTokens), 1)
	assert.Contains(t, st.Reason, "memory 3100MB")
}

func TestParamsForLevels(t *testing.T) {
	ctrl, _, _ := newHarness(t)

	assert.Equal(t, Params{ContextTokens: 2048, Threads: 4, BatchSize: 4, MemoryThresholdMB: 3200, OutputTokenFactor: 1}, ctrl.ParamsFor(Optimal))
	assert.Equal(t, Params{ContextTokens: 1229, Threads: 2, BatchSize: 2, MemoryThresholdMB: 2850, OutputTokenFactor: 1}, ctrl.ParamsFor(Moderate))
	assert.Equal(t, Params{ContextTokens: 410, Threads: 1, BatchSize: 1, MemoryThresholdMB: 2500, OutputTokenFactor: 0.25}, ctrl.ParamsFor(Critical))

	prev := ctrl.ParamsFor(Optimal)
	for _, l := range Levels()[1:] {
		p := ctrl.ParamsFor(l)
		assert.LessOrEqual(t, p.ContextTokens, prev.ContextTokens, l.String())
		assert.LessOrEqual(t, p.Threads, prev.Threads, l.String())
		assert.LessOrEqual(t, p.BatchSize, prev.BatchSize, l.String())
		assert.LessOrEqual(t, p.MemoryThresholdMB, prev.MemoryThresholdMB, l.String())
		assert.GreaterOrEqual(t, p.Threads, 1)
		assert.GreaterOrEqual(t, p.BatchSize, 1)
		prev = p
	}
}

func TestClassifyIsMonotonicInEachDimension(t *testing.T) {
	ctrl, _, _ := newHarness(t)

	prev := Optimal
	for mem := 0.0; mem <= 4000; mem += 25 {
		l, _ := ctrl.Classify(Snapshot{MemoryMB: mem, LatencySeconds: 4, TokensPerSecond: 12, HasTokenRate: true})
		require.GreaterOrEqual(t, l, prev, "memory %.0f", mem)
		prev = l
	}
	assert.Equal(t, Critical, prev)

	prev = Optimal
	for lat := 0.0; lat <= 30; lat += 0.5 {
		l, _ := ctrl.Classify(Snapshot{MemoryMB: 1000, LatencySeconds: lat})
		require.GreaterOrEqual(t, l, prev, "latency %.1f", lat)
		prev = l
	}

	prev = Optimal
	for rate := 30.0; rate >= 0; rate -= 0.5 {
		l, _ := ctrl.Classify(Snapshot{MemoryMB: 1000, TokensPerSecond: rate, HasTokenRate: true})
		require.GreaterOrEqual(t, l, prev, "rate %.1f", rate)
		prev = l
	}
}

func TestClassifyTakesWorstDimension(t *testing.T) {
	ctrl, _, _ := newHarness(t)

	l, triggers := ctrl.Classify(Snapshot{MemoryMB: 2100, LatencySeconds: 13, TokensPerSecond: 20, HasTokenRate: true})
	assert.Equal(t, Heavy, l)
	assert.Equal(t, []Dimension{DimensionLatency}, triggers)

	l, triggers = ctrl.Classify(Snapshot{MemoryMB: 2500, LatencySeconds: 1, TokensPerSecond: 7, HasTokenRate: true})
	assert.Equal(t, Moderate, l)
	assert.Equal(t, []Dimension{DimensionMemory, DimensionTokenRate}, triggers)

	l, _ = ctrl.Classify(Snapshot{MemoryMB: 100, LatencySeconds: 1})
	assert.Equal(t, Optimal, l, "no token rate data must not degrade")
}

func TestCooldownPreventsOscillation(t *testing.T) {
	ctrl, tracker, clock := newHarness(t)

	tracker.Record(healthy(3010))
	require.Equal(t, Critical, ctrl.Level())

	for i, mem := range []float64{2990, 3005, 2995, 3001, 2980, 1200} {
		clock.Advance(4 * time.Second)
		tracker.Record(healthy(mem))
		require.Equal(t, Critical, ctrl.Level(), "sample %d (%.0fMB)", i, mem)
	}
	assert.Len(t, ctrl.History(), 2)
	assert.Equal(t, 1200.0, ctrl.Current().Metrics.MemoryMB, "snapshot refreshes while the level holds")

	clock.Advance(10 * time.Second)
	tracker.Record(healthy(1200))
	assert.Equal(t, Optimal, ctrl.Level())
	assert.Len(t, ctrl.History(), 3)
}

func TestSteadyStateIsIdempotent(t *testing.T) {
	ctrl, tracker, clock := newHarness(t)

	for i := 0; i < 20; i++ {
		tracker.Record(healthy(2600))
		clock.Advance(time.Minute)
	}
	assert.Equal(t, Moderate, ctrl.Level())
	assert.Len(t, ctrl.History(), 2)
}

func TestLatencyUsesWindowMean(t *testing.T) {
	ctrl, tracker, clock := newHarness(t)

	slow := healthy(1000)
	slow.ResponseTime = 25 * time.Second
	tracker.Record(slow)
	require.Equal(t, Critical, ctrl.Level())

	for i := 0; i < 4; i++ {
		clock.Advance(time.Minute)
		tracker.Record(healthy(1000))
	}
	// mean of 25,1,1,1,1 = 5.8s
	assert.Equal(t, Light, ctrl.Level())
	assert.InDelta(t, 5.8, ctrl.Current().Metrics.LatencySeconds, 1e-9)
}

func TestForceLevelBypassesCooldown(t *testing.T) {
	ctrl, tracker, clock := newHarness(t)

	tracker.Record(healthy(3100))
	require.Equal(t, Critical, ctrl.Level())

	st, err := ctrl.ForceLevel(Light, "maintenance window")
	require.NoError(t, err)
	assert.Equal(t, Light, st.Level)
	assert.True(t, st.Forced)
	assert.Equal(t, ctrl.ParamsFor(Light), ctrl.Params())

	clock.Advance(time.Second)
	tracker.Record(healthy(3100))
	assert.Equal(t, Light, ctrl.Level(), "computed level waits for the cool-down after a forced transition")

	_, err = ctrl.ForceLevel(Level(9), "bad")
	assert.Error(t, err)
	assert.Len(t, ctrl.History(), 3)
}

func TestInvalidSamplesAreSkipped(t *testing.T) {
	ctrl, _, _ := newHarness(t)

	st := ctrl.Evaluate(performance.Sample{MemoryMB: math.NaN()})
	assert.Equal(t, Optimal, st.Level)
	assert.Len(t, ctrl.History(), 1)
}

func TestHistoryIsBounded(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.HistorySize = 4
	ctrl, err := New(cfg, nil, nil, WithClock(clock.Now))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := ctrl.ForceLevel(Levels()[i%NumLevels], "cycle")
		require.NoError(t, err)
	}
	hist := ctrl.History()
	require.Len(t, hist, 4)
	assert.Equal(t, Critical, hist[3].Level)
}

func TestListenersAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)
	ctrl, tracker, _ := newHarness(t, WithMetrics(m))

	var got []Level
	ctrl.Subscribe(func(from, to State) { got = append(got, from.Level, to.Level) })
	ctrl.Subscribe(func(State, State) { panic("listener bug") })

	tracker.Record(healthy(2850))

	assert.Equal(t, []Level{Optimal, Heavy}, got)
	assert.Equal(t, float64(Heavy), testutil.ToFloat64(m.level))
	assert.Equal(t, 819.0, testutil.ToFloat64(m.contextTokens))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("optimal", "heavy", "false")))
}

func TestRecommendationsFollowTriggers(t *testing.T) {
	ctrl, tracker, _ := newHarness(t)
	assert.Equal(t, []string{"System is operating normally; no action needed."}, ctrl.Recommendations())

	tracker.Record(healthy(3100))
	recs := ctrl.Recommendations()
	require.NotEmpty(t, recs)
	assert.Contains(t, recs[0], "Memory at 3100MB")
	assert.Contains(t, recs[1], "410 tokens")
}

func TestCooldownHoldDescribesComputedLevel(t *testing.T) {
	ctrl, tracker, clock := newHarness(t)

	tracker.Record(healthy(3100))
	require.Equal(t, Critical, ctrl.Level())
	require.Equal(t, []Dimension{DimensionMemory}, ctrl.Current().Triggers)

	clock.Advance(4 * time.Second)
	slow := healthy(1000)
	slow.ResponseTime = 11 * time.Second
	tracker.Record(slow)

	st := ctrl.Current()
	assert.Equal(t, Critical, st.Level)
	require.NotNil(t, st.Pending)
	assert.Equal(t, Light, *st.Pending)
	assert.Equal(t, []Dimension{DimensionLatency}, st.Triggers)

	recs := ctrl.Recommendations()
	require.NotEmpty(t, recs)
	assert.Equal(t, "Metrics point to light; critical holds until the cool-down lapses.", recs[0])
	assert.Contains(t, recs[1], "Mean response time is 6.0s")
	for _, r := range recs {
		assert.NotContains(t, r, "Memory at")
	}

	clock.Advance(30 * time.Second)
	tracker.Record(healthy(1000))
	assert.Nil(t, ctrl.Current().Pending)
}

func TestConcurrentEvaluateAndRead(t *testing.T) {
	ctrl, tracker, _ := newHarness(t)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(2)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				tracker.Record(healthy(float64(1000 + (g*i)%2500)))
			}
		}(g)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				st := ctrl.Current()
				assert.Equal(t, ctrl.ParamsFor(st.Level), st.Params)
			}
		}()
	}
	wg.Wait()
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.ContextFactors = []float64{1, 0.5}
	assert.ErrorContains(t, cfg.Validate(), "context_factors needs 5 values")

	cfg = DefaultConfig()
	cfg.MemoryThresholdsMB = []float64{1500, 2000, 1800, 2800, 3000}
	assert.ErrorContains(t, cfg.Validate(), "non-decreasing")

	cfg = DefaultConfig()
	cfg.BatchFactors = []float64{1.5, 0.8, 0.6, 0.4, 0.2}
	assert.ErrorContains(t, cfg.Validate(), "(0, 1]")

	_, err := New(cfg, nil, nil)
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel(" Heavy ")
	require.NoError(t, err)
	assert.Equal(t, Heavy, l)

	_, err = ParseLevel("meltdown")
	assert.Error(t, err)

	text, err := Critical.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "critical", string(text))
}
