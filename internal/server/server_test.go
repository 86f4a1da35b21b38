package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutor/internal/degradation"
	tutorerrors "tutor/internal/errors"
	"tutor/internal/fallback"
	"tutor/internal/logging"
	"tutor/internal/orchestrator"
	"tutor/internal/performance"
	"tutor/internal/scheduler"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubPipeline struct {
	mu         sync.Mutex
	lastReq    orchestrator.Request
	lastWait   time.Duration
	submitResp orchestrator.Response
	submitErr  error
	getResp    orchestrator.Response
	getErr     error
	cancelled  map[string]bool
	queueErr   error
}

func (p *stubPipeline) ProcessQuery(_ context.Context, req orchestrator.Request) orchestrator.Response {
	p.mu.Lock()
	p.lastReq = req
	p.mu.Unlock()
	if strings.TrimSpace(req.Text) == "" {
		return orchestrator.Response{QueryID: "q-empty", Status: orchestrator.StatusFallback, Fallback: true, FallbackReason: fallback.EmptyQuery}
	}
	return orchestrator.Response{QueryID: "q-1", Status: orchestrator.StatusCompleted, Answer: "Plants make food from light."}
}

func (p *stubPipeline) SubmitQuery(_ context.Context, req orchestrator.Request) (orchestrator.Response, error) {
	p.mu.Lock()
	p.lastReq = req
	p.mu.Unlock()
	return p.submitResp, p.submitErr
}

func (p *stubPipeline) GetResult(_ context.Context, _ string, wait time.Duration) (orchestrator.Response, error) {
	p.mu.Lock()
	p.lastWait = wait
	p.mu.Unlock()
	return p.getResp, p.getErr
}

func (p *stubPipeline) CancelQuery(id string) bool {
	return p.cancelled[id]
}

func (p *stubPipeline) QueueStatus() (scheduler.Status, error) {
	if p.queueErr != nil {
		return scheduler.Status{}, p.queueErr
	}
	return scheduler.Status{Running: true, Depth: 2, Capacity: 32}, nil
}

func (p *stubPipeline) DegradationStatus() orchestrator.DegradationStatus {
	return orchestrator.DegradationStatus{State: degradation.State{Level: degradation.Moderate}, Recommendations: []string{"close other applications"}}
}

type stubLevels struct {
	forced degradation.Level
	reason string
}

func (l *stubLevels) ForceLevel(level degradation.Level, reason string) (degradation.State, error) {
	l.forced, l.reason = level, reason
	return degradation.State{Level: level, Reason: reason, Forced: true}, nil
}

type stubPerformance struct {
	window int
}

func (p *stubPerformance) Summary(lastN int) performance.Summary {
	p.window = lastN
	return performance.Summary{Samples: 3, Successful: 3}
}

func (p *stubPerformance) Targets() performance.Targets {
	return performance.DefaultTargets()
}

type stubHealth struct{ err error }

func (h stubHealth) Ping(context.Context) error { return h.err }

func newTestServer(t *testing.T, pipeline *stubPipeline, mutate func(*Dependencies)) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "tutor_test_total", Help: "test"}))
	deps := Dependencies{
		Pipeline:    pipeline,
		Levels:      &stubLevels{},
		Performance: &stubPerformance{},
		Gatherer:    reg,
		Logger:      logging.Nop(),
		Version:     "test",
	}
	if mutate != nil {
		mutate(&deps)
	}
	s, err := New(DefaultConfig(), deps)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) (APIResponse, T) {
	t.Helper()
	var raw struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	var data T
	if len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, &data))
	}
	return APIResponse{Success: raw.Success, Error: raw.Error}, data
}

func TestAskAnswersSynchronously(t *testing.T) {
	pipeline := &stubPipeline{}
	s := newTestServer(t, pipeline, nil)

	rec := do(t, s, http.MethodPost, "/v1/ask", `{"question":"What is photosynthesis?","subject":"science","grade":7,"priority":"high","timeout":"30s"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	env, resp := decode[orchestrator.Response](t, rec)
	assert.True(t, env.Success)
	assert.Equal(t, "Plants make food from light.", resp.Answer)
	assert.Equal(t, scheduler.PriorityHigh, pipeline.lastReq.Priority)
	assert.Equal(t, "science", pipeline.lastReq.Subject)
	assert.Equal(t, 7, pipeline.lastReq.Grade)
	assert.Equal(t, 30*time.Second, pipeline.lastReq.Timeout)
}

func TestAskWithEmptyQuestionReturnsFallback(t *testing.T) {
	s := newTestServer(t, &stubPipeline{}, nil)

	rec := do(t, s, http.MethodPost, "/v1/ask", `{"question":""}`)

	require.Equal(t, http.StatusOK, rec.Code)
	_, resp := decode[orchestrator.Response](t, rec)
	assert.True(t, resp.Fallback)
	assert.Equal(t, fallback.EmptyQuery, resp.FallbackReason)
}

func TestAskRejectsBadInput(t *testing.T) {
	s := newTestServer(t, &stubPipeline{}, nil)

	cases := map[string]string{
		"priority": `{"question":"x","priority":"asap"}`,
		"timeout":  `{"question":"x","timeout":"soon"}`,
		"mode":     `{"question":"x","mode":"batch"}`,
		"json":     `{"question":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/v1/ask", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			env, _ := decode[any](t, rec)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestNonJSONBodyIsRejected(t *testing.T) {
	s := newTestServer(t, &stubPipeline{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader("question=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestSubmitReturnsAcceptedWithLocation(t *testing.T) {
	pipeline := &stubPipeline{submitResp: orchestrator.Response{QueryID: "q-7", Status: orchestrator.StatusPending}}
	s := newTestServer(t, pipeline, nil)

	rec := do(t, s, http.MethodPost, "/v1/queries", `{"question":"What is photosynthesis?","priority":"urgent"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/v1/queries/q-7", rec.Header().Get("Location"))
	assert.Equal(t, scheduler.PriorityUrgent, pipeline.lastReq.Priority)
}

func TestSubmitFallbackIsFinal(t *testing.T) {
	pipeline := &stubPipeline{submitResp: orchestrator.Response{QueryID: "q-8", Status: orchestrator.StatusFallback, Fallback: true}}
	s := newTestServer(t, pipeline, nil)

	rec := do(t, s, http.MethodPost, "/v1/queries", `{"question":""}`)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitAdmissionRejectedIsUnavailable(t *testing.T) {
	pipeline := &stubPipeline{
		submitResp: orchestrator.Response{QueryID: "q-9", Status: orchestrator.StatusFallback, FallbackReason: fallback.TechnicalError},
		submitErr:  &tutorerrors.AdmissionError{Cause: "queue_full", Depth: 32, Capacity: 32},
	}
	s := newTestServer(t, pipeline, nil)

	rec := do(t, s, http.MethodPost, "/v1/queries", `{"question":"What is photosynthesis?"}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	env, resp := decode[orchestrator.Response](t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, fallback.TechnicalError, resp.FallbackReason)
}

func TestSubmitWithoutScheduler(t *testing.T) {
	s := newTestServer(t, &stubPipeline{submitErr: orchestrator.ErrNoScheduler}, nil)

	rec := do(t, s, http.MethodPost, "/v1/queries", `{"question":"x"}`)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestGetResultStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{name: "done", code: http.StatusOK},
		{name: "pending", err: scheduler.ErrPending, code: http.StatusAccepted},
		{name: "missing", err: orchestrator.ErrNotFound, code: http.StatusNotFound},
		{name: "caller gone", err: context.Canceled, code: http.StatusGatewayTimeout},
		{name: "other", err: errors.New("boom"), code: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pipeline := &stubPipeline{getResp: orchestrator.Response{QueryID: "q-1"}, getErr: tc.err}
			s := newTestServer(t, pipeline, nil)

			rec := do(t, s, http.MethodGet, "/v1/queries/q-1", "")
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestGetResultWaitIsParsedAndCapped(t *testing.T) {
	pipeline := &stubPipeline{}
	s := newTestServer(t, pipeline, nil)

	do(t, s, http.MethodGet, "/v1/queries/q-1?wait=5s", "")
	assert.Equal(t, 5*time.Second, pipeline.lastWait)

	do(t, s, http.MethodGet, "/v1/queries/q-1?wait=3", "")
	assert.Equal(t, 3*time.Second, pipeline.lastWait)

	do(t, s, http.MethodGet, "/v1/queries/q-1?wait=1h", "")
	assert.Equal(t, DefaultConfig().MaxWait, pipeline.lastWait)

	rec := do(t, s, http.MethodGet, "/v1/queries/q-1?wait=later", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelQuery(t *testing.T) {
	s := newTestServer(t, &stubPipeline{cancelled: map[string]bool{"q-1": true}}, nil)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodDelete, "/v1/queries/q-1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/v1/queries/q-2", "").Code)
}

func TestStatusEndpoints(t *testing.T) {
	perf := &stubPerformance{}
	s := newTestServer(t, &stubPipeline{}, func(d *Dependencies) { d.Performance = perf })

	rec := do(t, s, http.MethodGet, "/v1/status/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, queue := decode[scheduler.Status](t, rec)
	assert.Equal(t, 2, queue.Depth)

	rec = do(t, s, http.MethodGet, "/v1/status/degradation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"level":"moderate"`)

	rec = do(t, s, http.MethodGet, "/v1/status/performance?window=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, report := decode[PerformanceReport](t, rec)
	assert.Equal(t, 10, perf.window)
	assert.Equal(t, 3, report.Summary.Samples)

	rec = do(t, s, http.MethodGet, "/v1/status/performance?window=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueStatusWithoutScheduler(t *testing.T) {
	s := newTestServer(t, &stubPipeline{queueErr: orchestrator.ErrNoScheduler}, nil)

	assert.Equal(t, http.StatusNotImplemented, do(t, s, http.MethodGet, "/v1/status/queue", "").Code)
}

func TestForceLevel(t *testing.T) {
	levels := &stubLevels{}
	s := newTestServer(t, &stubPipeline{}, func(d *Dependencies) { d.Levels = levels })

	rec := do(t, s, http.MethodPost, "/v1/degradation/force", `{"level":"Heavy","reason":"exam week"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, degradation.Heavy, levels.forced)
	assert.Equal(t, "exam week", levels.reason)

	rec = do(t, s, http.MethodPost, "/v1/degradation/force", `{"level":"extreme"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/degradation/force", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &stubPipeline{}, func(d *Dependencies) { d.Health = stubHealth{} })
	rec := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.ModelHost)
	assert.Equal(t, "test", health.Version)

	s = newTestServer(t, &stubPipeline{}, func(d *Dependencies) { d.Health = stubHealth{err: errors.New("connection refused")} })
	rec = do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &stubPipeline{}, nil)

	rec := do(t, s, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tutor_test_total")
}

func TestNewRequiresPipeline(t *testing.T) {
	_, err := New(DefaultConfig(), Dependencies{})
	assert.Error(t, err)
}

func TestConfigAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8080", DefaultConfig().Addr())
}

func TestRequestIDIsEchoedOrGenerated(t *testing.T) {
	s := newTestServer(t, &stubPipeline{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/status/degradation", nil)
	req.Header.Set("X-Request-ID", "lesson-7")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "lesson-7", rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/v1/status/degradation", "")
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
}
