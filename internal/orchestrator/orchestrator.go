// Package orchestrator runs a question through retrieval, context fitting
// and generation, and turns every non-nominal outcome into a fallback
// response.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"tutor/internal/contextfit"
	"tutor/internal/degradation"
	tutorerrors "tutor/internal/errors"
	"tutor/internal/fallback"
	"tutor/internal/llm"
	"tutor/internal/logging"
	"tutor/internal/observability"
	"tutor/internal/performance"
	"tutor/internal/rag"
	"tutor/internal/scheduler"
)

var (
	// ErrNoScheduler is returned by queue operations when the orchestrator
	// runs without a scheduler.
	ErrNoScheduler = errors.New("scheduler not configured")
	// ErrNotFound is returned for unknown or forgotten query ids.
	ErrNotFound = errors.New("query not found")
)

// Retriever finds candidate passages for a query.
type Retriever interface {
	Embed(ctx context.Context, text string) ([]float32, bool)
	Search(ctx context.Context, vec []float32, q contextfit.Query) (rag.Retrieval, error)
}

// Recorder receives samples for directly generated answers.
type Recorder interface {
	Record(performance.Sample) []performance.Violation
}

// ResourceReader reports process resource usage.
type ResourceReader interface {
	Current() performance.ResourceUsage
}

// Config tunes prompting and fallbacks.
type Config struct {
	SystemPrompt      string        `mapstructure:"system_prompt" json:"system_prompt" yaml:"system_prompt"`
	MaxOutputTokens   int           `mapstructure:"max_output_tokens" json:"max_output_tokens" yaml:"max_output_tokens"`
	MinOutputTokens   int           `mapstructure:"min_output_tokens" json:"min_output_tokens" yaml:"min_output_tokens"`
	Temperature       float64       `mapstructure:"temperature" json:"temperature" yaml:"temperature"`
	MinRelevance      float64       `mapstructure:"min_relevance" json:"min_relevance" yaml:"min_relevance"`
	DefaultLanguage   string        `mapstructure:"default_language" json:"default_language" yaml:"default_language"`
	DefaultMode       Mode          `mapstructure:"default_mode" json:"default_mode" yaml:"default_mode"`
	GenerationTimeout time.Duration `mapstructure:"generation_timeout" json:"generation_timeout" yaml:"generation_timeout"`
	ResponseCacheSize int           `mapstructure:"response_cache_size" json:"response_cache_size" yaml:"response_cache_size"`
}

// DefaultConfig returns prompt and fallback defaults.
func DefaultConfig() Config {
	return Config{
		SystemPrompt: "You are a patient tutor for school students. Answer only from the lesson " +
			"context provided. If the context does not contain the answer, say so. Keep answers " +
			"short and at the student's grade level.",
		MaxOutputTokens:   384,
		MinOutputTokens:   48,
		Temperature:       0.3,
		MinRelevance:      0.25,
		DefaultLanguage:   "en",
		DefaultMode:       ModeDirect,
		GenerationTimeout: 2 * time.Minute,
		ResponseCacheSize: 1024,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.SystemPrompt) == "" {
		c.SystemPrompt = def.SystemPrompt
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = def.MaxOutputTokens
	}
	if c.MinOutputTokens <= 0 {
		c.MinOutputTokens = def.MinOutputTokens
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = def.DefaultLanguage
	}
	if c.DefaultMode == "" {
		c.DefaultMode = def.DefaultMode
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = def.GenerationTimeout
	}
	if c.ResponseCacheSize <= 0 {
		c.ResponseCacheSize = def.ResponseCacheSize
	}
	return c
}

// Dependencies wires the pipeline. Retriever, Scheduler, Recorder,
// Resources, Telemetry and Tracer are optional.
type Dependencies struct {
	Retriever  Retriever
	Fitter     *contextfit.Fitter
	Controller *degradation.Controller
	Generator  llm.Generator
	Scheduler  *scheduler.Scheduler
	Fallbacks  *fallback.Policy
	Recorder   Recorder
	Resources  ResourceReader
	Metrics    *Metrics
	Telemetry  *observability.MetricsCollector
	Tracer     *observability.TracerProvider
	Logger     logging.Logger
	Model      string
}

// tracked is what the orchestrator remembers about a submitted query.
type tracked struct {
	prep     prepared
	response *Response
}

// Orchestrator owns a query from submission to its final Response.
type Orchestrator struct {
	cfg        Config
	retriever  Retriever
	fitter     *contextfit.Fitter
	controller *degradation.Controller
	gen        llm.Generator
	sched      *scheduler.Scheduler
	fallbacks  *fallback.Policy
	recorder   Recorder
	resources  ResourceReader
	metrics    *Metrics
	telemetry  *observability.MetricsCollector
	tracer     *observability.TracerProvider
	logger     logging.Logger
	model      string
	queries    *lru.Cache[string, *tracked]
}

// New validates deps and builds an orchestrator.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Fitter == nil || deps.Controller == nil || deps.Generator == nil {
		return nil, fmt.Errorf("orchestrator requires a fitter, a degradation controller and a generator")
	}
	cfg = cfg.withDefaults()
	if deps.Fallbacks == nil {
		policy, err := fallback.NewPolicy(nil, cfg.DefaultLanguage)
		if err != nil {
			return nil, err
		}
		deps.Fallbacks = policy
	}
	if deps.Metrics == nil {
		deps.Metrics = defaultMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.NoopTracerProvider()
	}
	if deps.Model == "" {
		deps.Model = "local"
	}
	queries, err := lru.New[string, *tracked](cfg.ResponseCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}
	return &Orchestrator{
		cfg:        cfg,
		retriever:  deps.Retriever,
		fitter:     deps.Fitter,
		controller: deps.Controller,
		gen:        deps.Generator,
		sched:      deps.Scheduler,
		fallbacks:  deps.Fallbacks,
		recorder:   deps.Recorder,
		resources:  deps.Resources,
		metrics:    deps.Metrics,
		telemetry:  deps.Telemetry,
		tracer:     deps.Tracer,
		logger:     logging.OrNop(deps.Logger),
		model:      deps.Model,
		queries:    queries,
	}, nil
}

// ProcessQuery answers req and always returns a Response. Failures become
// fallback responses; the raw error is carried in Response.Error.
func (o *Orchestrator) ProcessQuery(ctx context.Context, req Request) Response {
	o.metrics.incActive()
	defer o.metrics.decActive()

	id := uuid.NewString()
	ctx = observability.ContextWithQueryID(ctx, id)
	ctx, span := o.tracer.StartSpan(ctx, observability.SpanProcessQuery, observability.QueryAttrs(id, req.Priority.String())...)
	defer span.End()

	started := time.Now()
	prep, early := o.prepare(ctx, id, req, started)
	if early != nil {
		o.remember(id, prep, early)
		return *early
	}

	var resp Response
	mode := req.Mode
	if mode == "" {
		mode = o.cfg.DefaultMode
	}
	if mode == ModeQueued && o.sched != nil {
		resp = o.generateQueued(ctx, prep, req)
	} else {
		resp = o.generateDirect(ctx, prep, req)
	}
	o.remember(id, prep, &resp)
	return resp
}

// SubmitQuery prepares req and hands generation to the scheduler without
// waiting. The returned Response is pending unless preparation already
// produced a fallback. Admission rejections are returned as errors alongside
// a technical-error fallback.
func (o *Orchestrator) SubmitQuery(ctx context.Context, req Request) (Response, error) {
	if o.sched == nil {
		return Response{}, ErrNoScheduler
	}
	id := uuid.NewString()
	ctx = observability.ContextWithQueryID(ctx, id)
	ctx, span := o.tracer.StartSpan(ctx, observability.SpanProcessQuery, observability.QueryAttrs(id, req.Priority.String())...)
	defer span.End()

	started := time.Now()
	prep, early := o.prepare(ctx, id, req, started)
	if early != nil {
		o.remember(id, prep, early)
		return *early, nil
	}

	if _, err := o.sched.Submit(o.schedulerQuery(prep, req)); err != nil {
		resp := o.fail(prep, tutorerrors.Reason(err), err)
		o.remember(id, prep, &resp)
		return resp, err
	}
	o.remember(id, prep, nil)
	o.metrics.IncResponse("queued")
	return o.pendingResponse(prep), nil
}

// GetResult returns the Response for id, waiting up to wait for a queued
// query to finish. A query still in progress yields a pending Response and
// scheduler.ErrPending.
func (o *Orchestrator) GetResult(ctx context.Context, id string, wait time.Duration) (Response, error) {
	t, ok := o.queries.Get(id)
	if !ok {
		return Response{}, ErrNotFound
	}
	if t.response != nil {
		return *t.response, nil
	}
	if o.sched == nil {
		return Response{}, ErrNoScheduler
	}

	res, err := o.sched.GetResult(ctx, id, wait)
	switch {
	case errors.Is(err, scheduler.ErrPending):
		return o.pendingResponse(t.prep), err
	case errors.Is(err, scheduler.ErrNotFound):
		o.queries.Remove(id)
		return Response{}, ErrNotFound
	case err != nil:
		return o.pendingResponse(t.prep), err
	}
	resp := o.fromResult(ctx, t.prep, res)
	o.remember(id, t.prep, &resp)
	return resp, nil
}

// CancelQuery stops a queued or running query.
func (o *Orchestrator) CancelQuery(id string) bool {
	if o.sched == nil {
		return false
	}
	return o.sched.Cancel(id)
}

// QueueStatus reports scheduler state.
func (o *Orchestrator) QueueStatus() (scheduler.Status, error) {
	if o.sched == nil {
		return scheduler.Status{}, ErrNoScheduler
	}
	return o.sched.Status(), nil
}

// DegradationStatus reports the controller state with guidance and its
// transition history.
func (o *Orchestrator) DegradationStatus() DegradationStatus {
	return DegradationStatus{
		State:           o.controller.Current(),
		Recommendations: o.controller.Recommendations(),
		History:         o.controller.History(),
	}
}

func (o *Orchestrator) remember(id string, prep prepared, resp *Response) {
	o.queries.Add(id, &tracked{prep: prep, response: resp})
}

func (o *Orchestrator) schedulerQuery(prep prepared, req Request) scheduler.Query {
	return scheduler.Query{
		ID:            prep.id,
		Prompt:        prep.prompt,
		System:        prep.system,
		Priority:      req.Priority,
		MaxTokens:     prep.maxTokens,
		Temperature:   prep.temperature,
		Timeout:       req.Timeout,
		ContextTokens: prep.fit.Stats.Tokens,
		Metadata: map[string]string{
			"language": prep.lang,
			"subject":  prep.query.Subject,
		},
	}
}

func (o *Orchestrator) pendingResponse(prep prepared) Response {
	return Response{
		QueryID:           prep.id,
		Status:            StatusPending,
		Language:          prep.lang,
		Sources:           prep.sources(),
		Level:             prep.level,
		DegradedRetrieval: prep.degraded,
		Context:           prep.fit.Stats,
		Timing:            prep.timing,
	}
}
