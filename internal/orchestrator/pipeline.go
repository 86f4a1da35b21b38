package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"tutor/internal/contextfit"
	"tutor/internal/degradation"
	tutorerrors "tutor/internal/errors"
	"tutor/internal/fallback"
	"tutor/internal/llm"
	"tutor/internal/observability"
	"tutor/internal/performance"
	"tutor/internal/scheduler"
)

const (
	stageRetrieve = "retrieve"
	stageFit      = "fit"
	stageGenerate = "generate"

	// waitUntilDone blocks GetResult until the scheduler finalizes the query
	// or the caller gives up.
	waitUntilDone = time.Duration(math.MaxInt64)
)

// prepared is a query that made it through retrieval and fitting.
type prepared struct {
	id          string
	lang        string
	query       contextfit.Query
	fit         contextfit.Result
	degraded    bool
	level       degradation.Level
	system      string
	prompt      string
	maxTokens   int
	temperature *float64
	started     time.Time
	timing      Timing
}

func (p prepared) sources() []Source {
	out := make([]Source, 0, len(p.fit.Passages))
	for _, ps := range p.fit.Passages {
		out = append(out, Source{
			SourceFile: ps.Metadata.SourceFile,
			Subject:    ps.Metadata.Subject,
			Grade:      ps.Metadata.Grade,
			Position:   ps.Metadata.Position,
			Similarity: ps.Similarity,
			Relevance:  ps.Relevance,
			Truncated:  ps.Truncated,
		})
	}
	return out
}

// prepare runs retrieval and fitting. A non-nil Response means the query
// ended early with a fallback.
func (o *Orchestrator) prepare(ctx context.Context, id string, req Request, started time.Time) (prepared, *Response) {
	text := strings.TrimSpace(req.Text)
	prep := prepared{
		id:      id,
		lang:    o.language(req),
		query:   contextfit.Query{Text: text, Subject: strings.TrimSpace(req.Subject), Grade: req.Grade},
		level:   o.controller.Level(),
		started: started,
	}
	if text == "" {
		resp := o.fallbackResponse(ctx, prep, fallback.EmptyQuery, nil, nil)
		return prep, &resp
	}

	candidates, subjectMatched, err := o.retrieve(ctx, &prep)
	if err != nil {
		resp := o.fallbackResponse(ctx, prep, fallback.TechnicalError, nil, err)
		return prep, &resp
	}
	if prep.query.Subject != "" && !subjectMatched {
		resp := o.fallbackResponse(ctx, prep, fallback.SubjectUnavailable, map[string]string{"subject": prep.query.Subject}, nil)
		return prep, &resp
	}

	fitStart := time.Now()
	_, span := o.tracer.StartSpan(ctx, observability.SpanFitContext)
	prep.system = o.systemPrompt(prep.lang)
	budget := o.fitter.BudgetFor(prep.system, buildPrompt("", text))
	prep.fit = o.fitter.FitWithBudget(prep.query, candidates, budget)
	span.SetAttributes(observability.ContextAttrs(prep.fit.Stats.Tokens, prep.fit.Stats.Budget, prep.fit.Stats.Used)...)
	span.End()
	prep.timing.Fitting = time.Since(fitStart)
	o.metrics.ObserveStage(stageFit, "ok", prep.timing.Fitting)

	if prep.fit.Empty() {
		o.metrics.IncStageFailure(stageFit, string(fallback.NoRelevantContent))
		resp := o.fallbackResponse(ctx, prep, fallback.NoRelevantContent, nil, nil)
		return prep, &resp
	}
	if maxRelevance(prep.fit.Passages) < o.cfg.MinRelevance {
		o.metrics.IncStageFailure(stageFit, string(fallback.InsufficientContext))
		resp := o.fallbackResponse(ctx, prep, fallback.InsufficientContext, nil, nil)
		return prep, &resp
	}

	prep.prompt = buildPrompt(prep.fit.Context, text)
	prep.maxTokens = o.outputTokens(req.MaxTokens)
	if room := o.fitter.Headroom(prep.system, prep.prompt); room < prep.maxTokens {
		prep.maxTokens = max(room, 1)
	}
	prep.temperature = req.Temperature
	if prep.temperature == nil {
		t := o.cfg.Temperature
		prep.temperature = &t
	}
	o.logger.Debug("Orchestrator: query %s prepared (lang=%s level=%s context=%d/%d passages=%d)",
		id, prep.lang, prep.level, prep.fit.Stats.Tokens, prep.fit.Stats.Budget, prep.fit.Stats.Used)
	return prep, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, prep *prepared) ([]contextfit.Candidate, bool, error) {
	start := time.Now()
	defer func() {
		prep.timing.Retrieval = time.Since(start)
	}()
	if o.retriever == nil {
		prep.degraded = true
		o.metrics.ObserveStage(stageRetrieve, "skipped", 0)
		return nil, true, nil
	}

	ctx, span := o.tracer.StartSpan(ctx, observability.SpanRetrieve)
	defer span.End()

	vec, degraded := o.retriever.Embed(ctx, prep.query.Text)
	prep.degraded = degraded
	res, err := o.retriever.Search(ctx, vec, prep.query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.ObserveStage(stageRetrieve, "error", time.Since(start))
		o.metrics.IncStageFailure(stageRetrieve, string(tutorerrors.Reason(err)))
		if tutorerrors.IsDegraded(err) {
			o.logger.Debug("Orchestrator: retrieval skipped for %s: %v", prep.id, err)
		} else {
			o.logger.Warn("Orchestrator: retrieval failed for %s: %v", prep.id, err)
		}
		return nil, false, err
	}
	span.SetAttributes(
		attribute.Int("tutor.retrieval.candidates", len(res.Candidates)),
		attribute.Bool("tutor.retrieval.degraded", degraded),
	)
	o.metrics.ObserveStage(stageRetrieve, "ok", time.Since(start))
	return res.Candidates, res.SubjectMatched, nil
}

// generateDirect runs generation on the caller's goroutine.
func (o *Orchestrator) generateDirect(ctx context.Context, prep prepared, req Request) Response {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.cfg.GenerationTimeout
	}
	genCtx, cancel := context.WithTimeoutCause(ctx, timeout, tutorerrors.ErrTimedOut)
	defer cancel()
	genCtx, span := o.tracer.StartSpan(genCtx, observability.SpanGenerate)
	defer span.End()

	if o.telemetry != nil {
		o.telemetry.GenerationStarted(genCtx)
		defer o.telemetry.GenerationFinished(genCtx)
	}

	start := time.Now()
	var (
		text   strings.Builder
		tokens int
		genErr error
	)
	for fragment, err := range o.gen.Generate(genCtx, llm.Request{
		System:      prep.system,
		Prompt:      prep.prompt,
		MaxTokens:   prep.maxTokens,
		Temperature: prep.temperature,
	}) {
		if err != nil {
			genErr = err
			break
		}
		if genCtx.Err() != nil {
			break
		}
		text.WriteString(fragment)
		tokens++
	}
	elapsed := time.Since(start)
	prep.timing.Generation = elapsed

	var err error
	switch {
	case genCtx.Err() != nil:
		err = tutorerrors.CauseOf(genCtx)
		if errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %v", tutorerrors.ErrCancelled, err)
		}
	case genErr != nil:
		err = &tutorerrors.GenerationError{Err: genErr}
	}
	answer := text.String()
	if err == nil {
		err = checkAnswer(answer)
	}
	o.recordDirect(genCtx, prep, elapsed, tokens, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return o.fail(prep, tutorerrors.Reason(err), err)
	}
	o.metrics.ObserveStage(stageGenerate, "ok", elapsed)
	return o.completed(prep, strings.TrimSpace(answer), tokens)
}

func (o *Orchestrator) recordDirect(ctx context.Context, prep prepared, elapsed time.Duration, tokens int, err error) {
	status := "success"
	if err != nil {
		status = string(tutorerrors.Reason(err))
	}
	if o.telemetry != nil {
		o.telemetry.RecordGeneration(ctx, o.model, status, elapsed, prep.fit.Stats.Tokens, tokens)
	}
	if o.recorder == nil {
		return
	}
	switch tutorerrors.Reason(err) {
	case tutorerrors.ReasonCancelled, tutorerrors.ReasonShutdown:
		return
	}
	var usage performance.ResourceUsage
	if o.resources != nil {
		usage = o.resources.Current()
	}
	var rate float64
	if elapsed > 0 && tokens > 0 {
		rate = float64(tokens) / elapsed.Seconds()
	}
	o.recorder.Record(performance.Sample{
		QueryID:         prep.id,
		Timestamp:       time.Now(),
		ResponseTime:    elapsed,
		MemoryMB:        usage.MemoryMB,
		CPUPercent:      usage.CPUPercent,
		TokensPerSecond: rate,
		ContextTokens:   prep.fit.Stats.Tokens,
		ResponseTokens:  tokens,
		Success:         err == nil,
	})
}

// generateQueued submits to the scheduler and waits for the outcome.
func (o *Orchestrator) generateQueued(ctx context.Context, prep prepared, req Request) Response {
	if _, err := o.sched.Submit(o.schedulerQuery(prep, req)); err != nil {
		o.logger.Warn("Orchestrator: query %s not admitted: %v", prep.id, err)
		return o.fail(prep, tutorerrors.Reason(err), err)
	}
	res, err := o.sched.GetResult(ctx, prep.id, waitUntilDone)
	if err != nil {
		if errors.Is(err, scheduler.ErrPending) || ctx.Err() != nil {
			o.sched.Cancel(prep.id)
			cause := tutorerrors.CauseOf(ctx)
			if cause == nil {
				cause = err
			}
			return o.fail(prep, tutorerrors.Reason(cause), cause)
		}
		return o.fail(prep, tutorerrors.Reason(err), err)
	}
	return o.fromResult(ctx, prep, res)
}

// fromResult maps a scheduler Result onto a Response.
func (o *Orchestrator) fromResult(ctx context.Context, prep prepared, res scheduler.Result) Response {
	prep.timing.Queue = res.WaitTime
	prep.timing.Generation = res.ProcessingTime
	if !res.Success {
		err := errors.New(res.Error)
		if res.Error == "" {
			err = errors.New(string(res.Reason))
		}
		return o.failWith(prep, res.Reason, err, res.TokensGenerated)
	}
	if err := checkAnswer(res.Text); err != nil {
		return o.failWith(prep, tutorerrors.Reason(err), err, res.TokensGenerated)
	}
	o.metrics.ObserveStage(stageGenerate, "ok", res.ProcessingTime)
	return o.completed(prep, strings.TrimSpace(res.Text), res.TokensGenerated)
}

func (o *Orchestrator) completed(prep prepared, answer string, tokens int) Response {
	prep.timing.Total = time.Since(prep.started)
	o.metrics.IncResponse(string(StatusCompleted))
	return Response{
		QueryID:           prep.id,
		Status:            StatusCompleted,
		Answer:            answer,
		Language:          prep.lang,
		Sources:           prep.sources(),
		Level:             prep.level,
		DegradedRetrieval: prep.degraded,
		Context:           prep.fit.Stats,
		TokensGenerated:   tokens,
		Timing:            prep.timing,
	}
}

// fail converts a generation or scheduling failure into a technical-error
// fallback.
func (o *Orchestrator) fail(prep prepared, reason tutorerrors.FailureReason, err error) Response {
	return o.failWith(prep, reason, err, 0)
}

func (o *Orchestrator) failWith(prep prepared, reason tutorerrors.FailureReason, err error, tokens int) Response {
	o.metrics.ObserveStage(stageGenerate, "error", prep.timing.Generation)
	o.metrics.IncStageFailure(stageGenerate, string(reason))
	o.logger.Warn("Orchestrator: query %s failed (%s): %v", prep.id, reason, err)
	resp := o.fallbackResponse(context.Background(), prep, fallback.ForFailure(reason), nil, err)
	resp.FailureReason = reason
	resp.TokensGenerated = tokens
	resp.Sources = prep.sources()
	resp.Context = prep.fit.Stats
	return resp
}

func (o *Orchestrator) fallbackResponse(ctx context.Context, prep prepared, reason fallback.Reason, params map[string]string, err error) Response {
	msg := o.fallbacks.Message(reason, prep.lang, params)
	prep.timing.Total = time.Since(prep.started)
	if o.telemetry != nil {
		o.telemetry.RecordFallback(ctx, string(reason))
	}
	o.metrics.IncResponse(string(StatusFallback))
	resp := Response{
		QueryID:           prep.id,
		Status:            StatusFallback,
		Answer:            msg.Text,
		Language:          msg.Language,
		Sources:           []Source{},
		Fallback:          true,
		FallbackReason:    msg.Reason,
		Suggestions:       msg.Suggestions,
		Level:             prep.level,
		DegradedRetrieval: prep.degraded,
		Context:           prep.fit.Stats,
		Timing:            prep.timing,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (o *Orchestrator) language(req Request) string {
	if lang := strings.TrimSpace(strings.ToLower(req.Language)); lang != "" {
		return lang
	}
	if lang := fallback.DetectLanguage(req.Text); lang != "" {
		return lang
	}
	return o.cfg.DefaultLanguage
}

// outputTokens caps the answer length for the current degradation level.
func (o *Orchestrator) outputTokens(requested int) int {
	limit := o.cfg.MaxOutputTokens
	if factor := o.controller.Params().OutputTokenFactor; factor > 0 {
		limit = int(math.Round(float64(limit) * factor))
	}
	if limit < o.cfg.MinOutputTokens {
		limit = o.cfg.MinOutputTokens
	}
	if requested > 0 && requested < limit {
		return requested
	}
	return limit
}

func maxRelevance(passages []contextfit.Passage) float64 {
	best := 0.0
	for _, p := range passages {
		best = max(best, p.Relevance)
	}
	return best
}
