package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	tutorerrors "tutor/internal/errors"
	"tutor/internal/llm"
	"tutor/internal/performance"
)

func (s *Scheduler) spawnWorker(ctx context.Context) {
	s.metrics.setPool(int(s.poolSize.Add(1)))
	s.group.Go(func() error { return s.worker(ctx) })
}

func (s *Scheduler) worker(ctx context.Context) error {
	defer func() { s.metrics.setPool(int(s.poolSize.Add(-1))) }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.retire:
			return nil
		case e := <-s.jobs:
			s.execute(e)
		}
	}
}

// execute runs e and publishes its result. The worker slot is released
// before the result becomes visible, including when generation panics.
func (s *Scheduler) execute(e *entry) {
	var res Result
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduler: query %s panicked: %v", e.query.ID, r)
			err := &tutorerrors.GenerationError{Err: fmt.Errorf("panic: %v", r)}
			res = s.failure(e, err, s.now().Sub(e.startedAt), 0)
		}
		s.release(e)
		s.finalize(e, res)
	}()
	res = s.run(e)
}

func (s *Scheduler) run(e *entry) Result {
	if err := tutorerrors.CauseOf(e.ctx); err != nil {
		return s.failure(e, err, 0, 0)
	}
	threshold := s.memoryThreshold()
	if mem := s.memoryMB(); threshold > 0 && mem >= threshold {
		err := fmt.Errorf("%w: %.0fMB before generation (limit %.0fMB)", tutorerrors.ErrResourceExhausted, mem, threshold)
		return s.failure(e, err, 0, 0)
	}

	req := llm.Request{
		System:      e.query.System,
		Prompt:      e.query.Prompt,
		MaxTokens:   e.query.MaxTokens,
		Temperature: e.query.Temperature,
	}
	var (
		text   strings.Builder
		tokens int
		genErr error
	)
	for fragment, err := range s.gen.Generate(e.ctx, req) {
		if err != nil {
			genErr = err
			break
		}
		if e.ctx.Err() != nil {
			break
		}
		text.WriteString(fragment)
		tokens++
		e.streamed.Add(1)
		if tokens%s.cfg.MemoryCheckEvery == 0 {
			threshold := s.memoryThreshold()
			if mem := s.memoryMB(); threshold > 0 && mem >= threshold {
				e.cancel(fmt.Errorf("%w: %.0fMB during generation (limit %.0fMB)", tutorerrors.ErrResourceExhausted, mem, threshold))
				break
			}
		}
	}

	now := s.now()
	elapsed := now.Sub(e.startedAt)
	var err error
	switch {
	case e.ctx.Err() != nil:
		err = tutorerrors.CauseOf(e.ctx)
	case genErr != nil:
		err = &tutorerrors.GenerationError{Err: genErr}
	case strings.TrimSpace(text.String()) == "":
		err = tutorerrors.ErrEmptyGeneration
	}
	usage := s.usage()
	s.recordSample(e, elapsed, tokens, usage, err)

	if err != nil {
		res := s.failure(e, err, elapsed, tokens)
		res.MemoryMB = usage.MemoryMB
		return res
	}
	return Result{
		Text:            text.String(),
		Success:         true,
		WaitTime:        e.startedAt.Sub(e.query.CreatedAt),
		ProcessingTime:  elapsed,
		TokensGenerated: tokens,
		MemoryMB:        usage.MemoryMB,
		CompletedAt:     now,
	}
}

func (s *Scheduler) usage() performance.ResourceUsage {
	if s.resources == nil {
		return performance.ResourceUsage{}
	}
	return s.resources.Current()
}

// recordSample reports executed work. Queries stopped by a caller or by
// shutdown say nothing about model performance and are skipped.
func (s *Scheduler) recordSample(e *entry, elapsed time.Duration, tokens int, usage performance.ResourceUsage, err error) {
	if s.recorder == nil {
		return
	}
	switch tutorerrors.Reason(err) {
	case tutorerrors.ReasonCancelled, tutorerrors.ReasonShutdown:
		return
	}
	var rate float64
	if elapsed > 0 && tokens > 0 {
		rate = float64(tokens) / elapsed.Seconds()
	}
	s.recorder.Record(performance.Sample{
		QueryID:         e.query.ID,
		Timestamp:       s.now(),
		ResponseTime:    elapsed,
		MemoryMB:        usage.MemoryMB,
		CPUPercent:      usage.CPUPercent,
		TokensPerSecond: rate,
		ContextTokens:   e.query.ContextTokens,
		ResponseTokens:  tokens,
		Success:         err == nil,
	})
}
