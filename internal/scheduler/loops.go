package scheduler

import (
	"context"
	"fmt"
	"time"

	tutorerrors "tutor/internal/errors"
)

// admissionLoop dispatches queued work whenever a slot frees up, a query
// arrives or the tick fires.
func (s *Scheduler) admissionLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		s.dispatchReady(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) dispatchReady(ctx context.Context) {
	for ctx.Err() == nil {
		e, expired := s.next(s.now())
		for _, x := range expired {
			s.finalize(x, s.expiredResult(x))
		}
		if e == nil {
			return
		}
		select {
		case s.jobs <- e:
		case <-ctx.Done():
			s.release(e)
			s.finalize(e, s.failure(e, tutorerrors.ErrShutdown, 0, 0))
			return
		}
	}
}

// next pops the head of the queue when a worker slot and memory allow it.
// Expired entries found at the head are removed and returned separately.
func (s *Scheduler) next(now time.Time) (*entry, []*entry) {
	ceiling := s.Ceiling()
	memOK := s.memoryOK()

	s.queueMu.Lock()
	defer func() {
		depth := s.queue.Len()
		s.queueMu.Unlock()
		s.metrics.setDepth(depth)
	}()

	var expired []*entry
	for {
		e := s.queue.peek()
		if e == nil {
			return nil, expired
		}
		if isExpired(e, now) {
			expired = append(expired, s.queue.pop())
			continue
		}
		if !memOK {
			return nil, expired
		}

		s.activeMu.Lock()
		if s.active >= ceiling {
			s.activeMu.Unlock()
			return nil, expired
		}
		s.queue.pop()
		s.startLocked(e, now)
		active := s.active
		s.activeMu.Unlock()
		s.metrics.setActive(active)
		return e, expired
	}
}

// startLocked marks e running. Caller holds activeMu.
func (s *Scheduler) startLocked(e *entry, now time.Time) {
	e.ctx, e.cancel = context.WithCancelCause(s.baseCtx)
	e.startedAt = now
	s.running[e.query.ID] = e
	s.active++
	if s.active > s.highWaterActive {
		s.highWaterActive = s.active
	}
}

// release returns e's worker slot.
func (s *Scheduler) release(e *entry) {
	s.activeMu.Lock()
	if _, ok := s.running[e.query.ID]; ok {
		delete(s.running, e.query.ID)
		s.active--
	}
	active := s.active
	s.activeMu.Unlock()

	e.cancel(nil)
	s.metrics.setActive(active)
	s.wakeAdmission()
}

// isExpired reports whether e's timeout, counted from submission, has
// elapsed. Queued and running queries share the same deadline.
func isExpired(e *entry, now time.Time) bool {
	return now.Sub(e.query.CreatedAt) > e.query.Timeout
}

func (s *Scheduler) expiredResult(e *entry) Result {
	waited := s.now().Sub(e.query.CreatedAt)
	err := fmt.Errorf("%w after waiting %s (timeout %s)", tutorerrors.ErrExpired, waited.Round(time.Millisecond), e.query.Timeout)
	return s.failure(e, err, 0, 0)
}

// cleanupLoop enforces timeouts, evicts old results and resizes the pool.
func (s *Scheduler) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.cleanup(ctx)
		}
	}
}

func (s *Scheduler) cleanup(ctx context.Context) {
	now := s.now()
	s.expireQueued(now)
	s.timeoutRunning(now)
	s.evictResults(now)
	s.autoscale(ctx)
}

func (s *Scheduler) expireQueued(now time.Time) {
	s.queueMu.Lock()
	expired := s.queue.removeIf(func(e *entry) bool { return isExpired(e, now) })
	depth := s.queue.Len()
	s.queueMu.Unlock()
	if len(expired) == 0 {
		return
	}
	s.metrics.setDepth(depth)
	for _, e := range expired {
		s.finalize(e, s.expiredResult(e))
	}
	s.logger.Info("Scheduler: expired %d queued queries", len(expired))
}

func (s *Scheduler) timeoutRunning(now time.Time) {
	var overdue []*entry
	s.activeMu.Lock()
	for _, e := range s.running {
		if isExpired(e, now) && !e.finalized.Load() {
			overdue = append(overdue, e)
		}
	}
	s.activeMu.Unlock()

	for _, e := range overdue {
		err := fmt.Errorf("%w after %s", tutorerrors.ErrTimedOut, e.query.Timeout)
		e.cancel(err)
		s.finalize(e, s.failure(e, err, now.Sub(e.startedAt), int(e.streamed.Load())))
	}
}

func (s *Scheduler) evictResults(now time.Time) {
	s.resultsMu.Lock()
	evicted := 0
	for id, res := range s.results {
		if now.Sub(res.CompletedAt) > s.cfg.ResultRetention {
			delete(s.results, id)
			evicted++
		}
	}
	s.resultsMu.Unlock()
	if evicted > 0 {
		s.logger.Debug("Scheduler: evicted %d results", evicted)
	}
}

// autoscale grows the pool after sustained backlog and retires idle workers
// once the queue drains. Only the cleanup loop calls it.
func (s *Scheduler) autoscale(ctx context.Context) {
	s.queueMu.Lock()
	depth := s.queue.Len()
	s.queueMu.Unlock()
	s.activeMu.Lock()
	active := s.active
	s.activeMu.Unlock()
	pool := int(s.poolSize.Load())

	if depth >= s.cfg.ScaleUpDepth {
		s.sustained++
	} else {
		s.sustained = 0
	}

	switch {
	case s.sustained >= s.cfg.ScaleUpTicks && pool < s.cfg.MaxWorkers && s.memoryOK():
		s.sustained = 0
		s.spawnWorker(ctx)
		s.logger.Info("Scheduler: scaled up to %d workers (depth=%d)", pool+1, depth)
	case depth == 0 && pool > max(s.cfg.MinWorkers, active):
		select {
		case s.retire <- struct{}{}:
			s.logger.Debug("Scheduler: retired an idle worker (pool=%d)", pool-1)
		default:
		}
	}
}
