// Package maintenance runs periodic upkeep jobs on a cron schedule: keeping
// the knowledge-base index fresh and logging a performance digest.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tutor/internal/async"
	"tutor/internal/degradation"
	"tutor/internal/logging"
	"tutor/internal/performance"
	"tutor/internal/rag"
)

const (
	JobReindex = "reindex"
	JobSummary = "summary"
)

// Config holds the job schedules. Empty schedules disable a job.
type Config struct {
	Enabled           bool          `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	ReindexSchedule   string        `mapstructure:"reindex_schedule" json:"reindex_schedule" yaml:"reindex_schedule"`
	SummarySchedule   string        `mapstructure:"summary_schedule" json:"summary_schedule" yaml:"summary_schedule"`
	SummaryWindow     int           `mapstructure:"summary_window" json:"summary_window" yaml:"summary_window"`
	JobTimeout        time.Duration `mapstructure:"job_timeout" json:"job_timeout" yaml:"job_timeout"`
	ConcurrencyPolicy string        `mapstructure:"concurrency_policy" json:"concurrency_policy" yaml:"concurrency_policy"`
}

// DefaultConfig re-indexes nightly and logs a digest every 15 minutes.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		ReindexSchedule:   "0 2 * * *",
		SummarySchedule:   "*/15 * * * *",
		SummaryWindow:     100,
		JobTimeout:        30 * time.Minute,
		ConcurrencyPolicy: "skip",
	}
}

// Reindexer refreshes the knowledge base.
type Reindexer interface {
	Index(ctx context.Context) (rag.IndexStats, error)
}

// SummarySource aggregates recent performance samples.
type SummarySource interface {
	Summary(lastN int) performance.Summary
}

// LevelSource reports the committed degradation state.
type LevelSource interface {
	Current() degradation.State
}

// Runner owns the cron instance and the registered jobs.
type Runner struct {
	cron     *cron.Cron
	config   Config
	indexer  Reindexer
	summary  SummarySource
	levels   LevelSource
	logger   logging.Logger
	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
	jobs     map[string]func(context.Context) error
	baseCtx  context.Context
	cancel   context.CancelFunc
	stopped  chan struct{}
	stopOnce sync.Once
}

// New builds a runner. Any of indexer, summary and levels may be nil; jobs
// that need a missing collaborator are not registered.
func New(cfg Config, indexer Reindexer, summary SummarySource, levels LevelSource, logger logging.Logger) *Runner {
	logger = logging.OrNop(logger)
	if cfg.SummaryWindow <= 0 {
		cfg.SummaryWindow = DefaultConfig().SummaryWindow
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cron:     newCron(cfg, logger),
		config:   cfg,
		indexer:  indexer,
		summary:  summary,
		levels:   levels,
		logger:   logger,
		entryIDs: make(map[string]cron.EntryID),
		baseCtx:  baseCtx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
	r.jobs = map[string]func(context.Context) error{}
	if indexer != nil {
		r.jobs[JobReindex] = r.reindex
	}
	if summary != nil {
		r.jobs[JobSummary] = r.logSummary
	}
	return r
}

func newCron(cfg Config, logger logging.Logger) *cron.Cron {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	var wrapper cron.JobWrapper
	switch policy := strings.ToLower(strings.TrimSpace(cfg.ConcurrencyPolicy)); policy {
	case "delay":
		wrapper = cron.DelayIfStillRunning(cron.DefaultLogger)
	case "skip", "":
		wrapper = cron.SkipIfStillRunning(cron.DefaultLogger)
	default:
		logger.Warn("Maintenance: unknown concurrency policy %q, defaulting to skip", policy)
		wrapper = cron.SkipIfStillRunning(cron.DefaultLogger)
	}
	return cron.New(cron.WithParser(parser), cron.WithChain(recoverJob(logger), wrapper))
}

// recoverJob logs job panics through the maintenance logger.
func recoverJob(logger logging.Logger) cron.JobWrapper {
	return func(j cron.Job) cron.Job {
		return cron.FuncJob(func() {
			async.Call(logger, "Maintenance job", j.Run)
		})
	}
}

// Start registers the configured jobs and starts the cron loop. Cancelling
// ctx stops the runner.
func (r *Runner) Start(ctx context.Context) error {
	if !r.config.Enabled {
		r.logger.Info("Maintenance disabled by config")
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	schedules := map[string]string{
		JobReindex: r.config.ReindexSchedule,
		JobSummary: r.config.SummarySchedule,
	}
	for name, schedule := range schedules {
		if strings.TrimSpace(schedule) == "" {
			continue
		}
		if _, ok := r.jobs[name]; !ok {
			continue
		}
		if err := r.registerLocked(name, schedule); err != nil {
			return err
		}
	}

	r.cron.Start()
	r.logger.Info("Maintenance started with %d jobs", len(r.entryIDs))

	async.Go(r.logger, "Maintenance shutdown watcher", func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-r.stopped:
		}
	})
	return nil
}

func (r *Runner) registerLocked(name, schedule string) error {
	if _, exists := r.entryIDs[name]; exists {
		return nil
	}
	entryID, err := r.cron.AddFunc(schedule, func() {
		if err := r.RunJob(r.baseCtx, name); err != nil {
			r.logger.Warn("Maintenance: job %q failed: %v", name, err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression for %q: %w", name, err)
	}
	r.entryIDs[name] = entryID
	r.logger.Info("Maintenance: registered job %q (schedule=%s)", name, schedule)
	return nil
}

// Stop waits for running jobs and stops the cron loop. Safe to call more
// than once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.logger.Info("Maintenance stopping...")
		stopCtx := r.cron.Stop()
		r.cancel()
		<-stopCtx.Done()
		close(r.stopped)
		r.logger.Info("Maintenance stopped")
	})
}

// Done is closed once the runner has stopped.
func (r *Runner) Done() <-chan struct{} {
	return r.stopped
}

// Jobs lists the registered jobs with their next run time.
func (r *Runner) Jobs() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Time, len(r.entryIDs))
	for name, id := range r.entryIDs {
		out[name] = r.cron.Entry(id).Next
	}
	return out
}

// RunJob executes the named job immediately on the caller's goroutine.
func (r *Runner) RunJob(ctx context.Context, name string) error {
	job, ok := r.jobs[name]
	if !ok {
		return fmt.Errorf("unknown maintenance job %q", name)
	}
	ctx, cancel := context.WithTimeout(ctx, r.config.JobTimeout)
	defer cancel()
	start := time.Now()
	err := job(ctx)
	r.logger.Debug("Maintenance: job %q finished in %s", name, time.Since(start).Round(time.Millisecond))
	return err
}

func (r *Runner) reindex(ctx context.Context) error {
	stats, err := r.indexer.Index(ctx)
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	r.logger.Info("Maintenance: reindexed %d/%d files (%d unchanged, %d failed, %d chunks, store=%d) in %s",
		stats.IndexedFiles, stats.TotalFiles, stats.SkippedFiles, stats.ErrorFiles, stats.Chunks, stats.StoreSize,
		stats.Duration.Round(time.Millisecond))
	return nil
}

func (r *Runner) logSummary(context.Context) error {
	s := r.summary.Summary(r.config.SummaryWindow)
	level := "unknown"
	if r.levels != nil {
		level = r.levels.Current().Level.String()
	}
	if s.Samples == 0 {
		r.logger.Info("Maintenance: no queries answered recently (level=%s)", level)
		return nil
	}
	r.logger.Info("Maintenance: %d queries, %d ok, mean %.2fs, %.1f tok/s, peak memory %.0fMB, %.0f%% on target, grades %s (level=%s)",
		s.Samples, s.Successful, s.ResponseSeconds.Mean, s.TokensPerSecond.Mean, s.MemoryMB.Max,
		s.MeetingTargetsPct, formatGrades(s.Grades), level)
	return nil
}

func formatGrades(grades map[string]int) string {
	keys := make([]string, 0, len(grades))
	for k := range grades {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, grades[k]))
	}
	return strings.Join(parts, " ")
}
