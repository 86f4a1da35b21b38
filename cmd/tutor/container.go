package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tutor/internal/config"
	"tutor/internal/contextfit"
	"tutor/internal/degradation"
	"tutor/internal/fallback"
	"tutor/internal/llm"
	"tutor/internal/logging"
	"tutor/internal/maintenance"
	"tutor/internal/observability"
	"tutor/internal/orchestrator"
	"tutor/internal/performance"
	"tutor/internal/rag"
	"tutor/internal/scheduler"
	"tutor/internal/server"
	tokenutil "tutor/internal/shared/token"
)

// Container holds every long-lived component of the tutor.
type Container struct {
	Config   config.Config
	Meta     config.Metadata
	Logger   *observability.Logger
	Registry *prometheus.Registry

	Tracker      *performance.Tracker
	Sampler      *performance.Sampler
	Controller   *degradation.Controller
	Generator    *llm.OllamaClient
	Store        *rag.Store
	Indexer      *rag.Indexer
	Scheduler    *scheduler.Scheduler
	Orchestrator *orchestrator.Orchestrator
	Maintenance  *maintenance.Runner
	Telemetry    *observability.MetricsCollector
	Tracer       *observability.TracerProvider

	cleanups []func(context.Context) error
}

// containerOptions tune buildContainer for the calling command.
type containerOptions struct {
	verbose bool
	logOut  io.Writer
	// indexRoot overrides the indexer root directory.
	indexRoot string
}

func buildContainer(cfg config.Config, meta config.Metadata, opts containerOptions) (*Container, error) {
	logCfg := observability.LogConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: opts.logOut,
	}
	if opts.verbose {
		logCfg.Level = "debug"
	}
	obsLogger := observability.NewLogger(logCfg)
	logging.SetBase(obsLogger)
	logger := logging.NewComponentLogger("Container")

	c := &Container{Config: cfg, Meta: meta, Logger: obsLogger, Registry: prometheus.NewRegistry()}
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	perfMetrics := performance.MustNewMetrics(c.Registry)
	c.Tracker = performance.NewTracker(cfg.Tracker, logging.NewComponentLogger("Tracker"),
		performance.WithMetrics(perfMetrics))

	probe, err := newProbe(cfg.Sampler.Probe, logging.NewComponentLogger("Sampler"))
	if err != nil {
		return nil, err
	}
	c.Sampler = performance.NewSampler(probe, cfg.Sampler.Interval, logging.NewComponentLogger("Sampler"), perfMetrics)

	c.Controller, err = degradation.New(cfg.Degradation, c.Tracker, logging.NewComponentLogger("Degradation"),
		degradation.WithMetrics(degradation.MustNewMetrics(c.Registry)))
	if err != nil {
		return nil, fmt.Errorf("degradation controller: %w", err)
	}
	c.Tracker.Subscribe(c.Controller.Observe)
	transitions := logging.NewComponentLogger("Degradation")
	c.Controller.Subscribe(func(from, to degradation.State) {
		transitions.Warn("Degradation %s -> %s: %s", from.Level, to.Level, to.Reason)
	})

	ctrl := c.Controller
	c.Generator, err = llm.NewOllamaClient(cfg.Generation, func() llm.RuntimeOptions {
		return llm.RuntimeOptions{ContextTokens: ctrl.ContextTokens(), Threads: ctrl.Threads()}
	}, logging.NewComponentLogger("Ollama"))
	if err != nil {
		return nil, fmt.Errorf("generation client: %w", err)
	}

	var embedder rag.Embedder
	if cfg.Embedding.Enabled {
		e, err := rag.NewOllamaEmbedder(cfg.Embedding.EmbedderConfig, logging.NewComponentLogger("Embedder"))
		if err != nil {
			return nil, fmt.Errorf("embedder: %w", err)
		}
		embedder = e
	} else {
		logger.Warn("Embedding disabled; retrieval runs degraded")
	}

	c.Store, err = rag.NewStore(cfg.Store, embedder, logging.NewComponentLogger("Store"))
	if err != nil {
		return nil, err
	}
	retriever := rag.NewRetriever(cfg.Retrieval, embedder, c.Store, logging.NewComponentLogger("Retriever"))

	counter := tokenutil.CounterFunc(tokenutil.CountTokens)
	fitter := contextfit.New(cfg.Fitter, c.Controller, counter, logging.NewComponentLogger("ContextFitter"))

	var reindexer maintenance.Reindexer
	if embedder != nil {
		chunker, err := rag.NewChunker(cfg.Chunker, counter)
		if err != nil {
			return nil, fmt.Errorf("chunker: %w", err)
		}
		idxCfg := cfg.Indexer
		if opts.indexRoot != "" {
			idxCfg.Root = opts.indexRoot
		}
		c.Indexer, err = rag.NewIndexer(idxCfg, chunker, embedder, c.Store, cfg.Fitter.SubjectKeywords,
			logging.NewComponentLogger("Indexer"))
		if err != nil {
			return nil, err
		}
		reindexer = c.Indexer
	}

	c.Scheduler, err = scheduler.New(cfg.Scheduler, c.Generator, c.Controller, c.Sampler,
		logging.NewComponentLogger("Scheduler"),
		scheduler.WithRecorder(c.Tracker),
		scheduler.WithMetrics(scheduler.MustNewMetrics(c.Registry)))
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	c.cleanups = append(c.cleanups, func(context.Context) error {
		c.Scheduler.Stop()
		return nil
	})

	fallbacks, err := newFallbackPolicy(cfg.Fallback)
	if err != nil {
		return nil, err
	}

	c.Telemetry, err = observability.NewMetricsCollector(cfg.Observability.Metrics, c.Registry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	c.cleanups = append(c.cleanups, c.Telemetry.Shutdown)

	tracing := cfg.Observability.Tracing
	if tracing.ServiceVersion == "" || tracing.ServiceVersion == "dev" {
		tracing.ServiceVersion = version
	}
	c.Tracer, err = observability.NewTracerProvider(tracing)
	if err != nil {
		logger.Warn("Tracing disabled: %v", err)
		c.Tracer = observability.NoopTracerProvider()
	}
	c.cleanups = append(c.cleanups, c.Tracer.Shutdown)

	c.Orchestrator, err = orchestrator.New(cfg.Pipeline, orchestrator.Dependencies{
		Retriever:  retriever,
		Fitter:     fitter,
		Controller: c.Controller,
		Generator:  c.Generator,
		Scheduler:  c.Scheduler,
		Fallbacks:  fallbacks,
		Recorder:   c.Tracker,
		Resources:  c.Sampler,
		Metrics:    orchestrator.MustNewMetrics(c.Registry),
		Telemetry:  c.Telemetry,
		Tracer:     c.Tracer,
		Logger:     logging.NewComponentLogger("Orchestrator"),
		Model:      c.Generator.Model(),
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	c.Maintenance = maintenance.New(cfg.Maintenance, reindexer, c.Tracker, c.Controller,
		logging.NewComponentLogger("Maintenance"))
	c.cleanups = append(c.cleanups, func(context.Context) error {
		c.Maintenance.Stop()
		return nil
	})

	if meta.ConfigFile != "" {
		logger.Info("Loaded configuration from %s", meta.ConfigFile)
	}
	return c, nil
}

// NewServer builds the HTTP front end over the container.
func (c *Container) NewServer(version string) (*server.Server, error) {
	return server.New(c.Config.Server, server.Dependencies{
		Pipeline:    c.Orchestrator,
		Levels:      c.Controller,
		Performance: c.Tracker,
		Health:      c.Generator,
		Gatherer:    c.Registry,
		Logger:      logging.NewComponentLogger("Server"),
		Version:     version,
	})
}

// Cleanup releases resources in reverse construction order.
func (c *Container) Cleanup() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Config.Server.ShutdownTimeout)
	defer cancel()
	var errs []error
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		if err := c.cleanups[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newProbe(kind string, logger logging.Logger) (performance.Probe, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "system":
		p, err := performance.NewSystemProbe()
		if err != nil {
			return nil, fmt.Errorf("system probe: %w", err)
		}
		return p, nil
	case "procfs":
		p, err := performance.NewProcProbe()
		if err != nil {
			return nil, fmt.Errorf("procfs probe: %w", err)
		}
		return p, nil
	case "runtime":
		return performance.RuntimeProbe{}, nil
	default:
		return performance.DefaultProbe(logger), nil
	}
}

func newFallbackPolicy(cfg config.FallbackConfig) (*fallback.Policy, error) {
	catalog := fallback.DefaultCatalog()
	if cfg.CatalogPath != "" {
		loaded, err := fallback.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("fallback catalog: %w", err)
		}
		catalog = loaded
	}
	return fallback.NewPolicy(catalog, cfg.DefaultLanguage)
}
