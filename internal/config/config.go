// Package config loads the tutor configuration from defaults, an optional
// YAML file and TUTOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tutor/internal/contextfit"
	"tutor/internal/degradation"
	"tutor/internal/llm"
	"tutor/internal/maintenance"
	"tutor/internal/observability"
	"tutor/internal/orchestrator"
	"tutor/internal/performance"
	"tutor/internal/rag"
	"tutor/internal/scheduler"
	"tutor/internal/server"
)

// Config is the complete runtime configuration.
type Config struct {
	Scheduler     scheduler.Config     `mapstructure:"scheduler" yaml:"scheduler"`
	Degradation   degradation.Config   `mapstructure:"degradation" yaml:"degradation"`
	Fitter        contextfit.Config    `mapstructure:"fitter" yaml:"fitter"`
	Tracker       performance.Config   `mapstructure:"tracker" yaml:"tracker"`
	Sampler       SamplerConfig        `mapstructure:"sampler" yaml:"sampler"`
	Retrieval     rag.RetrieverConfig  `mapstructure:"retrieval" yaml:"retrieval"`
	Embedding     EmbeddingConfig      `mapstructure:"embedding" yaml:"embedding"`
	Store         rag.StoreConfig      `mapstructure:"store" yaml:"store"`
	Chunker       rag.ChunkerConfig    `mapstructure:"chunker" yaml:"chunker"`
	Indexer       rag.IndexerConfig    `mapstructure:"indexer" yaml:"indexer"`
	Generation    llm.OllamaConfig     `mapstructure:"generation" yaml:"generation"`
	Pipeline      orchestrator.Config  `mapstructure:"pipeline" yaml:"pipeline"`
	Fallback      FallbackConfig       `mapstructure:"fallback" yaml:"fallback"`
	Maintenance   maintenance.Config   `mapstructure:"maintenance" yaml:"maintenance"`
	Server        server.Config        `mapstructure:"server" yaml:"server"`
	Observability observability.Config `mapstructure:"observability" yaml:"observability"`
}

// SamplerConfig controls background resource sampling.
type SamplerConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// Probe is "system" (host meminfo), "procfs" (process RSS), "runtime" or
	// "auto", which tries them in that order.
	Probe string `mapstructure:"probe" yaml:"probe"`
}

// EmbeddingConfig switches the embedding provider on or off. Without it the
// retriever runs degraded and every search comes back empty.
type EmbeddingConfig struct {
	Enabled            bool `mapstructure:"enabled" yaml:"enabled"`
	rag.EmbedderConfig `mapstructure:",squash" yaml:",inline"`
}

// FallbackConfig selects the fallback message catalog.
type FallbackConfig struct {
	CatalogPath     string `mapstructure:"catalog_path" yaml:"catalog_path"`
	DefaultLanguage string `mapstructure:"default_language" yaml:"default_language"`
}

// Default returns the configuration for a 4GB device with a local Ollama.
func Default() Config {
	return Config{
		Scheduler:   scheduler.DefaultConfig(),
		Degradation: degradation.DefaultConfig(),
		Fitter:      contextfit.DefaultConfig(),
		Tracker:     performance.DefaultConfig(),
		Sampler:     SamplerConfig{Interval: 2 * time.Second, Probe: "auto"},
		Retrieval:   rag.DefaultRetrieverConfig(),
		Embedding:   EmbeddingConfig{Enabled: true, EmbedderConfig: rag.DefaultEmbedderConfig()},
		Store: rag.StoreConfig{
			PersistPath: "data/vectors",
			Collection:  "knowledge",
			Compress:    true,
		},
		Chunker:       rag.DefaultChunkerConfig(),
		Indexer:       rag.DefaultIndexerConfig(),
		Generation:    llm.DefaultOllamaConfig(),
		Pipeline:      orchestrator.DefaultConfig(),
		Fallback:      FallbackConfig{DefaultLanguage: "en"},
		Maintenance:   maintenance.DefaultConfig(),
		Server:        server.DefaultConfig(),
		Observability: observability.DefaultConfig(),
	}
}

// Validate reports every inconsistency found, joined.
func (c Config) Validate() error {
	var errs []error
	wrap := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	wrap("scheduler", c.Scheduler.Validate())
	wrap("degradation", c.Degradation.Validate())

	if c.Fitter.ResponseReserveFraction < 0 || c.Fitter.ResponseReserveFraction >= 1 {
		wrap("fitter", errors.New("response_reserve_fraction must be in [0, 1)"))
	}
	if c.Fitter.SimilarityWeight < 0 || c.Fitter.DomainWeight < 0 {
		wrap("fitter", errors.New("weights must not be negative"))
	}
	if c.Tracker.Capacity <= 0 {
		wrap("tracker", errors.New("capacity must be positive"))
	}
	switch strings.ToLower(c.Sampler.Probe) {
	case "", "auto", "system", "procfs", "runtime":
	default:
		wrap("sampler", fmt.Errorf("unknown probe %q", c.Sampler.Probe))
	}
	if c.Retrieval.TopK <= 0 {
		wrap("retrieval", errors.New("top_k must be positive"))
	}
	if c.Embedding.Enabled && strings.TrimSpace(c.Embedding.Model) == "" {
		wrap("embedding", errors.New("model is required when enabled"))
	}
	if c.Chunker.ChunkSize <= 0 || c.Chunker.ChunkOverlap < 0 || c.Chunker.ChunkOverlap >= c.Chunker.ChunkSize {
		wrap("chunker", fmt.Errorf("need 0 <= chunk_overlap (%d) < chunk_size (%d)", c.Chunker.ChunkOverlap, c.Chunker.ChunkSize))
	}
	if strings.TrimSpace(c.Generation.BaseURL) == "" || strings.TrimSpace(c.Generation.Model) == "" {
		wrap("generation", errors.New("base_url and model are required"))
	}
	if c.Pipeline.MinRelevance < 0 || c.Pipeline.MinRelevance > 1 {
		wrap("pipeline", errors.New("min_relevance must be in [0, 1]"))
	}
	switch c.Pipeline.DefaultMode {
	case "", orchestrator.ModeDirect, orchestrator.ModeQueued:
	default:
		wrap("pipeline", fmt.Errorf("unknown default_mode %q", c.Pipeline.DefaultMode))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		wrap("server", fmt.Errorf("port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Observability.Logging.Format) {
	case "", "text", "json":
	default:
		wrap("observability", fmt.Errorf("unknown log format %q", c.Observability.Logging.Format))
	}
	return errors.Join(errs...)
}
