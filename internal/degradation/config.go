package degradation

import (
	"fmt"
	"time"
)

// Config holds the base operating parameters, per-dimension thresholds and
// per-level scaling factors. Every slice carries one value per level,
// Optimal first.
type Config struct {
	BaseContextTokens int           `mapstructure:"base_context_tokens" json:"base_context_tokens" yaml:"base_context_tokens"`
	BaseThreads       int           `mapstructure:"base_threads" json:"base_threads" yaml:"base_threads"`
	BaseBatchSize     int           `mapstructure:"base_batch_size" json:"base_batch_size" yaml:"base_batch_size"`
	Cooldown          time.Duration `mapstructure:"cooldown" json:"cooldown" yaml:"cooldown"`
	Window            int           `mapstructure:"window" json:"window" yaml:"window"`
	HistorySize       int           `mapstructure:"history_size" json:"history_size" yaml:"history_size"`

	MemoryThresholdsMB   []float64 `mapstructure:"memory_thresholds_mb" json:"memory_thresholds_mb" yaml:"memory_thresholds_mb"`
	LatencyThresholdsSec []float64 `mapstructure:"latency_thresholds_sec" json:"latency_thresholds_sec" yaml:"latency_thresholds_sec"`
	TokenRateThresholds  []float64 `mapstructure:"token_rate_thresholds" json:"token_rate_thresholds" yaml:"token_rate_thresholds"`
	ContextFactors       []float64 `mapstructure:"context_factors" json:"context_factors" yaml:"context_factors"`
	ThreadFactors        []float64 `mapstructure:"thread_factors" json:"thread_factors" yaml:"thread_factors"`
	BatchFactors         []float64 `mapstructure:"batch_factors" json:"batch_factors" yaml:"batch_factors"`
	AdmissionMemoryMB    []float64 `mapstructure:"admission_memory_mb" json:"admission_memory_mb" yaml:"admission_memory_mb"`
	OutputTokenFactors   []float64 `mapstructure:"output_token_factors" json:"output_token_factors" yaml:"output_token_factors"`
}

// DefaultConfig targets a 4GB device running a small quantized model.
func DefaultConfig() Config {
	return Config{
		BaseContextTokens: 2048,
		BaseThreads:       4,
		BaseBatchSize:     4,
		Cooldown:          30 * time.Second,
		Window:            5,
		HistorySize:       100,

		MemoryThresholdsMB:   []float64{1500, 2000, 2500, 2800, 3000},
		LatencyThresholdsSec: []float64{3, 5, 8, 12, 20},
		TokenRateThresholds:  []float64{15, 10, 7, 5, 3},
		ContextFactors:       []float64{1.0, 0.8, 0.6, 0.4, 0.2},
		ThreadFactors:        []float64{1.0, 0.85, 0.7, 0.5, 0.25},
		BatchFactors:         []float64{1.0, 0.8, 0.6, 0.4, 0.2},
		AdmissionMemoryMB:    []float64{3200, 3000, 2850, 2700, 2500},
		OutputTokenFactors:   []float64{1.0, 1.0, 1.0, 0.5, 0.25},
	}
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	if c.BaseContextTokens <= 0 || c.BaseThreads <= 0 || c.BaseBatchSize <= 0 {
		return fmt.Errorf("base context/threads/batch must be positive (got %d/%d/%d)",
			c.BaseContextTokens, c.BaseThreads, c.BaseBatchSize)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative")
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}

	perLevel := []struct {
		name       string
		values     []float64
		ascending  bool
		descending bool
		factor     bool
	}{
		{name: "memory_thresholds_mb", values: c.MemoryThresholdsMB, ascending: true},
		{name: "latency_thresholds_sec", values: c.LatencyThresholdsSec, ascending: true},
		{name: "token_rate_thresholds", values: c.TokenRateThresholds, descending: true},
		{name: "context_factors", values: c.ContextFactors, descending: true, factor: true},
		{name: "thread_factors", values: c.ThreadFactors, descending: true, factor: true},
		{name: "batch_factors", values: c.BatchFactors, descending: true, factor: true},
		{name: "admission_memory_mb", values: c.AdmissionMemoryMB, descending: true},
		{name: "output_token_factors", values: c.OutputTokenFactors, descending: true, factor: true},
	}
	for _, p := range perLevel {
		if len(p.values) != NumLevels {
			return fmt.Errorf("%s needs %d values, got %d", p.name, NumLevels, len(p.values))
		}
		for i := 1; i < NumLevels; i++ {
			if p.ascending && p.values[i] < p.values[i-1] {
				return fmt.Errorf("%s must be non-decreasing from optimal to critical", p.name)
			}
			if p.descending && p.values[i] > p.values[i-1] {
				return fmt.Errorf("%s must be non-increasing from optimal to critical", p.name)
			}
		}
		if p.factor {
			for _, v := range p.values {
				if v <= 0 || v > 1 {
					return fmt.Errorf("%s values must be in (0, 1], got %v", p.name, v)
				}
			}
		}
	}
	return nil
}

// withDefaults fills zero-valued fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BaseContextTokens == 0 {
		c.BaseContextTokens = def.BaseContextTokens
	}
	if c.BaseThreads == 0 {
		c.BaseThreads = def.BaseThreads
	}
	if c.BaseBatchSize == 0 {
		c.BaseBatchSize = def.BaseBatchSize
	}
	if c.Window == 0 {
		c.Window = def.Window
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	fill := func(dst *[]float64, src []float64) {
		if len(*dst) == 0 {
			*dst = append([]float64(nil), src...)
		}
	}
	fill(&c.MemoryThresholdsMB, def.MemoryThresholdsMB)
	fill(&c.LatencyThresholdsSec, def.LatencyThresholdsSec)
	fill(&c.TokenRateThresholds, def.TokenRateThresholds)
	fill(&c.ContextFactors, def.ContextFactors)
	fill(&c.ThreadFactors, def.ThreadFactors)
	fill(&c.BatchFactors, def.BatchFactors)
	fill(&c.AdmissionMemoryMB, def.AdmissionMemoryMB)
	fill(&c.OutputTokenFactors, def.OutputTokenFactors)
	return c
}
