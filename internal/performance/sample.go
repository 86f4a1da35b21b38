package performance

import (
	"fmt"
	"math"
	"time"
)

// Sample is one completed query's performance measurement.
type Sample struct {
	QueryID         string        `json:"query_id,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
	ResponseTime    time.Duration `json:"response_time"`
	MemoryMB        float64       `json:"memory_mb"`
	CPUPercent      float64       `json:"cpu_percent"`
	TokensPerSecond float64       `json:"tokens_per_second"`
	ContextTokens   int           `json:"context_tokens"`
	ResponseTokens  int           `json:"response_tokens"`
	Success         bool          `json:"success"`
}

// Validate rejects samples that cannot be aggregated.
func (s Sample) Validate() error {
	for name, v := range map[string]float64{
		"memory_mb":         s.MemoryMB,
		"cpu_percent":       s.CPUPercent,
		"tokens_per_second": s.TokensPerSecond,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("invalid %s: %v", name, v)
		}
	}
	if s.ResponseTime < 0 {
		return fmt.Errorf("invalid response_time: %v", s.ResponseTime)
	}
	if s.ContextTokens < 0 || s.ResponseTokens < 0 {
		return fmt.Errorf("invalid token counts: context=%d response=%d", s.ContextTokens, s.ResponseTokens)
	}
	return nil
}

// Targets are the static goals each sample is checked against. They only
// produce warnings.
type Targets struct {
	MaxResponseTime    time.Duration `mapstructure:"max_response_time" json:"max_response_time" yaml:"max_response_time"`
	MaxMemoryMB        float64       `mapstructure:"max_memory_mb" json:"max_memory_mb" yaml:"max_memory_mb"`
	MinTokensPerSecond float64       `mapstructure:"min_tokens_per_second" json:"min_tokens_per_second" yaml:"min_tokens_per_second"`
	MaxCPUPercent      float64       `mapstructure:"max_cpu_percent" json:"max_cpu_percent" yaml:"max_cpu_percent"`
}

// DefaultTargets suits a 4GB-RAM device running a small quantized model.
func DefaultTargets() Targets {
	return Targets{
		MaxResponseTime:    10 * time.Second,
		MaxMemoryMB:        3000,
		MinTokensPerSecond: 5,
		MaxCPUPercent:      90,
	}
}

// Violation describes one missed target.
type Violation struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Target float64 `json:"target"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s=%.2f (target %.2f)", v.Metric, v.Value, v.Target)
}

// Check returns the targets s misses. A zero target disables its check.
// Token rate is only judged when the sample generated tokens.
func (t Targets) Check(s Sample) []Violation {
	var out []Violation
	if t.MaxResponseTime > 0 && s.ResponseTime > t.MaxResponseTime {
		out = append(out, Violation{Metric: "response_time_seconds", Value: s.ResponseTime.Seconds(), Target: t.MaxResponseTime.Seconds()})
	}
	if t.MaxMemoryMB > 0 && s.MemoryMB > t.MaxMemoryMB {
		out = append(out, Violation{Metric: "memory_mb", Value: s.MemoryMB, Target: t.MaxMemoryMB})
	}
	if t.MinTokensPerSecond > 0 && s.ResponseTokens > 0 && s.TokensPerSecond < t.MinTokensPerSecond {
		out = append(out, Violation{Metric: "tokens_per_second", Value: s.TokensPerSecond, Target: t.MinTokensPerSecond})
	}
	if t.MaxCPUPercent > 0 && s.CPUPercent > t.MaxCPUPercent {
		out = append(out, Violation{Metric: "cpu_percent", Value: s.CPUPercent, Target: t.MaxCPUPercent})
	}
	return out
}

// Grade buckets a sample by how it fared against the targets.
//
//	A: every target met with response time at most half the limit
//	B: every target met
//	C: one target missed
//	D: two targets missed
//	F: three or more missed
func (t Targets) Grade(s Sample) string {
	missed := len(t.Check(s))
	switch {
	case missed == 0 && (t.MaxResponseTime <= 0 || s.ResponseTime <= t.MaxResponseTime/2):
		return "A"
	case missed == 0:
		return "B"
	case missed == 1:
		return "C"
	case missed == 2:
		return "D"
	default:
		return "F"
	}
}
