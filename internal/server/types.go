package server

import (
	"fmt"
	"strings"
	"time"

	"tutor/internal/orchestrator"
	"tutor/internal/performance"
	"tutor/internal/scheduler"
)

// APIResponse is the envelope every /v1 endpoint returns.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// QueryRequest is the body of POST /v1/queries and POST /v1/ask.
type QueryRequest struct {
	Question    string   `json:"question"`
	Subject     string   `json:"subject,omitempty"`
	Grade       int      `json:"grade,omitempty"`
	Language    string   `json:"language,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Timeout     string   `json:"timeout,omitempty"`
}

func (r QueryRequest) toRequest() (orchestrator.Request, error) {
	priority, err := scheduler.ParsePriority(r.Priority)
	if err != nil {
		return orchestrator.Request{}, err
	}
	var timeout time.Duration
	if strings.TrimSpace(r.Timeout) != "" {
		timeout, err = time.ParseDuration(r.Timeout)
		if err != nil || timeout < 0 {
			return orchestrator.Request{}, fmt.Errorf("invalid timeout %q", r.Timeout)
		}
	}
	mode := orchestrator.Mode(strings.ToLower(strings.TrimSpace(r.Mode)))
	switch mode {
	case "", orchestrator.ModeDirect, orchestrator.ModeQueued:
	default:
		return orchestrator.Request{}, fmt.Errorf("unknown mode %q", r.Mode)
	}
	if r.Grade < 0 || r.MaxTokens < 0 {
		return orchestrator.Request{}, fmt.Errorf("grade and max_tokens must not be negative")
	}
	return orchestrator.Request{
		Text:        r.Question,
		Subject:     r.Subject,
		Grade:       r.Grade,
		Language:    r.Language,
		Priority:    priority,
		Mode:        mode,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		Timeout:     timeout,
	}, nil
}

// ForceLevelRequest is the body of POST /v1/degradation/force.
type ForceLevelRequest struct {
	Level  string `json:"level" binding:"required"`
	Reason string `json:"reason,omitempty"`
}

// PerformanceReport is returned by GET /v1/status/performance.
type PerformanceReport struct {
	Window  int                 `json:"window"`
	Summary performance.Summary `json:"summary"`
	Targets performance.Targets `json:"targets"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	ModelHost string    `json:"model_host"`
	Error     string    `json:"error,omitempty"`
}
