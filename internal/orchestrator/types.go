package orchestrator

import (
	"time"

	"tutor/internal/contextfit"
	"tutor/internal/degradation"
	tutorerrors "tutor/internal/errors"
	"tutor/internal/fallback"
	"tutor/internal/scheduler"
)

// Mode selects how generation runs.
type Mode string

const (
	// ModeDirect generates on the caller's goroutine.
	ModeDirect Mode = "direct"
	// ModeQueued submits to the scheduler and waits for the result.
	ModeQueued Mode = "queued"
)

// Request is one question from a learner.
type Request struct {
	Text        string             `json:"text"`
	Subject     string             `json:"subject,omitempty"`
	Grade       int                `json:"grade,omitempty"`
	Language    string             `json:"language,omitempty"`
	Priority    scheduler.Priority `json:"priority"`
	Mode        Mode               `json:"mode,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Timeout     time.Duration      `json:"timeout,omitempty"`
}

// Status is the lifecycle position of a Response.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFallback  Status = "fallback"
	StatusPending   Status = "pending"
)

// Source is a passage the answer was grounded on.
type Source struct {
	SourceFile string  `json:"source_file"`
	Subject    string  `json:"subject,omitempty"`
	Grade      int     `json:"grade,omitempty"`
	Position   int     `json:"position"`
	Similarity float64 `json:"similarity"`
	Relevance  float64 `json:"relevance"`
	Truncated  bool    `json:"truncated,omitempty"`
}

// Timing breaks a response down by stage.
type Timing struct {
	Retrieval  time.Duration `json:"retrieval"`
	Fitting    time.Duration `json:"fitting"`
	Queue      time.Duration `json:"queue"`
	Generation time.Duration `json:"generation"`
	Total      time.Duration `json:"total"`
}

// Response has the same shape on every path.
type Response struct {
	QueryID           string                    `json:"query_id"`
	Status            Status                    `json:"status"`
	Answer            string                    `json:"answer"`
	Language          string                    `json:"language"`
	Sources           []Source                  `json:"sources"`
	Fallback          bool                      `json:"fallback"`
	FallbackReason    fallback.Reason           `json:"fallback_reason,omitempty"`
	Suggestions       []string                  `json:"suggestions,omitempty"`
	FailureReason     tutorerrors.FailureReason `json:"failure_reason,omitempty"`
	Error             string                    `json:"error,omitempty"`
	Level             degradation.Level         `json:"degradation_level"`
	DegradedRetrieval bool                      `json:"degraded_retrieval,omitempty"`
	Context           contextfit.Stats          `json:"context"`
	TokensGenerated   int                       `json:"tokens_generated"`
	Timing            Timing                    `json:"timing"`
}

// Final reports whether r will not change any more.
func (r Response) Final() bool {
	return r.Status != StatusPending
}

// DegradationStatus is the controller view exposed to operators.
type DegradationStatus struct {
	State           degradation.State   `json:"state"`
	Recommendations []string            `json:"recommendations"`
	History         []degradation.State `json:"history"`
}
