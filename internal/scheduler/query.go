package scheduler

import (
	"fmt"
	"strings"
	"time"

	tutorerrors "tutor/internal/errors"
)

// Priority orders queued queries. Lower values are dispatched first.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorityNames = [...]string{"urgent", "high", "normal", "low"}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is a defined priority.
func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority resolves a priority name. Empty input is Normal.
func ParsePriority(name string) (Priority, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return PriorityNormal, nil
	}
	for i, n := range priorityNames {
		if n == needle {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", name)
}

// Query is a unit of generation work.
type Query struct {
	ID            string
	Prompt        string
	System        string
	Priority      Priority
	MaxTokens     int
	Temperature   *float64
	Timeout       time.Duration
	CreatedAt     time.Time
	Metadata      map[string]string
	ContextTokens int
	// OnComplete runs once with the final Result. Panics are recovered.
	OnComplete func(Result)
}

// Result is the single, immutable outcome of a query.
type Result struct {
	QueryID         string                    `json:"query_id"`
	Text            string                    `json:"text"`
	Success         bool                      `json:"success"`
	Error           string                    `json:"error,omitempty"`
	Reason          tutorerrors.FailureReason `json:"reason,omitempty"`
	Priority        Priority                  `json:"priority"`
	WaitTime        time.Duration             `json:"wait_time"`
	ProcessingTime  time.Duration             `json:"processing_time"`
	TokensGenerated int                       `json:"tokens_generated"`
	MemoryMB        float64                   `json:"memory_mb"`
	CompletedAt     time.Time                 `json:"completed_at"`
	Metadata        map[string]string         `json:"metadata,omitempty"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running         bool   `json:"running"`
	Depth           int    `json:"depth"`
	Capacity        int    `json:"capacity"`
	ActiveWorkers   int    `json:"active_workers"`
	PoolSize        int    `json:"pool_size"`
	Ceiling         int    `json:"ceiling"`
	Submitted       uint64 `json:"submitted"`
	Processed       uint64 `json:"processed"`
	Failed          uint64 `json:"failed"`
	Cancelled       uint64 `json:"cancelled"`
	Expired         uint64 `json:"expired"`
	TimedOut        uint64 `json:"timed_out"`
	Exhausted       uint64 `json:"resource_exhausted"`
	Rejected        uint64 `json:"rejected"`
	HighWaterDepth  int    `json:"high_water_depth"`
	HighWaterActive int    `json:"high_water_active"`
	RetainedResults int    `json:"retained_results"`
}
