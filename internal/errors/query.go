package errors

import (
	"context"
	"errors"
	"fmt"
)

// FailureReason names why a query did not produce a successful result.
type FailureReason string

const (
	ReasonNone              FailureReason = ""
	ReasonAdmissionRejected FailureReason = "admission_rejected"
	ReasonExpired           FailureReason = "expired"
	ReasonTimedOut          FailureReason = "timed_out"
	ReasonCancelled         FailureReason = "cancelled"
	ReasonGeneration        FailureReason = "generation_failure"
	ReasonResourceExhausted FailureReason = "resource_exhausted"
	ReasonShutdown          FailureReason = "shutdown"
	ReasonUnknown           FailureReason = "unknown"
)

var (
	// ErrExpired marks a query whose wait exceeded its timeout before dispatch.
	ErrExpired = errors.New("query expired before dispatch")
	// ErrTimedOut marks a running query stopped after its timeout elapsed.
	ErrTimedOut = errors.New("query timed out while running")
	// ErrCancelled marks a query stopped by an explicit cancel request.
	ErrCancelled = errors.New("query cancelled")
	// ErrResourceExhausted marks a query aborted because memory crossed the admission threshold.
	ErrResourceExhausted = errors.New("memory threshold exceeded")
	// ErrShutdown marks a query abandoned because the scheduler stopped.
	ErrShutdown = errors.New("scheduler shutting down")
	// ErrEmptyGeneration marks a generator that finished without usable text.
	ErrEmptyGeneration = errors.New("generator returned no usable text")
)

// AdmissionError is returned by Submit when a query cannot be queued.
type AdmissionError struct {
	Cause    string
	Depth    int
	Capacity int
	MemoryMB float64
	LimitMB  float64
}

func (e *AdmissionError) Error() string {
	switch e.Cause {
	case "memory":
		return fmt.Sprintf("admission rejected: memory %.0fMB at or above threshold %.0fMB", e.MemoryMB, e.LimitMB)
	case "queue_full":
		return fmt.Sprintf("admission rejected: queue full (%d/%d)", e.Depth, e.Capacity)
	default:
		return "admission rejected: " + e.Cause
	}
}

// GenerationError wraps a failure raised by the generation provider.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// IsAdmissionRejected reports whether err came from admission control.
func IsAdmissionRejected(err error) bool {
	var admissionErr *AdmissionError
	return errors.As(err, &admissionErr)
}

// Reason maps err onto the failure taxonomy. nil maps to ReasonNone.
func Reason(err error) FailureReason {
	if err == nil {
		return ReasonNone
	}
	var generationErr *GenerationError
	switch {
	case IsAdmissionRejected(err):
		return ReasonAdmissionRejected
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	case errors.Is(err, ErrTimedOut):
		return ReasonTimedOut
	case errors.Is(err, ErrCancelled):
		return ReasonCancelled
	case errors.Is(err, ErrResourceExhausted):
		return ReasonResourceExhausted
	case errors.Is(err, ErrShutdown):
		return ReasonShutdown
	case errors.As(err, &generationErr), errors.Is(err, ErrEmptyGeneration):
		return ReasonGeneration
	default:
		return ReasonUnknown
	}
}

// CauseOf returns the cancellation cause recorded on ctx when it carries one
// of the query lifecycle errors, otherwise ctx.Err().
func CauseOf(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}
