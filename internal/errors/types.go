package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Class says how a failure talking to the model host should be handled.
type Class int

const (
	// ClassTransient failures are retried with backoff.
	ClassTransient Class = iota
	// ClassPermanent failures are returned at once.
	ClassPermanent
	// ClassDegraded failures mean the host is being avoided; callers fall
	// back instead of waiting.
	ClassDegraded
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// HostError is a classified model-host or embedding-host failure.
type HostError struct {
	Class      Class
	Err        error
	StatusCode int
	Message    string
}

func (e *HostError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s error: %v", e.Class, e.Err)
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// NewTransientError marks err as worth retrying.
func NewTransientError(err error, message string) *HostError {
	return &HostError{Class: ClassTransient, Err: err, Message: message}
}

// NewPermanentError marks err as not worth retrying.
func NewPermanentError(err error, message string) *HostError {
	return &HostError{Class: ClassPermanent, Err: err, Message: message}
}

// NewDegradedError marks err as a deliberate refusal to call the host.
func NewDegradedError(err error, message string) *HostError {
	return &HostError{Class: ClassDegraded, Err: err, Message: message}
}

// FromHTTPStatus wraps a non-2xx response from a model or embedding endpoint.
// Overload and gateway statuses are transient; Ollama answers 503 while it
// loads a model.
func FromHTTPStatus(statusCode int, body string) error {
	class := ClassPermanent
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		class = ClassTransient
	}
	return &HostError{
		Class:      class,
		Err:        fmt.Errorf("status %d: %s", statusCode, strings.TrimSpace(body)),
		StatusCode: statusCode,
	}
}

// Classify returns the handling class of err. Unclassified errors are
// transient only when they look like a dropped or refused connection.
func Classify(err error) Class {
	var hostErr *HostError
	if errors.As(err, &hostErr) {
		return hostErr.Class
	}
	// Query lifecycle outcomes are never retried.
	if Reason(err) != ReasonUnknown {
		return ClassPermanent
	}
	if isConnectionError(err) {
		return ClassTransient
	}
	return ClassPermanent
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// IsPermanent reports whether err should be returned without retrying.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == ClassPermanent
}

// IsDegraded reports whether err is a refusal from an open circuit.
func IsDegraded(err error) bool {
	return err != nil && Classify(err) == ClassDegraded
}

func isConnectionError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "broken pipe"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
