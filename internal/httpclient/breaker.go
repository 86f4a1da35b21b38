// Package httpclient builds the HTTP clients used to reach the local model
// host and reads their responses within size limits.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tutorerrors "tutor/internal/errors"
	"tutor/internal/logging"
)

// NewWithCircuitBreaker returns a client with the given timeout whose
// requests are refused while the breaker called name is open.
func NewWithCircuitBreaker(timeout time.Duration, name string, config tutorerrors.CircuitBreakerConfig, logger logging.Logger) *http.Client {
	breaker := tutorerrors.NewCircuitBreaker(name, config, logger)
	return &http.Client{Timeout: timeout, Transport: WrapTransport(nil, breaker)}
}

// WrapTransport puts breaker in front of next, or http.DefaultTransport
// when next is nil.
func WrapTransport(next http.RoundTripper, breaker *tutorerrors.CircuitBreaker) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return guardedTransport{next: next, breaker: breaker}
}

type guardedTransport struct {
	next    http.RoundTripper
	breaker *tutorerrors.CircuitBreaker
}

func (g guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := g.next.RoundTrip(req)
	g.breaker.Mark(hostFailure(resp, err))
	return resp, err
}

// hostFailure returns the error the breaker should count for a round trip,
// or nil when the host behaved. Overload and 5xx answers count; a caller
// cancelling does not.
func hostFailure(resp *http.Response, err error) error {
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		return nil
	case err != nil:
		return err
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("model host answered %s", resp.Status)
	}
	return nil
}
