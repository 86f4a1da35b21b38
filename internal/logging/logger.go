// Package logging gives long-lived tutor components a printf-style logger
// that writes through the process-wide structured logger.
package logging

import (
	"fmt"
	"reflect"
	"sync/atomic"

	"tutor/internal/observability"
)

// Logger is the contract the scheduler, degradation controller, tracker and
// orchestrator log through.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type discard struct{}

func (discard) Debug(string, ...any) {}
func (discard) Info(string, ...any)  {}
func (discard) Warn(string, ...any)  {}
func (discard) Error(string, ...any) {}

// Nop returns a Logger that drops every message.
func Nop() Logger { return discard{} }

// IsNil reports whether l is nil, including a nil pointer stored in the
// interface.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func:
		return v.IsNil()
	}
	return false
}

// OrNop substitutes Nop for a nil logger.
func OrNop(l Logger) Logger {
	if IsNil(l) {
		return Nop()
	}
	return l
}

var root atomic.Pointer[observability.Logger]

// SetBase installs the structured logger that component loggers resolve
// against. Passing nil silences components created afterwards.
func SetBase(l *observability.Logger) {
	root.Store(l)
}

// NewComponentLogger scopes the installed base logger to component.
func NewComponentLogger(component string) Logger {
	return FromObservabilityWithComponent(root.Load(), component)
}

// FromObservabilityWithComponent adapts a structured logger to Logger,
// tagging every record with component when it is set.
func FromObservabilityWithComponent(l *observability.Logger, component string) Logger {
	if l == nil {
		return Nop()
	}
	if component != "" {
		l = l.With("component", component)
	}
	return componentLogger{out: l}
}

type componentLogger struct {
	out *observability.Logger
}

func (c componentLogger) Debug(format string, args ...any) { c.out.Debug(sprintf(format, args)) }
func (c componentLogger) Info(format string, args ...any)  { c.out.Info(sprintf(format, args)) }
func (c componentLogger) Warn(format string, args ...any)  { c.out.Warn(sprintf(format, args)) }
func (c componentLogger) Error(format string, args ...any) { c.out.Error(sprintf(format, args)) }

func sprintf(format string, args []any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
