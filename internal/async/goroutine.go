// Package async contains panics raised by callbacks and background
// goroutines so one misbehaving subscriber cannot take the process down.
package async

import "runtime/debug"

// PanicLogger receives panic reports.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Call runs fn on the calling goroutine. A panic is logged under name and
// reported through the return value instead of propagating.
func Call(logger PanicLogger, name string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			report(logger, name, r)
		}
	}()
	fn()
	return false
}

// Go runs fn in a new goroutine guarded like Call.
func Go(logger PanicLogger, name string, fn func()) {
	go Call(logger, name, fn)
}

func report(logger PanicLogger, name string, r any) {
	if logger == nil {
		return
	}
	logger.Error("%s panicked: %v\n%s", name, r, debug.Stack())
}
