package observability

import (
	"runtime/debug"
)

// RecoverPanic recovers a panic and logs it with the full stack trace. Call
// it in a defer; the panic is swallowed, so the goroutine survives.
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("panic recovered")
	}
}

// RecoverPanicWithCallback is RecoverPanic plus a cleanup hook. The callback
// runs only when a panic was actually recovered, after it has been logged.
// HTTP middleware uses it to write the error response the panicking handler
// never sent.
func RecoverPanicWithCallback(logger *Logger, context string, callback func()) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("panic recovered")
		if callback != nil {
			callback()
		}
	}
}
