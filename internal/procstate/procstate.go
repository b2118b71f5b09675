// Package procstate holds the one process-wide mutable flag spec.md
// section 9 calls for: "a process-wide shutdown_requested atomic
// boolean signals graceful shutdown to all event loops; no other
// global mutable state is required." Signal handling toggles it;
// event loops observe it at the top of each iteration.
package procstate

import "sync/atomic"

var shutdownRequested atomic.Bool

// RequestShutdown sets the flag. Safe to call from a signal handler.
func RequestShutdown() {
	shutdownRequested.Store(true)
}

// IsShutdownRequested reports whether RequestShutdown has been called.
func IsShutdownRequested() bool {
	return shutdownRequested.Load()
}

// Reset clears the flag; intended for tests that construct more than
// one event loop within a single process.
func Reset() {
	shutdownRequested.Store(false)
}
