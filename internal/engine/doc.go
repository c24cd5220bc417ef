// Package engine owns the external computation capability.
//
// The capability is stateful, slow to initialize, and unsafe for concurrent
// entry. Gateway wraps one lazily created instance behind a single-slot gate:
// at most one WithEngine body runs at any instant across the whole process,
// and Reset/Close wait for the gate like any other caller.
//
// Cancelling an in-flight call is the caller's job: the context passed to
// WithEngine is handed to Compute, and CommandEngine kills its subprocess
// (SIGTERM, grace period, SIGKILL) when that context is done. A stop request
// therefore cancels the session context first and then calls Reset, which
// acquires the gate as soon as the aborted call unwinds and tears the instance
// down so the next caller re-initializes it.
package engine
