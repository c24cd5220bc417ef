// Package jobs orchestrates sessions: acceptance, the per-session runner,
// stop requests, log tailing and artifact lookup.
//
// Submit stages uploads and locates data roots synchronously, then starts one
// runner goroutine per accepted session. Runners share a single
// engine.Gateway, so engine calls are totally ordered across sessions while
// everything else (staging, archival, tailing) proceeds in parallel.
//
// Session state machine:
//
//	pending -> running -> done | error | stopped
//
// A stop cancels the session's context. If the session is inside its engine
// call the gateway is also reset, and whatever error the aborted call returns
// is reported as stopped rather than error.
package jobs
