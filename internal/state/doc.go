// Package state persists session history to SQLite.
//
// The in-memory session registry is authoritative while the process runs;
// SessionStore is a write-through copy so status and downloads survive a
// restart, plus a per-session ledger of status changes.
package state
