// Package ledger is the delivery history: one record per
// (event_id, recipient_id, channel), written queued by the dispatcher and
// moved to a terminal status exactly once.
//
// Backends:
//   - "memory": process-local, lost on restart
//   - "file": memory plus a JSON Lines journal replayed on open
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
package ledger
