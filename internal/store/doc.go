// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The Store interface covers three concerns:
//
//   - Sessions: metadata rows keyed by client id, including the
//     engine-assigned id used to resume conversations after the in-memory
//     registry entry is evicted
//   - History: an append-only transcript log per session, one row per
//     discrete conversational unit (user, assistant, tool_use, tool_result)
//   - Revocation: token ids that must no longer validate, pruned once the
//     underlying token would have expired anyway
//
// SQLiteStore implements the full interface in a single struct backed by
// modernc.org/sqlite with WAL mode. The schema is created on open; no
// external migration tooling is required.
//
// # Ordering
//
// History read-back order is append order (the seq column), not timestamp
// order. Two entries written within the same clock tick still read back in
// the order they were persisted.
package store
