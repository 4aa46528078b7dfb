// Package storage persists the notification dedup state and an
// append-only audit trail of deliveries, so restarts do not cause
// duplicate sends.
//
// Backends:
//   - "file": jsonl journal plus periodic snapshot, no dependencies
//   - "sqlite": single database file (build with -tags sqlite)
package storage
