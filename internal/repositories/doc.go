// Package repositories implements SQLite persistence for migration plans and the async task gate.
//
// Key Implementations:
//   - [PlanRepository] : plans with their paths and items, status compare-and-set and item claiming
//   - [AsyncRepository] : gate requests and results, deduplicated by request key
//
// Plans carry a sequence number for stable, human-readable ordering independent of ids.
// The [NextSequence] function atomically increments per-table sequence counters in dedicated sequence tables.
package repositories
