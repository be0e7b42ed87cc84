// Package models defines domain entities for the position reconciliation engine.
//
// The package contains three categories of types:
//
// 1. Provider observations: snapshots of what each platform reports
//   - [ActiveItem] : an in-progress book reported by a provider's activity list
//   - [Observation] : a single position reading with its time signals
//
// 2. Engine state: the durable per-book record the reconciler evolves
//   - [BookState] : per-book sync state keyed by ASIN, one [SideState] per platform
//   - [WatchlistEntry] : candidate-set membership with activity tracking
//   - [SyncState] : the full persisted snapshot (books, watchlist, tick timestamps)
//
// 3. Decisions: the reconciler's output consumed by the safety gate and scheduler
//   - [Decision] : push-to-side, no-action, or unresolved conflict
//   - [TickReport] : per-tick counters surfaced through the status endpoints
package models
