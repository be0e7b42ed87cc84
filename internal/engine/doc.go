// Package engine implements the position reconciliation core.
//
// The engine is organized around a single cooperative tick driven by
// [Scheduler]: the [Watchlist] yields the candidate set, both providers are
// queried per candidate, [Reconciler] computes a decision from prior state
// and the two observations, [Gate] applies cross-cutting write policy
// (cooldown, dry-run, directional mode, clamping), and the approved write is
// executed and persisted atomically.
//
// Decisions are deliberately conservative: resume positions are irreversible,
// externally visible writes, so anything ambiguous resolves to no action and
// is surfaced as a conflict for operator visibility instead of being guessed.
package engine
