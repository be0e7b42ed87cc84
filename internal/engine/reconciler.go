package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/kidhasmoxy/audible-abs-sync/internal/models"
)

// DefaultMoveThreshold is the position delta, in seconds, below which
// movement is treated as reporting jitter rather than listening activity.
const DefaultMoveThreshold = 5.0

// Reconciler computes, for one book and one tick, whether a position must be
// pushed to either side, left alone, or flagged as an unresolved conflict.
//
// Decide is pure: it never mutates prior state. The scheduler owns applying
// the decision and evolving the BookState.
type Reconciler struct {
	moveThreshold float64
}

// NewReconciler creates a Reconciler with the given jitter threshold in
// seconds. A non-positive threshold falls back to DefaultMoveThreshold.
func NewReconciler(moveThreshold float64) *Reconciler {
	if moveThreshold <= 0 {
		moveThreshold = DefaultMoveThreshold
	}
	return &Reconciler{moveThreshold: moveThreshold}
}

// moved reports whether an observation represents genuine listening activity
// on a side: the position delta against the last acknowledged position must
// exceed the jitter threshold, and the observed value must not be an echo of
// the engine's own last write to that side.
func (r *Reconciler) moved(prior *models.SideState, obs *models.Observation) bool {
	if obs == nil || prior.ObservedAt.IsZero() {
		return false
	}
	if math.Abs(obs.PositionSeconds-prior.PositionSeconds) <= r.moveThreshold {
		return false
	}
	if prior.HasPushed() && math.Abs(obs.PositionSeconds-prior.LastPushed) <= r.moveThreshold {
		// Our own write reading back, not independent user activity.
		return false
	}
	return true
}

// Decide evaluates one book against the current pair of observations.
//
// A side with no usable observation this tick is treated as "did not move",
// and is never selected as a push target: writing to a side whose current
// position could not be read risks clobbering newer state.
func (r *Reconciler) Decide(prior *models.BookState, obsA, obsB *models.Observation) models.Decision {
	sideA := prior.Side(models.SideAudible)
	sideB := prior.Side(models.SideABS)

	movedA := r.moved(sideA, obsA)
	movedB := r.moved(sideB, obsB)

	switch {
	case movedA && movedB:
		return r.resolveConflict(prior, obsA, obsB)

	case movedA:
		if obsB == nil {
			return models.NoDecision("audible moved but abs position unknown")
		}
		return models.Decision{
			Action:   models.ActionPush,
			Target:   models.SideABS,
			Position: prior.Clamp(obsA.PositionSeconds),
			Reason:   "audible moved",
		}

	case movedB:
		if obsA == nil {
			return models.NoDecision("abs moved but audible position unknown")
		}
		return models.Decision{
			Action:   models.ActionPush,
			Target:   models.SideAudible,
			Position: prior.Clamp(obsB.PositionSeconds),
			Reason:   "abs moved",
		}

	default:
		return models.NoDecision("no significant movement")
	}
}

// resolveConflict handles genuine concurrent sessions: both sides moved since
// the last acknowledged state. The side with the strictly later authority
// time wins; a tie is never guessed and resolves to an explicit conflict.
func (r *Reconciler) resolveConflict(prior *models.BookState, obsA, obsB *models.Observation) models.Decision {
	timeA := obsA.AuthorityTime()
	timeB := obsB.AuthorityTime()

	switch {
	case timeA.After(timeB):
		return models.Decision{
			Action:   models.ActionPush,
			Target:   models.SideABS,
			Position: prior.Clamp(obsA.PositionSeconds),
			Reason:   fmt.Sprintf("conflict resolved: audible newer by %s", timeA.Sub(timeB).Round(time.Millisecond)),
		}
	case timeB.After(timeA):
		return models.Decision{
			Action:   models.ActionPush,
			Target:   models.SideAudible,
			Position: prior.Clamp(obsB.PositionSeconds),
			Reason:   fmt.Sprintf("conflict resolved: abs newer by %s", timeB.Sub(timeA).Round(time.Millisecond)),
		}
	default:
		return models.Decision{
			Action: models.ActionConflict,
			Reason: "both sides moved with indistinguishable recency",
		}
	}
}
