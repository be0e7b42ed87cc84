package engine

import (
	"math"
	"time"

	"github.com/kidhasmoxy/audible-abs-sync/internal/models"
	"github.com/kidhasmoxy/audible-abs-sync/internal/shared"
)

// Verdict is the safety gate's ruling on a push decision.
type Verdict int

const (
	VerdictApproved Verdict = iota
	VerdictThrottled
	VerdictDirectional
	VerdictDryRun
)

func (v Verdict) String() string {
	switch v {
	case VerdictApproved:
		return "approved"
	case VerdictThrottled:
		return "throttled"
	case VerdictDirectional:
		return "directional"
	case VerdictDryRun:
		return "dry_run"
	default:
		return ""
	}
}

// Gate wraps every push decision with cross-cutting write policy before it
// reaches a provider: directional-mode suppression, cooldown throttling,
// dry-run interception, and a final clamp.
type Gate struct {
	mode             string
	dryRun           bool
	cooldown         time.Duration
	cooldownOverride float64 // position delta in seconds that bypasses cooldown
}

// NewGate creates a Gate.
func NewGate(mode string, dryRun bool, cooldown time.Duration, cooldownOverride float64) *Gate {
	return &Gate{
		mode:             mode,
		dryRun:           dryRun,
		cooldown:         cooldown,
		cooldownOverride: cooldownOverride,
	}
}

// Cooldown returns the window applied after a confirmed push.
func (g *Gate) Cooldown() time.Duration {
	return g.cooldown
}

// DryRun reports whether write execution is suppressed globally.
func (g *Gate) DryRun() bool {
	return g.dryRun
}

// allowsTarget reports whether the configured direction permits writing to a
// side at all.
func (g *Gate) allowsTarget(target models.Side) bool {
	switch g.mode {
	case shared.ModeAudibleToABS:
		return target == models.SideABS
	case shared.ModeABSToAudible:
		return target == models.SideAudible
	default:
		return true
	}
}

// Check filters a decision. A suppressed push is downgraded to no action and
// the verdict says why; the caller decides how to log and count it.
func (g *Gate) Check(d models.Decision, st *models.BookState, now time.Time) (models.Decision, Verdict) {
	if d.Action != models.ActionPush {
		return d, VerdictApproved
	}

	if !g.allowsTarget(d.Target) {
		return models.NoDecision("suppressed by directional mode"), VerdictDirectional
	}

	target := st.Side(d.Target)
	if now.Before(target.CooldownUntil) {
		// A very large jump is a deliberate seek or a catch-up after an
		// outage, worth more than echo protection.
		jump := math.Abs(d.Position - target.PositionSeconds)
		if g.cooldownOverride <= 0 || jump < g.cooldownOverride {
			return models.NoDecision("suppressed by cooldown"), VerdictThrottled
		}
	}

	// Final defense: never let an out-of-range position reach a provider,
	// even if an earlier layer already clamped.
	d.Position = st.Clamp(d.Position)

	if g.dryRun {
		return d, VerdictDryRun
	}
	return d, VerdictApproved
}
