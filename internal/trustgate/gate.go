// Package trustgate decides, interaction by interaction, whether a click on
// an untrusted embedded playback surface is allowed to pass through. The
// gate combines hard time/count rules with a trust-weighted probabilistic
// rule so popup techniques that hijack the first clicks after load never see
// their triggering gesture, while genuine interactions eventually succeed.
package trustgate

import (
	"math/rand"
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Profile carries the policy constants of one deployment surface. Mobile
// surfaces ship stricter values than desktop.
type Profile struct {
	LoadGracePeriod  time.Duration
	FirstNSuppressed int
	MinClickSpacing  time.Duration
	ParanoiaWindow   time.Duration
	TrustFloor       int
	TrustCeiling     int
	TrustIncrement   int
	// InitialTrust seeds a fresh surface between the floor and the ceiling.
	// Only a popup detection drops trust below the floor.
	InitialTrust int
}

// State is the per-surface trust record. It lives exactly as long as one
// embedded-surface load and is replaced wholesale by OnSurfaceLoaded.
type State struct {
	TrustScore             int
	TotalInteractions      int
	SuppressedInteractions int
	SessionStart           time.Time
	SurfaceLoadedAt        time.Time
	LastInteractionAt      time.Time
	LastPopupAt            time.Time
	ParanoiaUntil          time.Time
	ShieldEngaged          bool
}

// Decision names the rule that produced it so callers can log and count
// per-rule outcomes.
type Decision struct {
	Block bool
	Rule  string
}

// Rule names, in evaluation order.
const (
	RuleGracePeriod   = "grace_period"
	RuleFirstN        = "first_n"
	RuleClickSpacing  = "click_spacing"
	RuleParanoia      = "paranoia"
	RuleLowTrust      = "low_trust"
	RuleProbabilistic = "probabilistic"
	RuleTrusted       = "trusted"
)

// Gate is a per-viewing-session trust state machine. All methods are safe
// for concurrent use, though input events are expected to arrive serialized.
type Gate struct {
	mu      sync.Mutex
	profile Profile
	clock   Clock
	rng     func() float64
	state   State

	onPopup []func()
}

// Option configures a Gate.
type Option func(*Gate)

func WithClock(c Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithRand replaces the probabilistic-rule RNG. fn must return values in
// [0, 1).
func WithRand(fn func() float64) Option {
	return func(g *Gate) { g.rng = fn }
}

func New(profile Profile, opts ...Option) *Gate {
	g := &Gate{
		profile: profile,
		clock:   realClock{},
		rng:     rand.Float64,
	}
	for _, opt := range opts {
		opt(g)
	}
	now := g.clock.Now()
	g.state = State{
		TrustScore:      profile.InitialTrust,
		SessionStart:    now,
		SurfaceLoadedAt: now,
	}
	return g
}

// OnPopup registers an observer invoked (outside the gate lock) whenever a
// popup detection resets the gate.
func (g *Gate) OnPopup(fn func()) {
	g.mu.Lock()
	g.onPopup = append(g.onPopup, fn)
	g.mu.Unlock()
}

// OnSurfaceLoaded resets the session-scoped counters and timestamps the
// load. Must be called every time the embedded surface's underlying resource
// changes.
func (g *Gate) OnSurfaceLoaded() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	sessionStart := g.state.SessionStart
	if sessionStart.IsZero() {
		sessionStart = now
	}
	g.state = State{
		TrustScore:      g.profile.InitialTrust,
		SessionStart:    sessionStart,
		SurfaceLoadedAt: now,
	}
}

// OnPopupDetected hard-resets trust to zero and opens the paranoia window.
// The window only ever extends; repeated detections in a burst are safe.
func (g *Gate) OnPopupDetected() {
	g.mu.Lock()

	now := g.clock.Now()
	g.state.TrustScore = 0
	g.state.LastPopupAt = now
	g.state.ShieldEngaged = true
	until := now.Add(g.profile.ParanoiaWindow)
	if until.After(g.state.ParanoiaUntil) {
		g.state.ParanoiaUntil = until
	}

	observers := make([]func(), len(g.onPopup))
	copy(observers, g.onPopup)
	g.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
}

// Decide evaluates the current interaction against the rule chain. It has no
// side effects; the caller applies the decision and then reports it via
// RecordOutcome.
func (g *Gate) Decide() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()

	if now.Sub(g.state.SurfaceLoadedAt) < g.profile.LoadGracePeriod {
		return Decision{Block: true, Rule: RuleGracePeriod}
	}
	if g.state.TotalInteractions < g.profile.FirstNSuppressed {
		return Decision{Block: true, Rule: RuleFirstN}
	}
	if !g.state.LastInteractionAt.IsZero() && now.Sub(g.state.LastInteractionAt) < g.profile.MinClickSpacing {
		return Decision{Block: true, Rule: RuleClickSpacing}
	}
	if now.Before(g.state.ParanoiaUntil) {
		return Decision{Block: true, Rule: RuleParanoia}
	}

	score := g.state.TrustScore
	switch {
	case score < g.profile.TrustFloor:
		return Decision{Block: true, Rule: RuleLowTrust}
	case score >= g.profile.TrustCeiling:
		return Decision{Block: false, Rule: RuleTrusted}
	default:
		// Block probability falls linearly as trust rises to the ceiling.
		p := float64(g.profile.TrustCeiling-score) / float64(g.profile.TrustCeiling-g.profile.TrustFloor)
		if g.rng() < p {
			return Decision{Block: true, Rule: RuleProbabilistic}
		}
		return Decision{Block: false, Rule: RuleProbabilistic}
	}
}

// RecordOutcome updates the counters after a decision has been applied.
// Accepted interactions are the only way trust increases, and the only ones
// that advance the genuine-gesture timestamp.
func (g *Gate) RecordOutcome(wasBlocked bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.TotalInteractions++
	if wasBlocked {
		g.state.SuppressedInteractions++
		return
	}

	g.state.LastInteractionAt = g.clock.Now()
	g.state.TrustScore += g.profile.TrustIncrement
	if g.state.TrustScore > 100 {
		g.state.TrustScore = 100
	}
}

// Snapshot returns a copy of the current trust state.
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
