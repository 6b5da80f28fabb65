package defense

import (
	"sync"
	"time"

	"cinegate/internal/metrics"
	"github.com/rs/zerolog"
)

// Window is the opaque handle returned by the open primitive. The guard
// never inspects a live window; it only needs to hand something harmless
// back when it denies a call.
type Window interface {
	Destination() string
	Live() bool
	Close()
}

// Opener is the underlying open-a-browsing-context primitive being wrapped.
// The guard keeps the original reference so Disarm can restore it.
type Opener func(url, target string) Window

// InertWindow is the harmless object returned for denied calls. It carries
// the requested destination for diagnostics but is never live.
type InertWindow struct {
	dest string
}

func (w *InertWindow) Destination() string { return w.dest }
func (w *InertWindow) Live() bool          { return false }
func (w *InertWindow) Close()              {}

// OpenGuard wraps the open primitive. Every call is evaluated against the
// pattern table; anything failing the allow-list, matching the block-list,
// or arriving inside the post-gesture timing window gets an inert handle
// back and bumps the blocked counter.
type OpenGuard struct {
	mu            sync.Mutex
	patterns      *PatternTable
	original      Opener
	clock         Clock
	gestureWindow time.Duration
	lastGesture   time.Time
	blocked       int64
	opened        int64
	logger        zerolog.Logger

	onBlocked func(reason string)
}

func NewOpenGuard(patterns *PatternTable, original Opener, clock Clock, gestureWindow time.Duration, logger zerolog.Logger) *OpenGuard {
	return &OpenGuard{
		patterns:      patterns,
		original:      original,
		clock:         clock,
		gestureWindow: gestureWindow,
		logger:        logger,
	}
}

// RecordGesture timestamps the last genuine user gesture. Only raw input
// events recorded here feed the timing-window heuristic.
func (g *OpenGuard) RecordGesture() {
	g.mu.Lock()
	g.lastGesture = g.clock.Now()
	g.mu.Unlock()
}

// Open evaluates and either forwards to the wrapped primitive or returns an
// inert handle. The verdict is returned alongside the window so callers can
// report the decision without re-evaluating the table, which would miss a
// gesture-window conversion. Denied calls increment the blocked counter
// exactly once.
func (g *OpenGuard) Open(url, target string) (Window, Verdict) {
	verdict := g.patterns.Evaluate(url, target)

	g.mu.Lock()
	now := g.clock.Now()

	// Unrecognized destinations popping within the gesture window are the
	// "wait a few ms after the click, then pop" evasion.
	if verdict.Allow && verdict.Reason == "unmatched" &&
		!g.lastGesture.IsZero() && now.Sub(g.lastGesture) < g.gestureWindow {
		verdict = Verdict{Allow: false, Reason: "gesture_window"}
	}

	if !verdict.Allow {
		g.blocked++
		cb := g.onBlocked
		g.mu.Unlock()

		metrics.RecordPopupBlocked()
		g.logger.Debug().
			Str("url", url).
			Str("target", target).
			Str("reason", verdict.Reason).
			Msg("window open blocked")
		if cb != nil {
			cb(verdict.Reason)
		}
		return &InertWindow{dest: url}, verdict
	}

	g.opened++
	original := g.original
	g.mu.Unlock()

	return original(url, target), verdict
}

// BlockedCount returns how many open attempts were denied.
func (g *OpenGuard) BlockedCount() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked
}

// OpenedCount returns how many open attempts passed through.
func (g *OpenGuard) OpenedCount() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opened
}

// Original returns the wrapped primitive for restoration on disarm.
func (g *OpenGuard) Original() Opener {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.original
}

func (g *OpenGuard) notifyBlocked(fn func(reason string)) {
	g.mu.Lock()
	g.onBlocked = fn
	g.mu.Unlock()
}
