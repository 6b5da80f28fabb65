// Package defense is the page-scoped hijack defense: it wraps the
// open-a-browsing-context primitive behind a policy table, watches for
// focus-stealing and surplus browsing contexts, and sanitizes injected
// markup. Detections fan out to registered observers (the trust gate, the
// event bridge) as a single popup-detected signal.
package defense

import (
	"io"
	"sync"
	"time"

	"cinegate/internal/config"
	"cinegate/internal/metrics"
	"cinegate/internal/scheduler"
	"github.com/rs/zerolog"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// State is the process-wide defense record, owned by the page controller.
type State struct {
	Armed           bool
	ArmedAt         time.Time
	LastGestureAt   time.Time
	LastDetectionAt time.Time
	Detections      int64
	BlockedOpens    int64
	PatternsVersion int
}

// Defense aggregates the interception layers behind one Arm/Disarm
// lifecycle. There is no hidden global: the page controller constructs it
// once and injects it where needed.
type Defense struct {
	cfg      config.DefenseConfig
	patterns *PatternTable
	guard    *OpenGuard
	focus    *FocusMonitor
	watch    *ContextWatch
	sanitize *Sanitizer
	sweep    func()
	sched    *scheduler.Scheduler
	logger   zerolog.Logger

	mu         sync.Mutex
	armed      bool
	armedAt    time.Time
	lastDetect time.Time
	detections int64
	observers  []func(source string)
	sanHandle  *scheduler.Handle
}

// Deps are the host capabilities the defense drives. All are opaque: the
// defense never models what happens inside the embedded surface, only the
// observable side effects.
type Deps struct {
	Opener   Opener
	Reclaim  ReclaimFunc
	Contexts ContextCounter

	// Sweep re-sanitizes the live surface. While armed it runs every
	// SanitizeInterval, catching markup injected after the load-time pass.
	Sweep func()
}

func New(cfg config.DefenseConfig, sched *scheduler.Scheduler, deps Deps, logger zerolog.Logger) *Defense {
	patterns := NewPatternTable(cfg)

	d := &Defense{
		cfg:      cfg,
		patterns: patterns,
		sched:    sched,
		sanitize: NewSanitizer(patterns),
		sweep:    deps.Sweep,
		logger:   logger,
	}

	opener := deps.Opener
	if opener == nil {
		opener = func(url, target string) Window { return &InertWindow{dest: url} }
	}
	d.guard = NewOpenGuard(patterns, opener, sched, cfg.GestureWindow, logger)
	d.guard.notifyBlocked(func(reason string) { d.raise("open_guard:" + reason) })

	d.focus = NewFocusMonitor(sched, cfg.FocusLossWindow, cfg.ReclaimDelays, deps.Reclaim, logger)
	d.focus.setHijackHandler(d.raise)

	if deps.Contexts != nil {
		d.watch = NewContextWatch(deps.Contexts, logger)
		d.watch.setHijackHandler(d.raise)
	}

	return d
}

// Arm starts the pollers. Calling Arm twice is a no-op.
func (d *Defense) Arm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.armed {
		return
	}
	d.armed = true
	d.armedAt = d.sched.Now()

	if d.watch != nil {
		d.watch.start(d.sched, d.cfg.ContextPollEvery)
	}
	if d.sweep != nil && d.cfg.SanitizeInterval > 0 {
		d.sanHandle = d.sched.Every(d.cfg.SanitizeInterval, d.sweep)
	}

	d.logger.Info().
		Int("patterns_version", d.patterns.Version()).
		Msg("hijack defense armed")
}

// Disarm stops the pollers. The wrapped open primitive reference stays
// available through Guard().Original() for restoration.
func (d *Defense) Disarm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.armed {
		return
	}
	d.armed = false

	if d.watch != nil {
		d.watch.stop()
	}
	if d.sanHandle != nil {
		d.sanHandle.Cancel()
		d.sanHandle = nil
	}

	d.logger.Info().Msg("hijack defense disarmed")
}

// Guard exposes the wrapped open primitive.
func (d *Defense) Guard() *OpenGuard { return d.guard }

// Focus exposes the focus/visibility monitor.
func (d *Defense) Focus() *FocusMonitor { return d.focus }

// Patterns exposes the active rule table.
func (d *Defense) Patterns() *PatternTable { return d.patterns }

// RecordGesture feeds a raw input event to the timing heuristics.
func (d *Defense) RecordGesture() {
	d.guard.RecordGesture()
	d.focus.RecordGesture()
}

// SanitizeHTML strips escape-enabling attributes from a document.
func (d *Defense) SanitizeHTML(r io.Reader) (string, SanitizeReport, error) {
	return d.sanitize.Sanitize(r)
}

// OnPopup registers an observer for popup detections.
func (d *Defense) OnPopup(fn func(source string)) {
	d.mu.Lock()
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

// UpdatePatterns applies a hot-reloaded defense section. Timing values
// other than the pattern lists require a restart.
func (d *Defense) UpdatePatterns(cfg config.DefenseConfig) {
	d.patterns.Update(cfg)
}

// Snapshot returns the current defense state.
func (d *Defense) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{
		Armed:           d.armed,
		ArmedAt:         d.armedAt,
		LastDetectionAt: d.lastDetect,
		Detections:      d.detections,
		BlockedOpens:    d.guard.BlockedCount(),
		PatternsVersion: d.patterns.Version(),
	}
}

func (d *Defense) raise(source string) {
	d.mu.Lock()
	d.detections++
	d.lastDetect = d.sched.Now()
	observers := make([]func(string), len(d.observers))
	copy(observers, d.observers)
	d.mu.Unlock()

	metrics.RecordPopupDetected(source)
	d.logger.Warn().Str("source", source).Msg("popup attempt detected")

	for _, fn := range observers {
		fn(source)
	}
}
