package defense

import (
	"sync"
	"time"

	"cinegate/internal/scheduler"
	"github.com/rs/zerolog"
)

// ReclaimFunc attempts to pull focus back to the page. It reports whether
// the attempt succeeded.
type ReclaimFunc func() bool

// FocusMonitor watches focus/visibility transitions reported by the host
// page. Losing focus shortly after a genuine gesture is treated as evidence
// a popup stole it; the monitor fires a front-loaded ladder of reclaim
// attempts and raises the popup signal.
type FocusMonitor struct {
	mu          sync.Mutex
	sched       *scheduler.Scheduler
	lossWindow  time.Duration
	delays      []time.Duration
	reclaim     ReclaimFunc
	onHijack    func(source string)
	lastGesture time.Time
	reclaiming  bool
	logger      zerolog.Logger
}

func NewFocusMonitor(sched *scheduler.Scheduler, lossWindow time.Duration, delays []time.Duration, reclaim ReclaimFunc, logger zerolog.Logger) *FocusMonitor {
	return &FocusMonitor{
		sched:      sched,
		lossWindow: lossWindow,
		delays:     delays,
		reclaim:    reclaim,
		logger:     logger,
	}
}

func (m *FocusMonitor) setHijackHandler(fn func(source string)) {
	m.mu.Lock()
	m.onHijack = fn
	m.mu.Unlock()
}

// RecordGesture timestamps a raw input event.
func (m *FocusMonitor) RecordGesture() {
	m.mu.Lock()
	m.lastGesture = m.sched.Now()
	m.mu.Unlock()
}

// HandleFocusLost is called when the page loses focus or becomes hidden.
func (m *FocusMonitor) HandleFocusLost() {
	m.mu.Lock()
	now := m.sched.Now()
	suspicious := !m.lastGesture.IsZero() && now.Sub(m.lastGesture) < m.lossWindow
	alreadyReclaiming := m.reclaiming
	if suspicious {
		m.reclaiming = true
	}
	onHijack := m.onHijack
	m.mu.Unlock()

	if !suspicious || alreadyReclaiming {
		return
	}

	m.logger.Info().
		Dur("since_gesture", now.Sub(m.lastGesture)).
		Msg("focus lost after gesture, reclaiming")

	if onHijack != nil {
		onHijack("focus_loss")
	}

	for _, d := range m.delays {
		m.sched.After(d, func() {
			if m.reclaim != nil && m.reclaim() {
				m.finishReclaim()
			}
		})
	}

	// The ladder is bounded; stop marking ourselves busy once the last
	// rung has had a chance to run.
	last := time.Duration(0)
	for _, d := range m.delays {
		if d > last {
			last = d
		}
	}
	m.sched.After(last+time.Millisecond, m.finishReclaim)
}

// HandleFocusRegained clears the reclaim state.
func (m *FocusMonitor) HandleFocusRegained() {
	m.finishReclaim()
}

func (m *FocusMonitor) finishReclaim() {
	m.mu.Lock()
	m.reclaiming = false
	m.mu.Unlock()
}
