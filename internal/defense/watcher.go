package defense

import (
	"sync"
	"time"

	"cinegate/internal/scheduler"
	"github.com/rs/zerolog"
)

// ContextCounter reports the number of open browsing contexts. It is the
// observable side effect the watcher polls; techniques that bypass the open
// guard entirely still show up here.
type ContextCounter func() int

// ContextWatch polls the browsing-context count against a baseline and
// treats growth as evidence of a popup.
type ContextWatch struct {
	mu       sync.Mutex
	count    ContextCounter
	baseline int
	onHijack func(source string)
	handle   *scheduler.Handle
	logger   zerolog.Logger
}

func NewContextWatch(count ContextCounter, logger zerolog.Logger) *ContextWatch {
	return &ContextWatch{count: count, logger: logger}
}

func (w *ContextWatch) setHijackHandler(fn func(source string)) {
	w.mu.Lock()
	w.onHijack = fn
	w.mu.Unlock()
}

func (w *ContextWatch) start(sched *scheduler.Scheduler, every time.Duration) {
	w.mu.Lock()
	w.baseline = w.count()
	w.handle = sched.Every(every, w.poll)
	w.mu.Unlock()
}

func (w *ContextWatch) stop() {
	w.mu.Lock()
	h := w.handle
	w.handle = nil
	w.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

func (w *ContextWatch) poll() {
	current := w.count()

	w.mu.Lock()
	grew := current > w.baseline
	if grew {
		w.logger.Info().
			Int("baseline", w.baseline).
			Int("current", current).
			Msg("browsing context count grew")
		// Re-baseline so one popup is reported once, not every poll.
		w.baseline = current
	}
	onHijack := w.onHijack
	w.mu.Unlock()

	if grew && onHijack != nil {
		onHijack("context_count")
	}
}
