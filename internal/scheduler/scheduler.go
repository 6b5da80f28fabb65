// Package scheduler collapses the timer-driven control flow of the playback
// and defense subsystems into two primitives: run once after a delay, and
// run repeatedly on an interval. Both are cancellable and both go through an
// injectable clock so tests never sleep.
package scheduler

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock reads and timer creation.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Handle cancels a scheduled task. Cancel is idempotent.
type Handle struct {
	once sync.Once
	done chan struct{}
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) Cancel() {
	h.once.Do(func() { close(h.done) })
}

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Scheduler owns a set of pending tasks. Stop cancels everything and waits
// for running callbacks to return.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	handles map[*Handle]struct{}
}

func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	return &Scheduler{
		clock:   clock,
		handles: make(map[*Handle]struct{}),
	}
}

func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// After runs fn once after d. Returns a handle to cancel before it fires.
func (s *Scheduler) After(d time.Duration, fn func()) *Handle {
	h := newHandle()
	if !s.track(h) {
		h.Cancel()
		return h
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(h)
		select {
		case <-h.done:
		case <-s.clock.After(d):
			fn()
		}
	}()
	return h
}

// Every runs fn repeatedly with d between invocations until the handle is
// cancelled or the scheduler stops. The first invocation happens after d,
// not immediately.
func (s *Scheduler) Every(d time.Duration, fn func()) *Handle {
	h := newHandle()
	if !s.track(h) {
		h.Cancel()
		return h
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(h)
		for {
			select {
			case <-h.done:
				return
			case <-s.clock.After(d):
				fn()
			}
		}
	}()
	return h
}

// Stop cancels all pending tasks and waits for in-flight callbacks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for h := range s.handles {
		h.Cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) track(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.handles[h] = struct{}{}
	return true
}

func (s *Scheduler) untrack(h *Handle) {
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()
}
