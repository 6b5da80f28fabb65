package trustgate

import "sync"

// SwappableGate wraps a Gate so the active profile can be replaced when the
// surface kind changes (a desktop page reloading in mobile mode, for
// example). Observers registered on the wrapper survive swaps.
type SwappableGate struct {
	mu      sync.RWMutex
	gate    *Gate
	opts    []Option
	onPopup []func()
}

func NewSwappable(profile Profile, opts ...Option) *SwappableGate {
	return &SwappableGate{
		gate: New(profile, opts...),
		opts: opts,
	}
}

// Swap replaces the active gate with a fresh one using the given profile.
// All session state is discarded; the caller follows with OnSurfaceLoaded.
func (s *SwappableGate) Swap(profile Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gate = New(profile, s.opts...)
	for _, fn := range s.onPopup {
		s.gate.OnPopup(fn)
	}
}

func (s *SwappableGate) OnPopup(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPopup = append(s.onPopup, fn)
	s.gate.OnPopup(fn)
}

func (s *SwappableGate) current() *Gate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gate
}

func (s *SwappableGate) OnSurfaceLoaded()           { s.current().OnSurfaceLoaded() }
func (s *SwappableGate) OnPopupDetected()           { s.current().OnPopupDetected() }
func (s *SwappableGate) Decide() Decision           { return s.current().Decide() }
func (s *SwappableGate) RecordOutcome(blocked bool) { s.current().RecordOutcome(blocked) }
func (s *SwappableGate) Snapshot() State            { return s.current().Snapshot() }
