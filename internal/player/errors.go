package player

import "errors"

// ErrorClass buckets playback faults by how the engine recovers from them.
type ErrorClass string

const (
	// ErrorClassNetwork covers manifest/fragment fetch failures. Recoverable
	// through the bounded retry loop.
	ErrorClassNetwork ErrorClass = "network"
	// ErrorClassMedia covers decode/append failures. Recoverable through an
	// in-place pipeline reset.
	ErrorClassMedia ErrorClass = "media"
	// ErrorClassInput means the manifest was never obtained. Fatal, no
	// internal retry.
	ErrorClassInput ErrorClass = "input"
	// ErrorClassUnsupported means no adaptive playback capability exists.
	ErrorClassUnsupported ErrorClass = "unsupported"
	// ErrorClassFatal is any other terminal condition, including retry
	// budget exhaustion.
	ErrorClassFatal ErrorClass = "fatal"
)

var (
	ErrNoManifestURL = errors.New("manifest url is empty")
	ErrNotStarted    = errors.New("session not started")
	ErrSessionEnded  = errors.New("session is in terminal error state")

	// ErrMediaAppend is returned by surfaces that failed to decode or
	// append a segment.
	ErrMediaAppend = errors.New("media append failed")
)

// FatalError is the single terminal error surfaced to the UI. Reason is
// always human-readable and non-empty.
type FatalError struct {
	Class  ErrorClass
	Reason string
}

func (e *FatalError) Error() string {
	return string(e.Class) + ": " + e.Reason
}
