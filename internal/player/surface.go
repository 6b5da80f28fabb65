package player

import "context"

// Surface is the single media sink a session owns exclusively. The engine
// never shares it: starting a new session detaches the old surface before
// the new one attaches.
type Surface interface {
	// Attach claims the surface for a session.
	Attach(sessionID string) error
	// WriteSegment hands decoded-ready bytes to the sink. A decode/append
	// failure is reported as ErrMediaAppend (possibly wrapped).
	WriteSegment(data []byte) error
	// Reset performs an in-place pipeline recovery without dropping the
	// attachment.
	Reset() error
	// Detach releases the surface.
	Detach()
}

// Fetcher loads manifests, fragments, and subtitle bodies. Implementations
// carry their own per-request timeouts so a hung fetch cannot stall the
// retry policy.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}
