package player

import (
	"errors"
	"sync"
)

var errSinkBusy = errors.New("media sink already attached")

// BufferSink is the default Surface: an accounting sink standing in for the
// downstream media element. It tracks appended bytes per attachment so the
// host can report throughput, and enforces single-session ownership.
type BufferSink struct {
	mu        sync.Mutex
	sessionID string
	segments  int
	bytes     int64
	resets    int
}

func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

func (b *BufferSink) Attach(sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessionID != "" {
		return errSinkBusy
	}
	b.sessionID = sessionID
	b.segments = 0
	b.bytes = 0
	b.resets = 0
	return nil
}

func (b *BufferSink) WriteSegment(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessionID == "" {
		return ErrNotStarted
	}
	b.segments++
	b.bytes += int64(len(data))
	return nil
}

func (b *BufferSink) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets++
	return nil
}

func (b *BufferSink) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionID = ""
}

// Stats reports the appended volume of the current attachment.
func (b *BufferSink) Stats() (segments int, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.segments, b.bytes
}
