package archive

import "sync"

// Interlock is the writer/reader mutual exclusion described in spec §4.7:
// a disk read must never observe a torn major block, but a write must
// never wait on a merely-pending historical read. A sync.RWMutex is a
// reasonable Go stand-in for "writes take priority, readers simply pause":
// Lock (writer) excludes every RLock (reader) until it completes, and the
// runtime already biases new RLock acquisitions behind a blocked Lock.
type Interlock struct {
	mu sync.RWMutex
}

// NewInterlock returns a ready-to-use Interlock.
func NewInterlock() *Interlock {
	return &Interlock{}
}

// BeginWrite must be held for the duration of one major-block write, from
// the first byte pwritten to the trailing fdatasync.
func (l *Interlock) BeginWrite() {
	l.mu.Lock()
}

// EndWrite releases the writer's exclusion.
func (l *Interlock) EndWrite() {
	l.mu.Unlock()
}

// RequestRead blocks while a write is in flight, then returns a function
// the caller must invoke once its pread is complete (spec §4.7:
// "request_read() blocks if a major-block write is currently in flight").
func (l *Interlock) RequestRead() (release func()) {
	l.mu.RLock()
	return l.mu.RUnlock
}
