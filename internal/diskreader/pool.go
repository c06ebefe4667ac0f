// Package diskreader implements historical reads against an open,
// read-only archive: FA, level-1 (D) and level-2 (DD) sources, the
// writer/reader interlock, and row-order output transposition (spec §4.7).
package diskreader

import (
	"fmt"
	"sync"
)

// ErrBusy is returned by Pool.Acquire when every buffer is checked out.
var ErrBusy = fmt.Errorf("read too busy")

// Pool is a fixed-size set of reusable buffers of bufSize bytes. Exhaustion
// surfaces as ErrBusy rather than growing unboundedly (spec §4.7: "a
// buffer pool of fixed size...exhaustion returns 'Read too busy'").
type Pool struct {
	mu      sync.Mutex
	free    [][]byte
	bufSize int
}

// NewPool allocates count buffers of bufSize bytes each.
func NewPool(count, bufSize int) *Pool {
	p := &Pool{bufSize: bufSize}
	for i := 0; i < count; i++ {
		p.free = append(p.free, make([]byte, bufSize))
	}
	return p
}

// Acquire checks out one buffer, or returns ErrBusy if none are free.
func (p *Pool) Acquire() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, ErrBusy
	}
	n := len(p.free) - 1
	buf := p.free[n]
	p.free = p.free[:n]
	return buf, nil
}

// Release returns buf to the pool.
func (p *Pool) Release(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, buf[:p.bufSize])
}
