// Package atomicmod provides a compare-and-swap modulo-N counter used for
// round-robin placement decisions and monotonic id assignment (spec.md §5,
// "Atomic counters").
package atomicmod

import (
	"sync"
	"sync/atomic"
)

// Counter produces a monotonically increasing uint64 and, via Mod, a
// round-robin value in [0, n). It mirrors the CAS retry loop the teacher
// uses for its MaxQueueDepth high-water mark (metrics.go) applied here to a
// modulo-N sequence instead of a max.
type Counter struct {
	v atomic.Uint64
}

// Next returns the next value in the monotonic sequence, starting at 0.
func (c *Counter) Next() uint64 {
	return c.v.Add(1) - 1
}

// Mod returns the next round-robin value in [0, n). n must be > 0.
func (c *Counter) Mod(n uint32) uint32 {
	for {
		cur := c.v.Load()
		next := cur + 1
		if c.v.CompareAndSwap(cur, next) {
			return uint32(cur % uint64(n))
		}
	}
}

// Load returns the current counter value without advancing it.
func (c *Counter) Load() uint64 {
	return c.v.Load()
}

// MutexCounter is a mutex-protected fallback producing identical semantics
// to Counter, for platforms or call sites where a plain lock is clearer than
// a CAS loop (spec.md §5 requires both to agree).
type MutexCounter struct {
	mu sync.Mutex
	v  uint64
}

// Next returns the next value in the monotonic sequence, starting at 0.
func (c *MutexCounter) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.v
	c.v++
	return v
}

// Mod returns the next round-robin value in [0, n). n must be > 0.
func (c *MutexCounter) Mod(n uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.v
	c.v++
	return uint32(v % uint64(n))
}
