package qalloc

import (
	"encoding/binary"
	"sync"

	"github.com/qthreads/qtgo/internal/logging"
)

// StaticArena is a uniform-record persistent allocator: after the header
// and per-stream head pointers, the region is partitioned into
// item_size-aligned cells laid out round-robin over streams (spec.md
// §4.7). Free cells form an intrusive singly-linked list per stream,
// the link stored as an absolute address in the cell's first machine
// word so it survives a reload (spec.md §6 "pointers in the file are
// absolute").
//
// Per-stream mutexes are not persisted: a mutex has no meaning across a
// process restart, only the data it protects does, so StaticArena
// rebuilds a fresh []sync.Mutex on every Create/Load (spec.md §9 "Per-
// record mutexes embedded in pooled objects" generalized to the
// allocator's streams).
type StaticArena struct {
	m    *Mapping
	mus  []sync.Mutex
	cell uint64 // rounded item size

	headsOff   int64 // byte offset of the per-stream head-pointer array
	dataOff    int64 // byte offset where the cell region starts
	regionBase uintptr
	stride     uint64 // cell * streamCount
	perStream  int
}

// roundItemSize enforces spec.md §4.7's "rounded up to 4 B" floor, and
// additionally never below 8: a free cell's link is a full machine-word
// address, so a smaller cell would corrupt its neighbor.
func roundItemSize(item uint64) uint64 {
	if item < 8 {
		item = 8
	}
	if rem := item % 4; rem != 0 {
		item += 4 - rem
	}
	return item
}

func newStaticArena(m *Mapping, cell uint64) *StaticArena {
	a := &StaticArena{
		m:        m,
		mus:      make([]sync.Mutex, m.streamCount),
		cell:     cell,
		headsOff: headerSize,
	}
	a.dataOff = headerSize + int64(m.streamCount)*8
	a.regionBase = m.base + uintptr(a.dataOff)
	a.stride = cell * uint64(m.streamCount)
	avail := int64(len(m.data)) - a.dataOff
	if avail > 0 {
		a.perStream = int(uint64(avail) / a.stride)
	}
	return a
}

func (a *StaticArena) head(stream int) uint64 {
	return binary.LittleEndian.Uint64(a.m.data[a.headsOff+int64(stream)*8:])
}

func (a *StaticArena) setHead(stream int, addr uint64) {
	binary.LittleEndian.PutUint64(a.m.data[a.headsOff+int64(stream)*8:], addr)
}

func (a *StaticArena) cellAddr(stream, i int) uintptr {
	return a.regionBase + uintptr(uint64(i)*a.stride) + uintptr(uint64(stream)*a.cell)
}

func (a *StaticArena) offsetOf(addr uintptr) int64 { return int64(addr - a.m.base) }

func (a *StaticArena) nextPtr(addr uintptr) uint64 {
	off := a.offsetOf(addr)
	return binary.LittleEndian.Uint64(a.m.data[off:])
}

func (a *StaticArena) setNextPtr(addr uintptr, next uint64) {
	off := a.offsetOf(addr)
	binary.LittleEndian.PutUint64(a.m.data[off:], next)
}

// initFreeLists threads each stream's free list in allocation order and
// writes the terminating NULL (spec.md §4.7 "The initializer threads
// each stream's free list in order").
func (a *StaticArena) initFreeLists() {
	for s := 0; s < a.m.streamCount; s++ {
		var head uint64
		for i := a.perStream - 1; i >= 0; i-- {
			addr := a.cellAddr(s, i)
			a.setNextPtr(addr, head)
			head = uint64(addr)
		}
		a.setHead(s, head)
	}
}

// CreateStatic creates and initializes a new static arena file.
func CreateStatic(path string, size int64, itemSize uint64, cfg Config) (*StaticArena, Status) {
	cell := roundItemSize(itemSize)
	m, err := createMapping(path, size, cell, cfg)
	if err != nil {
		return nil, CodeOf(err)
	}
	a := newStaticArena(m, cell)
	if a.perStream <= 0 {
		m.Cleanup()
		m.Close()
		return nil, BadArgs
	}
	a.initFreeLists()
	return a, Success
}

// LoadStaticArena reopens a static arena file previously created by
// CreateStatic.
func LoadStaticArena(path string, logger *logging.Logger) (*StaticArena, Status) {
	m, err := LoadMap(path, logger)
	if err != nil {
		return nil, CodeOf(err)
	}
	if m.itemSize == 0 {
		m.Cleanup()
		m.Close()
		return nil, BadArgs // this file is a dynamic arena, not static
	}
	return newStaticArena(m, m.itemSize), Success
}

// Malloc pops a free cell from the caller's stream, advancing to the
// next stream on a local miss until all streams have been tried (spec.md
// §4.7). streamHint stands in for the original's thread_id — Go
// goroutines have no stable numeric identity, so callers supply
// whichever hint (goroutine-local counter, shepherd id, ...) they use to
// spread contention.
func (a *StaticArena) Malloc(streamHint uint64) (uintptr, Status) {
	n := a.m.streamCount
	start := int(streamHint % uint64(n))
	for i := 0; i < n; i++ {
		s := (start + i) % n
		a.mus[s].Lock()
		head := a.head(s)
		if head != 0 {
			next := a.nextPtr(uintptr(head))
			a.setHead(s, next)
			a.mus[s].Unlock()
			return uintptr(head), Success
		}
		a.mus[s].Unlock()
	}
	return 0, MallocErr
}

// Free pushes p onto the head of the caller's current stream's free list
// (spec.md §4.7 "under the caller's current stream mutex"), the same way
// the original's qalloc_statfree selects stream = thread-identity mod
// streamcount — independent of which stream p was originally allocated
// from.
func (a *StaticArena) Free(p uintptr, streamHint uint64) Status {
	stream := int(streamHint % uint64(a.m.streamCount))

	a.mus[stream].Lock()
	cur := a.head(stream)
	a.setNextPtr(p, cur)
	a.setHead(stream, uint64(p))
	a.mus[stream].Unlock()
	return Success
}

// Checkpoint/Cleanup delegate to the underlying Mapping.
func (a *StaticArena) Checkpoint() Status { return a.m.Checkpoint() }
func (a *StaticArena) Cleanup() Status    { return a.m.Cleanup() }
