package qalloc

import (
	"encoding/binary"
	"sync"

	"github.com/qthreads/qtgo/internal/logging"
)

// Block/slice/entry geometry (spec.md §3.2, §4.8).
const (
	blockSize = 2048

	smallSliceSize       = 64
	smallSlicesPerBlock  = 30
	smallBitmapOff int64 = 8  // 4 bytes, 30 of its 32 bits used
	smallDataOff   int64 = 64 // first slice; bytes 12..63 are padding

	bigBitmapOff        int64 = 8  // 16 bytes, 124 of its 128 bits used
	bigEntriesOff       int64 = 64
	bigEntrySize        int64 = 16 // {data pointer uint64, block count uint64}
	bigEntryBitmapBytes       = 16
	bigEntriesPerHeader       = int((blockSize - bigEntriesOff) / bigEntrySize) // 124

	blkNextOff int64 = 0
)

// DynamicArena is the variable-size persistent allocator: requests ≤64B
// are sliced out of 2KiB small-blocks, larger requests consume
// contiguous runs of 2KiB big-blocks tracked by big-block headers
// (spec.md §3.2, §4.8).
//
// A block's in-place "lock" named by spec.md §6's on-disk layout has no
// meaningful persisted representation — a mutex doesn't survive a
// process restart, only the data it guards does — so, as in
// StaticArena, DynamicArena keeps one sync.Mutex per block index
// in-memory, rebuilt fresh by newDynamicArena on every Create/Load.
type DynamicArena struct {
	m *Mapping

	smallHeadsOff int64
	bigHeadsOff   int64
	bitmapOff     int64
	dataOff       int64

	numBlocks int
	bm        *bitmap

	streamMu []sync.Mutex // guards each stream's small-head and big-head pointers
	blockMu  []sync.Mutex // one per physical block, guards that block's in-place state
	globalMu sync.Mutex   // the single bitmap lock spec.md §9 requires for the big path
}

func roundUp(x, mult int64) int64 {
	if r := x % mult; r != 0 {
		return x + (mult - r)
	}
	return x
}

func newDynamicArena(m *Mapping) *DynamicArena {
	a := &DynamicArena{m: m}
	a.smallHeadsOff = headerSize
	a.bigHeadsOff = a.smallHeadsOff + int64(m.streamCount)*8
	a.bitmapOff = a.bigHeadsOff + int64(m.streamCount)*8

	remaining := int64(len(m.data)) - a.bitmapOff
	if remaining <= 0 {
		a.dataOff = int64(len(m.data))
		a.streamMu = make([]sync.Mutex, m.streamCount)
		return a
	}
	guess := int(remaining / blockSize)
	bitmapBytes := (guess + 7) / 8
	a.dataOff = roundUp(a.bitmapOff+int64(bitmapBytes), blockSize)

	final := int64(len(m.data)) - a.dataOff
	if final > 0 {
		a.numBlocks = int(final / blockSize)
	}
	a.bm = newBitmap(m.data[a.bitmapOff:a.bitmapOff+int64(bitmapBytes)], a.numBlocks)
	a.streamMu = make([]sync.Mutex, m.streamCount)
	a.blockMu = make([]sync.Mutex, a.numBlocks)
	return a
}

// CreateDynamic creates a new dynamic arena file. A freshly truncated
// file reads as all-zero, which is already the correct empty state: no
// head pointers, no occupied bitmap bits.
func CreateDynamic(path string, size int64, cfg Config) (*DynamicArena, Status) {
	m, err := createMapping(path, size, 0, cfg)
	if err != nil {
		return nil, CodeOf(err)
	}
	a := newDynamicArena(m)
	if a.numBlocks <= 0 {
		m.Cleanup()
		m.Close()
		return nil, BadArgs
	}
	return a, Success
}

// LoadDynamicArena reopens a dynamic arena file previously created by
// CreateDynamic.
func LoadDynamicArena(path string, logger *logging.Logger) (*DynamicArena, Status) {
	m, err := LoadMap(path, logger)
	if err != nil {
		return nil, CodeOf(err)
	}
	if m.itemSize != 0 {
		m.Cleanup()
		m.Close()
		return nil, BadArgs // this file is a static arena, not dynamic
	}
	return newDynamicArena(m), Success
}

func (a *DynamicArena) off(addr uintptr) int64 { return int64(addr - a.m.base) }

func (a *DynamicArena) blockIndex(addr uintptr) int {
	return int((uint64(a.off(addr)) - uint64(a.dataOff)) / blockSize)
}

func (a *DynamicArena) blockAddrFromIndex(i int) uintptr {
	return a.m.base + uintptr(a.dataOff) + uintptr(i)*blockSize
}

func (a *DynamicArena) readNextPtr(addr uintptr) uint64 {
	o := a.off(addr) + blkNextOff
	return binary.LittleEndian.Uint64(a.m.data[o:])
}

func (a *DynamicArena) setNextPtrAt(addr uintptr, next uint64) {
	o := a.off(addr) + blkNextOff
	binary.LittleEndian.PutUint64(a.m.data[o:], next)
}

func (a *DynamicArena) smallHead(stream int) uint64 {
	return binary.LittleEndian.Uint64(a.m.data[a.smallHeadsOff+int64(stream)*8:])
}
func (a *DynamicArena) setSmallHead(stream int, v uint64) {
	binary.LittleEndian.PutUint64(a.m.data[a.smallHeadsOff+int64(stream)*8:], v)
}
func (a *DynamicArena) bigHead(stream int) uint64 {
	return binary.LittleEndian.Uint64(a.m.data[a.bigHeadsOff+int64(stream)*8:])
}
func (a *DynamicArena) setBigHead(stream int, v uint64) {
	binary.LittleEndian.PutUint64(a.m.data[a.bigHeadsOff+int64(stream)*8:], v)
}

func (a *DynamicArena) sliceBitmapView(blockAddr uintptr) *bitmap {
	o := a.off(blockAddr) + smallBitmapOff
	return newBitmap(a.m.data[o:o+4], smallSlicesPerBlock)
}

func (a *DynamicArena) slicePtr(blockAddr uintptr, slot int) uintptr {
	return blockAddr + uintptr(smallDataOff) + uintptr(slot)*smallSliceSize
}

func (a *DynamicArena) initSmallBlock(addr uintptr) {
	a.setNextPtrAt(addr, 0)
	o := a.off(addr) + smallBitmapOff
	clear(a.m.data[o : o+4])
}

func (a *DynamicArena) entryBitmapView(headerAddr uintptr) *bitmap {
	o := a.off(headerAddr) + bigBitmapOff
	return newBitmap(a.m.data[o:o+bigEntryBitmapBytes], bigEntriesPerHeader)
}

func (a *DynamicArena) writeEntry(headerAddr uintptr, slot int, dataPtr uintptr, blocks int) {
	o := a.off(headerAddr) + bigEntriesOff + int64(slot)*bigEntrySize
	binary.LittleEndian.PutUint64(a.m.data[o:], uint64(dataPtr))
	binary.LittleEndian.PutUint64(a.m.data[o+8:], uint64(blocks))
}

func (a *DynamicArena) readEntry(headerAddr uintptr, slot int) (ptr uintptr, blocks int) {
	o := a.off(headerAddr) + bigEntriesOff + int64(slot)*bigEntrySize
	ptr = uintptr(binary.LittleEndian.Uint64(a.m.data[o:]))
	blocks = int(binary.LittleEndian.Uint64(a.m.data[o+8:]))
	return
}

func (a *DynamicArena) initBigHeader(addr uintptr) {
	a.setNextPtrAt(addr, 0)
	o := a.off(addr) + bigBitmapOff
	clear(a.m.data[o : o+bigEntryBitmapBytes])
}

// allocFreeBlock reserves one fresh 2KiB block under the single global
// bitmap lock (spec.md §9: "a single global bitmap lock is intended",
// not a per-stream one — the bug the spec explicitly calls out).
func (a *DynamicArena) allocFreeBlock() (uintptr, Status) {
	a.globalMu.Lock()
	idx := a.bm.firstFit(1)
	if idx < 0 {
		a.globalMu.Unlock()
		return 0, MallocErr
	}
	a.bm.set(idx)
	a.globalMu.Unlock()
	return a.blockAddrFromIndex(idx), Success
}

func (a *DynamicArena) reserveBlocks(n int) (int, Status) {
	a.globalMu.Lock()
	defer a.globalMu.Unlock()
	idx := a.bm.firstFit(n)
	if idx < 0 {
		return 0, MallocErr
	}
	a.bm.setRange(idx, n)
	return idx, Success
}

func (a *DynamicArena) releaseBlocks(idx, n int) {
	a.globalMu.Lock()
	a.bm.clearRange(idx, n)
	a.globalMu.Unlock()
}

// Malloc satisfies size from the small path (≤64 B) or big path (>64 B)
// on the stream selected by streamHint (spec.md §4.8). streamHint plays
// the role the original's thread_id does; see StaticArena.Malloc.
func (a *DynamicArena) Malloc(streamHint uint64, size int) (uintptr, Status) {
	if size <= 0 {
		return 0, BadArgs
	}
	stream := int(streamHint % uint64(a.m.streamCount))
	if size <= smallSliceSize {
		return a.smallMalloc(stream)
	}
	return a.bigMalloc(stream, size)
}

// smallMalloc walks the stream's small-block list hand-over-hand (child
// block lock taken before the parent — stream mutex or previous block's
// lock — is released), taking the first free slice found. Failing that,
// it allocates and chains a fresh block and takes its first slice.
func (a *DynamicArena) smallMalloc(stream int) (uintptr, Status) {
	if ptr, ok := a.trySmallSlice(stream); ok {
		return ptr, Success
	}
	return a.smallMallocNewBlock(stream)
}

func (a *DynamicArena) trySmallSlice(stream int) (uintptr, bool) {
	a.streamMu[stream].Lock()
	cur := a.smallHead(stream)
	if cur == 0 {
		a.streamMu[stream].Unlock()
		return 0, false
	}
	curIdx := a.blockIndex(uintptr(cur))
	a.blockMu[curIdx].Lock()
	a.streamMu[stream].Unlock()

	for {
		bm := a.sliceBitmapView(uintptr(cur))
		if slot := bm.firstFit(1); slot >= 0 {
			bm.set(slot)
			ptr := a.slicePtr(uintptr(cur), slot)
			a.blockMu[curIdx].Unlock()
			return ptr, true
		}
		next := a.readNextPtr(uintptr(cur))
		if next == 0 {
			a.blockMu[curIdx].Unlock()
			return 0, false
		}
		nextIdx := a.blockIndex(uintptr(next))
		a.blockMu[nextIdx].Lock()
		a.blockMu[curIdx].Unlock()
		cur, curIdx = next, nextIdx
	}
}

func (a *DynamicArena) smallMallocNewBlock(stream int) (uintptr, Status) {
	blockAddr, st := a.allocFreeBlock()
	if st != Success {
		return 0, st
	}
	a.initSmallBlock(blockAddr)

	idx := a.blockIndex(blockAddr)
	a.blockMu[idx].Lock()
	a.streamMu[stream].Lock()
	a.setNextPtrAt(blockAddr, a.smallHead(stream))
	a.setSmallHead(stream, uint64(blockAddr))
	a.streamMu[stream].Unlock()

	a.sliceBitmapView(blockAddr).set(0)
	a.blockMu[idx].Unlock()
	return a.slicePtr(blockAddr, 0), Success
}

// bigMalloc reserves a contiguous run of blocks under the global bitmap
// lock, then records it in a free entry of the stream's big-block-header
// list (allocating a new header if none has room). If the header entry
// can't be obtained, the bitmap reservation is rolled back in full —
// resolving spec.md §9's open question in favor of strict rollback.
func (a *DynamicArena) bigMalloc(stream int, size int) (uintptr, Status) {
	blocks := (size + blockSize - 1) / blockSize
	start, st := a.reserveBlocks(blocks)
	if st != Success {
		return 0, st
	}
	dataPtr := a.blockAddrFromIndex(start)

	if st := a.bigHeaderEntry(stream, dataPtr, blocks); st != Success {
		a.releaseBlocks(start, blocks)
		return 0, st
	}
	return dataPtr, Success
}

func (a *DynamicArena) bigHeaderEntry(stream int, dataPtr uintptr, blocks int) Status {
	if a.tryWriteBigEntry(stream, dataPtr, blocks) {
		return Success
	}
	return a.bigNewHeader(stream, dataPtr, blocks)
}

func (a *DynamicArena) tryWriteBigEntry(stream int, dataPtr uintptr, blocks int) bool {
	a.streamMu[stream].Lock()
	cur := a.bigHead(stream)
	if cur == 0 {
		a.streamMu[stream].Unlock()
		return false
	}
	curIdx := a.blockIndex(uintptr(cur))
	a.blockMu[curIdx].Lock()
	a.streamMu[stream].Unlock()

	for {
		bm := a.entryBitmapView(uintptr(cur))
		if slot := bm.firstFit(1); slot >= 0 {
			a.writeEntry(uintptr(cur), slot, dataPtr, blocks)
			bm.set(slot)
			a.blockMu[curIdx].Unlock()
			return true
		}
		next := a.readNextPtr(uintptr(cur))
		if next == 0 {
			a.blockMu[curIdx].Unlock()
			return false
		}
		nextIdx := a.blockIndex(uintptr(next))
		a.blockMu[nextIdx].Lock()
		a.blockMu[curIdx].Unlock()
		cur, curIdx = next, nextIdx
	}
}

func (a *DynamicArena) bigNewHeader(stream int, dataPtr uintptr, blocks int) Status {
	headerAddr, st := a.allocFreeBlock()
	if st != Success {
		return st
	}
	a.initBigHeader(headerAddr)
	a.writeEntry(headerAddr, 0, dataPtr, blocks)
	a.entryBitmapView(headerAddr).set(0)

	idx := a.blockIndex(headerAddr)
	a.blockMu[idx].Lock()
	a.streamMu[stream].Lock()
	a.setNextPtrAt(headerAddr, a.bigHead(stream))
	a.setBigHead(stream, uint64(headerAddr))
	a.streamMu[stream].Unlock()
	a.blockMu[idx].Unlock()
	return Success
}

// Free returns p to the arena. streamHint should match the hint Malloc
// was called with when p was allocated; for the big path it is tried
// first but, since nothing dynamically enforces that a goroutine frees
// only what it allocated, every other stream's header list is searched
// before giving up.
func (a *DynamicArena) Free(p uintptr, streamHint uint64) Status {
	blockOff := uint64(a.off(p)) - uint64(a.dataOff)
	if blockOff%blockSize != 0 {
		return a.freeSmall(p)
	}
	hint := int(streamHint % uint64(a.m.streamCount))
	return a.freeBig(p, hint)
}

func (a *DynamicArena) freeSmall(p uintptr) Status {
	rel := uint64(a.off(p)) - uint64(a.dataOff)
	blockStart := a.blockAddrFromIndex(int(rel / blockSize))
	idx := a.blockIndex(blockStart)
	if idx < 0 || idx >= a.numBlocks {
		return BadArgs
	}
	slot := int(((uint64(p) - uint64(blockStart)) - uint64(smallDataOff)) / smallSliceSize)

	a.blockMu[idx].Lock()
	a.sliceBitmapView(blockStart).clear(slot)
	a.blockMu[idx].Unlock()
	return Success
}

func (a *DynamicArena) freeBig(p uintptr, hint int) Status {
	if count, ok := a.tryFreeBigInStream(hint, p); ok {
		a.releaseBlocks(a.blockIndex(p), count)
		return Success
	}
	for s := 0; s < a.m.streamCount; s++ {
		if s == hint {
			continue
		}
		if count, ok := a.tryFreeBigInStream(s, p); ok {
			a.releaseBlocks(a.blockIndex(p), count)
			return Success
		}
	}
	return BadArgs
}

func (a *DynamicArena) tryFreeBigInStream(stream int, p uintptr) (int, bool) {
	a.streamMu[stream].Lock()
	cur := a.bigHead(stream)
	if cur == 0 {
		a.streamMu[stream].Unlock()
		return 0, false
	}
	curIdx := a.blockIndex(uintptr(cur))
	a.blockMu[curIdx].Lock()
	a.streamMu[stream].Unlock()

	for {
		bm := a.entryBitmapView(uintptr(cur))
		for slot := 0; slot < bigEntriesPerHeader; slot++ {
			if !bm.test(slot) {
				continue
			}
			ptr, count := a.readEntry(uintptr(cur), slot)
			if ptr == p {
				bm.clear(slot)
				a.blockMu[curIdx].Unlock()
				return count, true
			}
		}
		next := a.readNextPtr(uintptr(cur))
		if next == 0 {
			a.blockMu[curIdx].Unlock()
			return 0, false
		}
		nextIdx := a.blockIndex(uintptr(next))
		a.blockMu[nextIdx].Lock()
		a.blockMu[curIdx].Unlock()
		cur, curIdx = next, nextIdx
	}
}

// Checkpoint/Cleanup delegate to the underlying Mapping.
func (a *DynamicArena) Checkpoint() Status { return a.m.Checkpoint() }
func (a *DynamicArena) Cleanup() Status    { return a.m.Cleanup() }
