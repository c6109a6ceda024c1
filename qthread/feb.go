package qthread

import (
	"context"
	"sync"
	"unsafe"

	"github.com/qthreads/qtgo/internal/logging"
)

// wordSize is the native aligned machine word FEB operations synchronize
// on (spec.md §3.1 "Word addresses ... rounded down to the native
// word size").
const wordSize = unsafe.Sizeof(uint64(0))

// alignWord rounds addr down to the native word size, logging a warning
// if it wasn't already aligned (spec.md §7 "Unaligned FEB address").
func alignWord(addr uintptr) uintptr {
	aligned := addr &^ (uintptr(wordSize) - 1)
	if aligned != addr {
		logging.Default().WithComponent("qthread").Warnf("unaligned FEB address 0x%x rounded to 0x%x", addr, aligned)
	}
	return aligned
}

// resultAddr converts a result word pointer into the uintptr address
// space the FEB API operates on.
func resultAddr(p *uint64) uintptr { return uintptr(unsafe.Pointer(p)) }

func copyWord(dstAddr, srcAddr uintptr) {
	*(*uint64)(unsafe.Pointer(dstAddr)) = *(*uint64)(unsafe.Pointer(srcAddr)) //nolint:govet
}

func storeConst(dstAddr uintptr, v uint64) {
	*(*uint64)(unsafe.Pointer(dstAddr)) = v //nolint:govet
}

// addrres is one blocked FEB operation hung on an addrstat queue
// (spec.md §3.1 "Address-wait record"): the operand address to copy
// to/from once the operation is satisfied, the waiting task, and the
// intrusive link the owning queue manages.
type addrres struct {
	operand uintptr
	// constHolder, when non-nil, carries an immediate value queued by a
	// "Const" writer (spec.md §6) instead of an operand address to copy
	// from/to. It must stay a typed *uint64, not a uintptr squirreled
	// away in operand: the drain that services this wait can run an
	// unbounded time later, and a uintptr is invisible to the garbage
	// collector, so the backing word could be collected out from under
	// it before the drain dereferences it.
	constHolder *uint64
	task        *Task
	next        *addrres
}

// febQueue is a singly-linked FIFO of addrres, one of EFQ/FEQ/FFQ.
type febQueue struct {
	head, tail *addrres
}

func (q *febQueue) push(ar *addrres) {
	ar.next = nil
	if q.tail == nil {
		q.head, q.tail = ar, ar
		return
	}
	q.tail.next = ar
	q.tail = ar
}

func (q *febQueue) pop() *addrres {
	if q.head == nil {
		return nil
	}
	ar := q.head
	q.head = ar.next
	if q.head == nil {
		q.tail = nil
	}
	ar.next = nil
	return ar
}

func (q *febQueue) empty() bool { return q.head == nil }

// addrstat is the full/empty-bit record for one aligned word address
// (spec.md §3.1 "FEB record (addrstat)"). Absence from the stripe table
// is equivalent to full=1 with all three queues empty.
type addrstat struct {
	full          bool
	efq, feq, ffq febQueue
	mu            sync.Mutex

	// creator is the pool this record was allocated from (spec.md §5),
	// nil until febFindOrInsert creates one.
	creator *shepherdPools
}

func (rt *Runtime) wake(t *Task) {
	t.state = Running
	t.shep.ready.push(t)
	rt.observer.OnFebWake(t.id)
}

// gotlockFill sets full and drains queues per spec.md §4.5: all of FFQ,
// then at most one FEQ waiter — and if a FEQ waiter was woken, the word
// must also transition back to empty on its behalf (readFE's contract),
// which is the recursive gotlockEmpty call. Caller holds rec.mu and is
// responsible for the eventual unlock + removal check.
func (rt *Runtime) gotlockFill(rec *addrstat, addr uintptr) {
	rec.full = true
	for {
		ar := rec.ffq.pop()
		if ar == nil {
			break
		}
		copyWord(ar.operand, addr)
		t := ar.task
		rt.wake(t)
		t.shep.pools.putAddrres(ar)
	}
	if ar := rec.feq.pop(); ar != nil {
		copyWord(ar.operand, addr)
		t := ar.task
		rt.wake(t)
		t.shep.pools.putAddrres(ar)
		rt.gotlockEmpty(rec, addr)
	}
}

// gotlockEmpty sets full=false and drains at most one EFQ waiter, storing
// its operand and recursively filling again on its behalf (spec.md §4.5).
func (rt *Runtime) gotlockEmpty(rec *addrstat, addr uintptr) {
	rec.full = false
	if ar := rec.efq.pop(); ar != nil {
		if ar.constHolder != nil {
			storeConst(addr, *ar.constHolder)
		} else {
			copyWord(addr, ar.operand)
		}
		t := ar.task
		rt.wake(t)
		t.shep.pools.putAddrres(ar)
		rt.gotlockFill(rec, addr)
	}
}

// finishFEB releases rec's mutex and, if the removal predicate holds
// (full and all three queues empty), re-enters the stripe to remove the
// record — tolerating a concurrent remover, per spec.md §4.5.
func (rt *Runtime) finishFEB(b *stripeBucket[*addrstat], addr uintptr, rec *addrstat) {
	removable := rec.full && rec.efq.empty() && rec.feq.empty() && rec.ffq.empty()
	rec.mu.Unlock()
	if removable {
		rt.maybeRemoveAddrstat(b, addr, rec)
	}
}

func (rt *Runtime) maybeRemoveAddrstat(b *stripeBucket[*addrstat], addr uintptr, rec *addrstat) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.m[addr]
	if !ok || cur != rec {
		return // another thread already removed (or replaced) it
	}
	cur.mu.Lock()
	removable := cur.full && cur.efq.empty() && cur.feq.empty() && cur.ffq.empty()
	cur.mu.Unlock()
	if removable {
		delete(b.m, addr)
		if cur.creator != nil {
			cur.creator.putAddrstat(cur)
		}
	}
}

// febPool picks the pool a newly created addrstat/addrres should draw
// from: the calling task's own shepherd pool if called from within a
// task, else the runtime's generic pool for non-task callers (spec.md
// §5 "Generic pools serve non-task callers").
func (rt *Runtime) febPool(ctx context.Context) *shepherdPools {
	if t := Self(ctx); t != nil {
		return t.shep.pools
	}
	return rt.genericPools
}

// febFindOrInsert implements the shared entry protocol of §4.5: stripe
// write-lock, find-or-insert, acquire the record mutex, release the
// stripe lock. Returns ok=false only when createIfAbsent is false and no
// record exists (the word is then, by definition, full).
func (rt *Runtime) febFindOrInsert(b *stripeBucket[*addrstat], addr uintptr, createIfAbsent bool, pool *shepherdPools) (*addrstat, bool) {
	b.mu.Lock()
	rec, exists := b.m[addr]
	if !exists {
		if !createIfAbsent {
			b.mu.Unlock()
			return nil, false
		}
		rec = pool.getAddrstat()
		rec.full = true
		rec.creator = pool
		b.m[addr] = rec
	}
	rec.mu.Lock()
	b.mu.Unlock()
	return rec, true
}

// Empty implements empty(addr) (spec.md §3.1).
func (rt *Runtime) Empty(addr uintptr) Status {
	addr = alignWord(addr)
	b := rt.febTable.bucket(addr)
	rec, _ := rt.febFindOrInsert(b, addr, true, rt.genericPools)
	rt.gotlockEmpty(rec, addr)
	rt.finishFEB(b, addr, rec)
	return Success
}

// Fill implements fill(addr) (spec.md §3.1).
func (rt *Runtime) Fill(addr uintptr) Status {
	addr = alignWord(addr)
	b := rt.febTable.bucket(addr)
	rec, _ := rt.febFindOrInsert(b, addr, true, rt.genericPools)
	rt.gotlockFill(rec, addr)
	rt.finishFEB(b, addr, rec)
	return Success
}

// ReadFF implements readFF(dst, src) (spec.md §3.1): copy if full, else
// block until filled.
func (rt *Runtime) ReadFF(ctx context.Context, dst, src uintptr) Status {
	addr := alignWord(src)
	b := rt.febTable.bucket(addr)
	rec, existed := rt.febFindOrInsert(b, addr, false, rt.febPool(ctx))
	if !existed {
		copyWord(dst, addr)
		return Success
	}
	if rec.full {
		copyWord(dst, addr)
		rt.finishFEB(b, addr, rec)
		return Success
	}
	t := Self(ctx)
	if t == nil {
		rec.mu.Unlock()
		return BadArgs
	}
	ar := t.shep.pools.getAddrres()
	ar.operand, ar.task = dst, t
	rec.ffq.push(ar)
	t.blockedon = rec
	t.state = FebBlocked
	taskYield(t, FebBlocked)
	return Success
}

// ReadFE implements readFE(dst, src) (spec.md §3.1): copy and empty if
// full, else block until filled.
func (rt *Runtime) ReadFE(ctx context.Context, dst, src uintptr) Status {
	addr := alignWord(src)
	b := rt.febTable.bucket(addr)
	rec, _ := rt.febFindOrInsert(b, addr, true, rt.febPool(ctx))
	if rec.full {
		copyWord(dst, addr)
		rt.gotlockEmpty(rec, addr)
		rt.finishFEB(b, addr, rec)
		return Success
	}
	t := Self(ctx)
	if t == nil {
		rec.mu.Unlock()
		return BadArgs
	}
	ar := t.shep.pools.getAddrres()
	ar.operand, ar.task = dst, t
	rec.feq.push(ar)
	t.blockedon = rec
	t.state = FebBlocked
	taskYield(t, FebBlocked)
	return Success
}

// WriteEF implements writeEF(dst, src) (spec.md §3.1): store and fill if
// empty, else block until empty.
func (rt *Runtime) WriteEF(ctx context.Context, dst, src uintptr) Status {
	addr := alignWord(dst)
	b := rt.febTable.bucket(addr)
	rec, _ := rt.febFindOrInsert(b, addr, true, rt.febPool(ctx))
	if !rec.full {
		copyWord(addr, src)
		rt.gotlockFill(rec, addr)
		rt.finishFEB(b, addr, rec)
		return Success
	}
	t := Self(ctx)
	if t == nil {
		rec.mu.Unlock()
		return BadArgs
	}
	ar := t.shep.pools.getAddrres()
	ar.operand, ar.task = src, t
	rec.efq.push(ar)
	t.blockedon = rec
	t.state = FebBlocked
	taskYield(t, FebBlocked)
	return Success
}

// WriteF implements writeF(dst, src) (spec.md §3.1): store unconditionally
// and fill. Never blocks.
func (rt *Runtime) WriteF(dst, src uintptr) Status {
	addr := alignWord(dst)
	b := rt.febTable.bucket(addr)
	rec, _ := rt.febFindOrInsert(b, addr, true, rt.genericPools)
	copyWord(addr, src)
	rt.gotlockFill(rec, addr)
	rt.finishFEB(b, addr, rec)
	return Success
}

// writeF stores a raw uint64 value (used internally by the task wrapper
// to deliver a fork result — see wrapTask in context.go).
func (rt *Runtime) writeF(dst *uint64, v uint64) Status {
	addr := uintptr(unsafe.Pointer(dst))
	b := rt.febTable.bucket(addr)
	rec, _ := rt.febFindOrInsert(b, addr, true, rt.genericPools)
	storeConst(addr, v)
	rt.gotlockFill(rec, addr)
	rt.finishFEB(b, addr, rec)
	return Success
}

// WriteFConst implements writeF_const(addr, v): like WriteF but the
// source is an immediate value, not a pointer (spec.md §6).
func (rt *Runtime) WriteFConst(dst uintptr, v uint64) Status {
	addr := alignWord(dst)
	b := rt.febTable.bucket(addr)
	rec, _ := rt.febFindOrInsert(b, addr, true, rt.genericPools)
	storeConst(addr, v)
	rt.gotlockFill(rec, addr)
	rt.finishFEB(b, addr, rec)
	return Success
}

// WriteEFConst implements writeEF_const(addr, v): like WriteEF but the
// source is an immediate value (spec.md §6).
func (rt *Runtime) WriteEFConst(ctx context.Context, dst uintptr, v uint64) Status {
	addr := alignWord(dst)
	b := rt.febTable.bucket(addr)
	rec, _ := rt.febFindOrInsert(b, addr, true, rt.febPool(ctx))
	if !rec.full {
		storeConst(addr, v)
		rt.gotlockFill(rec, addr)
		rt.finishFEB(b, addr, rec)
		return Success
	}
	t := Self(ctx)
	if t == nil {
		rec.mu.Unlock()
		return BadArgs
	}
	holder := new(uint64)
	*holder = v
	ar := t.shep.pools.getAddrres()
	ar.constHolder, ar.task = holder, t
	rec.efq.push(ar)
	t.blockedon = rec
	t.state = FebBlocked
	taskYield(t, FebBlocked)
	return Success
}

// FebStatus implements feb_status(addr): reports the current full bit
// without blocking (spec.md §6).
func (rt *Runtime) FebStatus(addr uintptr) bool {
	addr = alignWord(addr)
	b := rt.febTable.bucket(addr)
	b.mu.RLock()
	rec, exists := b.m[addr]
	b.mu.RUnlock()
	if !exists {
		return true
	}
	rec.mu.Lock()
	full := rec.full
	rec.mu.Unlock()
	return full
}
