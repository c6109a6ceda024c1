package qthread

import (
	"context"
	"sync"
)

// addrLock is the record backing one address-keyed mutex (spec.md §3.1
// "Address-lock record"). The debug owner field and waiting queue mirror
// the spec's {waiting-queue, debug owner id, mutex} triple exactly.
type addrLock struct {
	waiting *taskQueue
	owner   uint64
	mu      sync.Mutex

	// creator is the pool this record was allocated from, so Unlock can
	// return it there rather than to whichever shepherd runs Unlock
	// (spec.md §5 "returned to their creator shepherd's pool").
	creator *shepherdPools
}

// Lock acquires the mutual-exclusion lock keyed by addr (spec.md §4.4),
// following the mandated stripe→record→queue order. Must be called from
// within a task (ctx must carry one); blocks the calling task, not the OS
// thread, if the lock is held.
func (rt *Runtime) Lock(ctx context.Context, addr uintptr) Status {
	t := Self(ctx)
	if t == nil {
		return BadArgs
	}

	b := rt.lockTable.bucket(addr)
	b.mu.Lock()
	rec, exists := b.m[addr]
	if !exists {
		rec = t.shep.pools.getAddrLock()
		rec.creator = t.shep.pools
		b.m[addr] = rec
		rec.mu.Lock()
		b.mu.Unlock()
		rec.owner = t.id
		rec.mu.Unlock()
		return Success
	}

	rec.mu.Lock()
	b.mu.Unlock()
	rt.observer.OnLockContention(addr)
	t.blockedon = rec
	t.state = Blocked
	// The shepherd's dispatch loop (qthread.go) observes Blocked, pushes
	// t onto rec.waiting, and releases rec.mu on t's behalf — see §4.1.
	taskYield(t, Blocked)
	return Success
}

// Unlock releases the lock keyed by addr (spec.md §4.4). Unlocking an
// address with no held lock is Redundant, not an error (spec.md §7).
func (rt *Runtime) Unlock(addr uintptr) Status {
	b := rt.lockTable.bucket(addr)
	b.mu.Lock()
	rec, exists := b.m[addr]
	if !exists {
		b.mu.Unlock()
		return Redundant
	}

	rec.mu.Lock()
	waiter, ok := rec.waiting.tryPop()
	if !ok {
		delete(b.m, addr)
		b.mu.Unlock()
		rec.mu.Unlock()
		if rec.creator != nil {
			rec.creator.putAddrLock(rec)
		}
		return Success
	}
	b.mu.Unlock()

	waiter.state = Running
	rec.owner = waiter.id
	waiter.shep.ready.push(waiter)
	rec.mu.Unlock()
	return Success
}
