// Package qthread implements an M:N cooperative user-level threading
// runtime: shepherds (OS worker goroutines) run tasks (lightweight
// cooperative threads) coordinated through full/empty-bit synchronized
// words and address-keyed mutex locks.
package qthread

import (
	"context"
	"runtime"
	"sync"

	"github.com/qthreads/qtgo/internal/atomicmod"
	"github.com/qthreads/qtgo/internal/logging"
)

const (
	defaultStackSize  = 1 << 20 // 1MiB usable region, mirrors the original's per-task default
	defaultStackGuard = 4096    // one guard page at each end
)

// Option configures a Runtime at Init time (spec.md §5 Configuration).
type Option func(*Runtime)

// WithStackSize overrides the usable per-task stack size.
func WithStackSize(n int) Option { return func(rt *Runtime) { rt.stackSize = n } }

// WithStackGuard overrides the guard region size at each end of a stack.
func WithStackGuard(n int) Option { return func(rt *Runtime) { rt.stackGuard = n } }

// WithObserver installs a metrics Observer (see metrics.go). The default
// is NoOpObserver.
func WithObserver(o Observer) Option { return func(rt *Runtime) { rt.observer = o } }

// WithLogger installs a logger used for scheduler diagnostics, in place
// of logging.Default().
func WithLogger(l *logging.Logger) Option { return func(rt *Runtime) { rt.logger = l } }

// Shepherd is the public handle to one scheduling worker, returned by
// Shep/ShepherdAt. The unexported shepherd type carries the runnable
// state; Shepherd only names which one.
type Shepherd struct {
	id int
	rt *Runtime
}

// ID returns the shepherd's index, stable for the life of the Runtime.
func (s *Shepherd) ID() int { return s.id }

// shepherd is one scheduling worker goroutine: a ready queue of tasks to
// run, and an object pool this shepherd creates from and reclaims to
// (spec.md §5 Pools).
type shepherd struct {
	id    int
	rt    *Runtime
	ready *taskQueue
	pools *shepherdPools
}

func (s *shepherd) public() *Shepherd { return &Shepherd{id: s.id, rt: s.rt} }

// run is the shepherd main loop (spec.md §4.1): pop a runnable task,
// switch into it, and dispatch on why it handed control back.
func (s *shepherd) run() {
	defer s.rt.wg.Done()
	for {
		t := s.ready.pop()
		if t.state == termShep {
			return
		}

		t.state = Running
		exit := switchTo(t, s.rt)
		s.rt.observer.OnDispatch(t.id, exit.state)

		switch exit.state {
		case Yielded:
			t.state = Running
			s.ready.push(t)

		case FebBlocked:
			// The op left rec.mu held and t already linked onto the
			// correct FEB queue; our job is only to release the mutex
			// (spec.md §4.5).
			rec, _ := t.blockedon.(*addrstat)
			if rec != nil {
				rec.mu.Unlock()
			}

		case Blocked:
			// The op left rec.mu held without enqueueing t; that's the
			// shepherd's job, then release (spec.md §4.4/§4.1).
			rec, _ := t.blockedon.(*addrLock)
			if rec != nil {
				rec.waiting.push(t)
				rec.mu.Unlock()
			}

		case Syscall:
			s.rt.dispatchSyscall(t)

		case Terminated:
			t.state = Done
			s.rt.observer.OnTerminate(t.id)
			if t.ctx != nil {
				s.pools.putContext(t.ctx)
				t.ctx = nil
			}
			if t.stk != nil {
				s.pools.putStack(t.stk)
				t.stk = nil
			}
			putTask(t)
		}
	}
}

// Runtime is a running qthread scheduler: a fixed set of shepherds, the
// FEB and address-lock stripe tables they share, and lifecycle state.
type Runtime struct {
	shepherds []*shepherd
	rrCounter atomicmod.Counter

	lockTable *stripeTable[*addrLock]
	febTable  *stripeTable[*addrstat]

	// genericPools backs FEB record allocation for calls that carry
	// no task context (Empty, Fill, WriteF, WriteFConst, writeF) and so
	// have no shepherd to pool against (spec.md §5 "generic pools serve
	// non-task callers").
	genericPools *shepherdPools

	stackSize  int
	stackGuard int
	observer   Observer
	logger     *logging.Logger

	syscallJobs chan *syscallJob
	syscallWG   sync.WaitGroup

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Init starts a Runtime with nshepherds worker goroutines (0 means
// runtime.NumCPU()). Mirrors the teacher's CreateAndServe: build the
// workers, then start them (spec.md §5 "qthread_init").
func Init(nshepherds int, opts ...Option) (*Runtime, error) {
	if nshepherds <= 0 {
		nshepherds = runtime.NumCPU()
	}

	rt := &Runtime{
		lockTable:    newStripeTable[*addrLock](),
		febTable:     newStripeTable[*addrstat](),
		genericPools: newShepherdPools(),
		stackSize:    defaultStackSize,
		stackGuard:   defaultStackGuard,
		observer:     NoOpObserver{},
		logger:       logging.Default().WithComponent("qthread"),
	}
	for _, opt := range opts {
		opt(rt)
	}

	rt.ctx, rt.cancel = context.WithCancel(context.Background())
	rt.shepherds = make([]*shepherd, nshepherds)
	for i := range rt.shepherds {
		rt.shepherds[i] = &shepherd{
			id:    i,
			rt:    rt,
			ready: newTaskQueue(),
			pools: newShepherdPools(),
		}
	}

	rt.startSyscallWorkers()

	rt.wg.Add(nshepherds)
	for _, s := range rt.shepherds {
		go s.run()
	}

	rt.logger.Infof("runtime started, shepherds=%d", nshepherds)
	return rt, nil
}

// Finalize drains every shepherd (spec.md §5 "qthread_finalize"): each
// is sent a termShep sentinel and Finalize blocks until all have exited.
// Tasks still Blocked/FebBlocked at this point are never resumed — the
// same "no draining guarantee on shutdown" behavior as the original.
func (rt *Runtime) Finalize() {
	for _, s := range rt.shepherds {
		s.ready.push(&Task{state: termShep})
	}
	rt.wg.Wait()
	rt.stopSyscallWorkers()
	rt.cancel()
	rt.logger.Infof("runtime finalized")
}

// NumShepherds reports how many shepherds this Runtime was started with.
func (rt *Runtime) NumShepherds() int { return len(rt.shepherds) }

// ShepherdAt returns the i'th shepherd's public handle, or nil if out of
// range.
func (rt *Runtime) ShepherdAt(i int) *Shepherd {
	if i < 0 || i >= len(rt.shepherds) {
		return nil
	}
	return rt.shepherds[i].public()
}

func (rt *Runtime) pick(explicit *Shepherd) *shepherd {
	if explicit != nil {
		return rt.shepherds[explicit.id]
	}
	idx := rt.rrCounter.Mod(uint32(len(rt.shepherds)))
	return rt.shepherds[idx]
}

// newBareTask builds a task's identity and arguments only — no stack or
// context. Mirrors the original's qthread_thread_bare, which leaves
// t->context and t->stack NULL until the task is actually scheduled.
func (rt *Runtime) newBareTask(s *shepherd, fn Func, arg any, ret *uint64, flags Flags) *Task {
	t := s.pools.getTask()
	t.id = taskIDs.next()
	t.fn = fn
	t.arg = arg
	t.result = ret
	t.flags = flags
	t.rt = rt
	t.shep = s
	t.creator = s
	t.state = New
	return t
}

// plush acquires the stack and context a bare task needs to actually
// run, from its (possibly just-rebound) shepherd's pool. Mirrors the
// original's qthread_thread_plush, invoked from qthread_schedule /
// qthread_schedule_on rather than at construction time.
func (t *Task) plush() {
	if t.stk == nil {
		t.stk = t.shep.pools.getStack(t.rt.stackSize, t.rt.stackGuard)
	}
	if t.ctx == nil {
		t.ctx = t.shep.pools.getContext()
	}
}

// newTask builds and immediately plushes a task, for entry points that
// schedule in the same step (Fork/ForkTo/ForkFutureTo).
func (rt *Runtime) newTask(s *shepherd, fn Func, arg any, ret *uint64, flags Flags) *Task {
	t := rt.newBareTask(s, fn, arg, ret, flags)
	t.plush()
	return t
}

// Fork creates a task and places it round-robin across shepherds
// (spec.md §5 "qthread_fork"). If ret is non-nil, the task's return
// value is delivered via writeF once it terminates.
func (rt *Runtime) Fork(fn Func, arg any, ret *uint64) (*Task, Status) {
	if fn == nil {
		return nil, BadArgs
	}
	s := rt.pick(nil)
	t := rt.newTask(s, fn, arg, ret, 0)
	rt.observer.OnFork(t.id)
	s.ready.push(t)
	return t, Success
}

// ForkTo creates a task bound to a specific shepherd (spec.md §5
// "qthread_fork_to").
func (rt *Runtime) ForkTo(shep *Shepherd, fn Func, arg any, ret *uint64) (*Task, Status) {
	if fn == nil || shep == nil || shep.rt != rt {
		return nil, BadArgs
	}
	s := rt.pick(shep)
	t := rt.newTask(s, fn, arg, ret, 0)
	rt.observer.OnFork(t.id)
	s.ready.push(t)
	return t, Success
}

// ForkFutureTo creates a future task on a specific shepherd (spec.md §6
// "qthread_fork_future_to"): the result word starts empty so a reader's
// ReadFF/ReadFE blocks until the future completes.
func (rt *Runtime) ForkFutureTo(shep *Shepherd, fn Func, arg any) (*Task, Status) {
	if fn == nil || shep == nil || shep.rt != rt {
		return nil, BadArgs
	}
	s := rt.pick(shep)
	ret := new(uint64)
	rt.Empty(resultAddr(ret))
	t := rt.newTask(s, fn, arg, ret, FlagFuture)
	rt.observer.OnFork(t.id)
	s.ready.push(t)
	return t, Success
}

// Prepare creates a task placed round-robin but does not schedule it
// (spec.md §5 "qthread_prepare"). Call Schedule/ScheduleOn to enqueue it.
func (rt *Runtime) Prepare(fn Func, arg any, ret *uint64) (*Task, Status) {
	if fn == nil {
		return nil, BadArgs
	}
	s := rt.pick(nil)
	return rt.newBareTask(s, fn, arg, ret, 0), Success
}

// PrepareFor creates a task bound to a specific shepherd without
// scheduling it.
func (rt *Runtime) PrepareFor(shep *Shepherd, fn Func, arg any, ret *uint64) (*Task, Status) {
	if fn == nil || shep == nil || shep.rt != rt {
		return nil, BadArgs
	}
	s := rt.pick(shep)
	return rt.newBareTask(s, fn, arg, ret, 0), Success
}

// Schedule enqueues a Prepare'd task on its bound shepherd, acquiring
// its stack and context only now (spec.md / qthread_schedule).
func (rt *Runtime) Schedule(t *Task) Status {
	if t == nil {
		return BadArgs
	}
	t.plush()
	rt.observer.OnFork(t.id)
	t.shep.ready.push(t)
	return Success
}

// ScheduleOn rebinds a Prepare'd task to shep, acquires its stack and
// context from shep's pool, and enqueues it there.
func (rt *Runtime) ScheduleOn(t *Task, shep *Shepherd) Status {
	if t == nil || shep == nil || shep.rt != rt {
		return BadArgs
	}
	t.shep = rt.shepherds[shep.id]
	t.plush()
	rt.observer.OnFork(t.id)
	t.shep.ready.push(t)
	return Success
}

// Yield cooperatively hands control back to the calling task's shepherd,
// which immediately requeues it as Running (spec.md §4.1).
func (rt *Runtime) Yield(ctx context.Context) Status {
	t := Self(ctx)
	if t == nil {
		return BadArgs
	}
	taskYield(t, Yielded)
	return Success
}

// StackLeft reports the usable stack remaining for t, relative to the
// guarded region (spec.md §4.6). Go goroutines grow their own stacks, so
// this is simulated accounting rather than a live stack-pointer check.
func StackLeft(t *Task) int {
	if t == nil || t.stk == nil {
		return 0
	}
	return t.stk.size
}
