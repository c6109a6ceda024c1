package qthread

import "context"

// taskCtxKey is the context.Context key carrying the running *Task, the
// idiomatic-Go substitute for implicit thread-local self() lookup (see
// DESIGN.md "Resolved design point: self() via context.Context").
type taskCtxKey struct{}

// Self recovers the calling task from ctx, or nil if ctx was not derived
// from a task's entry context (spec.md §6 self()).
func Self(ctx context.Context) *Task {
	t, _ := ctx.Value(taskCtxKey{}).(*Task)
	return t
}

// Context switch substitute (spec.md §4.6, resolved in SPEC_FULL.md).
//
// Go gives no portable, unprivileged way to save/restore a raw machine
// stack and register set, which is what a real qthreads-style context
// swap does. The spec explicitly allows a "portable substitute that does
// not honor the return-on-exit link" for platforms without native
// support; since that's every platform from Go's perspective, every
// taskContext uses it. A task's user function runs on its own goroutine,
// parked on an unbuffered "resume" channel; the shepherd hands control to
// a task by sending on resume and regains it by receiving from done. The
// wrapper (see wrapTask) explicitly signals done instead of relying on a
// return-on-exit link, exactly as the spec's substitute mode requires.

// taskStack is a simulated guarded stack region. Go goroutines manage
// their own growable stacks, so this isn't used for execution — it exists
// so stack accounting (guard padding, StackLeft) and per-shepherd pooling
// (spec.md §5 Pools) behave the way the spec describes.
type taskStack struct {
	size      int // usable size, after subtracting guards from both ends
	guard     int
	allocated int // size + 2*guard
}

func newTaskStack(usableSize, guard int) *taskStack {
	return &taskStack{
		size:      usableSize,
		guard:     guard,
		allocated: usableSize + 2*guard,
	}
}

// taskExit carries the reason a task handed control back to its shepherd.
type taskExit struct {
	state State // Yielded, Blocked, FebBlocked, Syscall, or Terminated
}

// taskContext is the goroutine-backed substitute for a saved machine
// context: a resume/done channel pair plus the running goroutine's
// lifecycle state.
type taskContext struct {
	resume  chan struct{}
	done    chan taskExit
	started bool
}

func newTaskContext() *taskContext {
	return &taskContext{
		resume: make(chan struct{}),
		done:   make(chan taskExit),
	}
}

// wrapTask is the entry point run on the task's goroutine, equivalent to
// the spec's *wrapper* (spec.md §4.2): invoke the user function, deliver
// the result via writeF if a result slot was provided, mark Terminated,
// and explicitly hand control back to the shepherd since this mode does
// not honor a return-on-exit link.
func wrapTask(t *Task, rt *Runtime) {
	<-t.ctx.resume // wait for the shepherd's first handoff

	ctx := context.WithValue(context.Background(), taskCtxKey{}, t)
	result := t.fn(ctx, t.arg)

	if t.result != nil {
		v := uint64(0)
		if iv, ok := result.(uint64); ok {
			v = iv
		}
		rt.writeF(t.result, v)
	}

	t.state = Terminated
	t.ctx.done <- taskExit{state: Terminated}
}

// switchTo transfers control from the calling shepherd goroutine into t,
// starting its wrapper goroutine on first use, and returns once t has
// yielded, blocked, or terminated.
func switchTo(t *Task, rt *Runtime) taskExit {
	if !t.ctx.started {
		t.ctx.started = true
		go wrapTask(t, rt)
	}
	t.ctx.resume <- struct{}{}
	return <-t.ctx.done
}

// taskYield is called from within the user function's goroutine (via
// Yield/Lock/FEB blocking ops) to suspend and report why.
func taskYield(t *Task, state State) {
	t.ctx.done <- taskExit{state: state}
	<-t.ctx.resume
}
