package qthread

import (
	"context"
	"sync/atomic"
)

// Func is a task's entry point. ctx carries the running *Task (see
// taskCtxKey in context.go) so scheduler calls like Self/Yield/Lock/ReadFF
// can recover the caller's identity without goroutine-local storage.
type Func func(ctx context.Context, arg any) any

// State is a task's position in the lifecycle state machine (spec.md §3.1).
type State int

const (
	New State = iota
	Running
	Yielded
	Blocked
	FebBlocked
	Syscall
	Terminated
	Done
	termShep // sentinel: drains and exits a shepherd at Finalize
)

func (s State) String() string {
	switch s {
	case New:
		return "New"
	case Running:
		return "Running"
	case Yielded:
		return "Yielded"
	case Blocked:
		return "Blocked"
	case FebBlocked:
		return "FebBlocked"
	case Syscall:
		return "Syscall"
	case Terminated:
		return "Terminated"
	case Done:
		return "Done"
	case termShep:
		return "TermShep"
	default:
		return "Unknown"
	}
}

// Flags is a bitset of task attributes (spec.md §3.1).
type Flags uint8

const (
	FlagFuture Flags = 1 << iota
	FlagMccoy
)

// blocker identifies what a task is blocked on: an *addrLock, an
// *addrstat, or a *syscallJob. Kept as `any` the way the spec describes blockedon as an
// "opaque pointer identifying what it is blocked on".
type blocker = any

// Task is one lightweight cooperative thread of control (spec.md §3.1).
//
// A Task's stack and saved context are owned exclusively by the task and
// freed only when it reaches Done or at Finalize.
type Task struct {
	id    uint64
	state State
	flags Flags

	fn  Func
	arg any

	// result is the FEB-word rendezvous for Fork's optional ret pointer;
	// nil if the caller didn't ask for a result.
	result *uint64

	rt      *Runtime
	shep    *shepherd // executes this task
	creator *shepherd // minted this task's pooled memory; frees return here

	blockedon blocker

	stk  *taskStack
	ctx  *taskContext
	next *Task // intrusive single link, owned by whichever queue holds this task
}

var taskIDs idCounter64

// idCounter64 is the monotonic task-id source (spec.md §5 "Atomic counters").
type idCounter64 struct{ v atomic.Uint64 }

func (c *idCounter64) next() uint64 { return c.v.Add(1) - 1 }

// ID returns t's monotonically assigned identifier.
func ID(t *Task) uint64 { return t.id }

// Shep returns the shepherd a task is bound to.
func Shep(t *Task) *Shepherd { return t.shep.public() }

// IsFuture reports whether t was created with ForkFutureTo.
func IsFuture(t *Task) bool { return t.flags&FlagFuture != 0 }

// AssertFuture panics if t is not a future task; for use by the external
// future module described in spec.md §6.
func AssertFuture(t *Task) {
	if !IsFuture(t) {
		panic("qthread: AssertFuture: task is not a future")
	}
}

// AssertNotFuture panics if t is a future task.
func AssertNotFuture(t *Task) {
	if IsFuture(t) {
		panic("qthread: AssertNotFuture: task is a future")
	}
}
