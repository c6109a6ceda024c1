package qthread

import (
	"context"
	"testing"
	"time"
)

func TestInitDefaultsToNumCPU(t *testing.T) {
	rt, err := Init(0)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Finalize()
	if rt.NumShepherds() <= 0 {
		t.Fatalf("NumShepherds() = %d, want > 0", rt.NumShepherds())
	}
}

func TestShepherdAtBounds(t *testing.T) {
	rt, err := Init(2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Finalize()

	if s := rt.ShepherdAt(0); s == nil || s.ID() != 0 {
		t.Fatalf("ShepherdAt(0) = %v", s)
	}
	if s := rt.ShepherdAt(1); s == nil || s.ID() != 1 {
		t.Fatalf("ShepherdAt(1) = %v", s)
	}
	if s := rt.ShepherdAt(2); s != nil {
		t.Fatalf("ShepherdAt(2) out of range should be nil, got %v", s)
	}
	if s := rt.ShepherdAt(-1); s != nil {
		t.Fatalf("ShepherdAt(-1) out of range should be nil, got %v", s)
	}
}

func TestForkRejectsNilFunc(t *testing.T) {
	rt, err := Init(1)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Finalize()
	if _, st := rt.Fork(nil, nil, nil); st != BadArgs {
		t.Fatalf("Fork(nil) = %v, want BadArgs", st)
	}
}

func TestForkRunsTheTask(t *testing.T) {
	rt, err := Init(2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Finalize()

	ran := make(chan struct{})
	fn := func(ctx context.Context, arg any) any {
		close(ran)
		return nil
	}
	if _, st := rt.Fork(fn, nil, nil); st != Success {
		t.Fatalf("Fork: %v", st)
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("forked task never ran")
	}
}

func TestForkToBindsShepherd(t *testing.T) {
	rt, err := Init(2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Finalize()

	target := rt.ShepherdAt(1)
	got := make(chan int, 1)
	fn := func(ctx context.Context, arg any) any {
		got <- Shep(Self(ctx)).ID()
		return nil
	}
	if _, st := rt.ForkTo(target, fn, nil, nil); st != Success {
		t.Fatalf("ForkTo: %v", st)
	}
	select {
	case id := <-got:
		if id != 1 {
			t.Fatalf("task ran on shepherd %d, want 1", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("ForkTo'd task never ran")
	}
}

func TestForkToRejectsForeignShepherd(t *testing.T) {
	rt1, err := Init(1)
	if err != nil {
		t.Fatalf("Init rt1: %v", err)
	}
	defer rt1.Finalize()
	rt2, err := Init(1)
	if err != nil {
		t.Fatalf("Init rt2: %v", err)
	}
	defer rt2.Finalize()

	foreign := rt2.ShepherdAt(0)
	if _, st := rt1.ForkTo(foreign, func(context.Context, any) any { return nil }, nil, nil); st != BadArgs {
		t.Fatalf("ForkTo with a foreign shepherd = %v, want BadArgs", st)
	}
}

// TestPrepareDefersStackAndContextAllocation checks that a Prepare'd
// task acquires no stack or context until it is actually Schedule'd
// (mirrors the original's qthread_thread_bare vs qthread_thread_plush
// split).
func TestPrepareDefersStackAndContextAllocation(t *testing.T) {
	rt, err := Init(1)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Finalize()

	release := make(chan struct{})
	started := make(chan struct{})
	tk, st := rt.Prepare(func(context.Context, any) any {
		close(started)
		<-release
		return nil
	}, nil, nil)
	if st != Success {
		t.Fatalf("Prepare: %v", st)
	}
	if tk.stk != nil || tk.ctx != nil {
		t.Fatalf("Prepare'd task should hold no stack/context yet, got stk=%v ctx=%v", tk.stk, tk.ctx)
	}

	if st := rt.Schedule(tk); st != Success {
		t.Fatalf("Schedule: %v", st)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("scheduled task never started")
	}
	if tk.stk == nil || tk.ctx == nil {
		t.Fatalf("Schedule should have acquired a stack and context, got stk=%v ctx=%v", tk.stk, tk.ctx)
	}
	close(release)
}

func TestPrepareThenSchedule(t *testing.T) {
	rt, err := Init(1)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Finalize()

	ran := make(chan struct{})
	tk, st := rt.Prepare(func(context.Context, any) any {
		close(ran)
		return nil
	}, nil, nil)
	if st != Success {
		t.Fatalf("Prepare: %v", st)
	}

	select {
	case <-ran:
		t.Fatalf("prepared task ran before Schedule")
	case <-time.After(20 * time.Millisecond):
	}

	if st := rt.Schedule(tk); st != Success {
		t.Fatalf("Schedule: %v", st)
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("scheduled task never ran")
	}
}

func TestScheduleOnRebindsShepherd(t *testing.T) {
	rt, err := Init(2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Finalize()

	target := rt.ShepherdAt(1)
	got := make(chan int, 1)
	tk, st := rt.Prepare(func(ctx context.Context, arg any) any {
		got <- Shep(Self(ctx)).ID()
		return nil
	}, nil, nil)
	if st != Success {
		t.Fatalf("Prepare: %v", st)
	}
	if st := rt.ScheduleOn(tk, target); st != Success {
		t.Fatalf("ScheduleOn: %v", st)
	}
	select {
	case id := <-got:
		if id != 1 {
			t.Fatalf("task ran on shepherd %d, want 1", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("rescheduled task never ran")
	}
}

func TestYieldRequeuesTask(t *testing.T) {
	rt, err := Init(1)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Finalize()

	done := make(chan struct{})
	fn := func(ctx context.Context, arg any) any {
		rt.Yield(ctx)
		rt.Yield(ctx)
		close(done)
		return nil
	}
	if _, st := rt.Fork(fn, nil, nil); st != Success {
		t.Fatalf("Fork: %v", st)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("task never resumed past two Yields")
	}
}

func TestYieldOutsideTaskIsBadArgs(t *testing.T) {
	rt, err := Init(1)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Finalize()
	if st := rt.Yield(context.Background()); st != BadArgs {
		t.Fatalf("Yield outside a task = %v, want BadArgs", st)
	}
}

func TestForkFutureToBlocksReaderUntilDone(t *testing.T) {
	rt, err := Init(2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Finalize()

	target := rt.ShepherdAt(0)
	release := make(chan struct{})
	future, st := rt.ForkFutureTo(target, func(ctx context.Context, arg any) any {
		<-release
		return uint64(7)
	})
	if st != Success {
		t.Fatalf("ForkFutureTo: %v", st)
	}
	if !IsFuture(future) {
		t.Fatalf("ForkFutureTo should produce a future task")
	}

	got := make(chan uint64, 1)
	reader := func(ctx context.Context, arg any) any {
		var out uint64
		rt.ReadFF(ctx, resultAddr(&out), resultAddr(future.result))
		got <- out
		return nil
	}
	if _, st := rt.Fork(reader, nil, nil); st != Success {
		t.Fatalf("Fork reader: %v", st)
	}

	select {
	case <-got:
		t.Fatalf("reader observed the future result before it completed")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case v := <-got:
		if v != 7 {
			t.Fatalf("future result = %d, want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("reader never observed the completed future")
	}
}

// TestDiningPhilosophers is the spec's deadlock-avoidance scenario: five
// tasks each hold a "left fork" address lock then a "right fork" lock
// around a shared table, and all must make progress without deadlocking.
func TestDiningPhilosophers(t *testing.T) {
	const n = 5
	const meals = 20

	rt, err := Init(n)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Finalize()

	forks := make([]uintptr, n)
	for i := range forks {
		forks[i] = uintptr(0x8000 + i*16)
	}

	eatCounts := make([]int, n)
	eaten := make(chan int, n)

	philosopher := func(i int) Func {
		return func(ctx context.Context, arg any) any {
			first, second := forks[i], forks[(i+1)%n]
			// Seat n-1 picks up its right fork (fork 0) first, so every
			// seat takes its lower-numbered fork first, breaking the
			// circular wait that causes classic deadlock.
			if i == n-1 {
				first, second = second, first
			}
			for m := 0; m < meals; m++ {
				rt.Lock(ctx, first)
				rt.Lock(ctx, second)
				eatCounts[i]++
				rt.Unlock(second)
				rt.Unlock(first)
				rt.Yield(ctx)
			}
			eaten <- i
			return nil
		}
	}

	for i := 0; i < n; i++ {
		if _, st := rt.Fork(philosopher(i), nil, nil); st != Success {
			t.Fatalf("Fork philosopher %d: %v", i, st)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case <-eaten:
		case <-time.After(10 * time.Second):
			t.Fatalf("not all philosophers finished eating; possible deadlock")
		}
	}

	for i, c := range eatCounts {
		if c != meals {
			t.Fatalf("philosopher %d ate %d times, want %d", i, c, meals)
		}
	}
}
