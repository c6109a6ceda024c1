package qthread

import (
	"context"
	"testing"
	"time"
)

func TestUnlockUnheldAddressIsRedundant(t *testing.T) {
	rt, err := Init(1)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Finalize()

	if st := rt.Unlock(0x1000); st != Redundant {
		t.Fatalf("Unlock on an address never locked = %v, want Redundant", st)
	}
}

func TestLockUnlockRoundTrip(t *testing.T) {
	rt, err := Init(1)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Finalize()

	addr := uintptr(0x2000)
	done := make(chan Status, 1)
	fn := func(ctx context.Context, arg any) any {
		rt.Lock(ctx, addr)
		st := rt.Unlock(addr)
		done <- st
		return nil
	}
	if _, st := rt.Fork(fn, nil, nil); st != Success {
		t.Fatalf("Fork: %v", st)
	}

	select {
	case st := <-done:
		if st != Success {
			t.Fatalf("Unlock after Lock = %v, want Success", st)
		}
	case <-time.After(time.Second):
		t.Fatalf("task never completed its lock/unlock round trip")
	}
}

// TestLockSerializesTwoTasks drives the producer-consumer-over-a-lock
// scenario: a held lock blocks a second task until the first releases it.
func TestLockSerializesTwoTasks(t *testing.T) {
	rt, err := Init(2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Finalize()

	addr := uintptr(0x3000)
	var order []string
	orderCh := make(chan []string, 1)
	holderAcquired := make(chan struct{})
	release := make(chan struct{})

	holder := func(ctx context.Context, arg any) any {
		rt.Lock(ctx, addr)
		order = append(order, "holder")
		close(holderAcquired)
		<-release
		rt.Unlock(addr)
		return nil
	}
	waiter := func(ctx context.Context, arg any) any {
		<-holderAcquired
		rt.Lock(ctx, addr)
		order = append(order, "waiter")
		rt.Unlock(addr)
		orderCh <- order
		return nil
	}

	if _, st := rt.Fork(holder, nil, nil); st != Success {
		t.Fatalf("Fork holder: %v", st)
	}
	if _, st := rt.Fork(waiter, nil, nil); st != Success {
		t.Fatalf("Fork waiter: %v", st)
	}

	select {
	case <-holderAcquired:
	case <-time.After(time.Second):
		t.Fatalf("holder never acquired the lock")
	}
	close(release)

	select {
	case got := <-orderCh:
		if len(got) != 2 || got[0] != "holder" || got[1] != "waiter" {
			t.Fatalf("acquisition order = %v, want [holder waiter]", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter never completed")
	}
}

// TestLockWakeOrderFIFO is the address-lock wake-ordering scenario: tasks
// A, B, C arrive (in that order) at an already-held lock, and must wake in
// their arrival order once the holder releases.
func TestLockWakeOrderFIFO(t *testing.T) {
	rt, err := Init(4)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Finalize()

	addr := uintptr(0x4000)
	holderAcquired := make(chan struct{})
	release := make(chan struct{})
	arrived := make(chan string, 3)
	wokeOrder := make(chan string, 3)

	holder := func(ctx context.Context, arg any) any {
		rt.Lock(ctx, addr)
		close(holderAcquired)
		<-release
		rt.Unlock(addr)
		return nil
	}
	if _, st := rt.Fork(holder, nil, nil); st != Success {
		t.Fatalf("Fork holder: %v", st)
	}
	select {
	case <-holderAcquired:
	case <-time.After(time.Second):
		t.Fatalf("holder never acquired the lock")
	}

	waiter := func(name string) Func {
		return func(ctx context.Context, arg any) any {
			arrived <- name
			rt.Lock(ctx, addr)
			wokeOrder <- name
			rt.Unlock(addr)
			return nil
		}
	}

	// Fork A, B, C in order and wait for each to signal arrival before
	// forking the next, so their Lock calls queue in A, B, C order.
	for _, name := range []string{"A", "B", "C"} {
		if _, st := rt.Fork(waiter(name), nil, nil); st != Success {
			t.Fatalf("Fork %s: %v", name, st)
		}
		select {
		case got := <-arrived:
			if got != name {
				t.Fatalf("arrival order broken: got %s, want %s", got, name)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s never reached its Lock call", name)
		}
	}

	close(release)

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case name := <-wokeOrder:
			got = append(got, name)
		case <-time.After(time.Second):
			t.Fatalf("only %d of 3 waiters woke", i)
		}
	}
	want := []string{"A", "B", "C"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("wake order = %v, want %v", got, want)
		}
	}
}
