package qthread

import (
	"context"
	"syscall"

	"golang.org/x/sys/unix"
)

// syscallWorkers is the fixed size of the background pool that actually
// performs blocking syscalls on behalf of parked tasks.
const syscallWorkers = 4

// syscallJobQueueDepth bounds how many outstanding syscalls a Runtime
// will admit before dispatchSyscall blocks the shepherd offering one.
const syscallJobQueueDepth = 256

type syscallOp int

const (
	opPwrite syscallOp = iota
	opAccept
)

// syscallJob is the qt_pwrite/qt_accept job record (original_source's
// qt_blocking_queue_node_t), translated from a C mpool-allocated struct
// into a Go value passed over a channel: op/args in, ret/err out.
type syscallJob struct {
	op   syscallOp
	task *Task

	fd     int
	buf    []byte
	offset int64

	listenFd int

	n    int
	addr unix.Sockaddr
	err  error
}

// startSyscallWorkers brings up the background pool that drains
// rt.syscallJobs, one goroutine performing the real syscall per job, the
// same "worker pool drains a channel" shape as the teacher's queue
// runners (spec.md §4.7, syscall-hook contract).
func (rt *Runtime) startSyscallWorkers() {
	rt.syscallJobs = make(chan *syscallJob, syscallJobQueueDepth)
	rt.syscallWG.Add(syscallWorkers)
	for i := 0; i < syscallWorkers; i++ {
		go rt.syscallWorker()
	}
}

func (rt *Runtime) stopSyscallWorkers() {
	close(rt.syscallJobs)
	rt.syscallWG.Wait()
}

func (rt *Runtime) syscallWorker() {
	defer rt.syscallWG.Done()
	for job := range rt.syscallJobs {
		switch job.op {
		case opPwrite:
			job.n, job.err = unix.Pwrite(job.fd, job.buf, job.offset)
		case opAccept:
			job.n, job.addr, job.err = unix.Accept(job.listenFd)
		}
		t := job.task
		t.blockedon = job
		t.state = Running
		t.shep.ready.push(t)
	}
}

// dispatchSyscall is called by a shepherd (qthread.go's run loop) when a
// task yields with state Syscall: hand the job to the background pool and
// move on to the next ready task, exactly as empty()/fill() hand blocked
// FEB waiters to their queues instead of spinning (spec.md §4.1).
func (rt *Runtime) dispatchSyscall(t *Task) {
	job, _ := t.blockedon.(*syscallJob)
	if job == nil {
		return
	}
	select {
	case rt.syscallJobs <- job:
	case <-rt.ctx.Done():
	}
}

// Pwrite is the wrapped pwrite(2): if called from within a task, it
// blocks the task (not the OS thread) while a background worker performs
// the real syscall (spec.md §6, grounded on qt_pwrite).
func (rt *Runtime) Pwrite(ctx context.Context, fd int, buf []byte, offset int64) (int, Status) {
	t := Self(ctx)
	if t == nil {
		n, err := unix.Pwrite(fd, buf, offset)
		if err != nil {
			return n, CodeOf(WrapErrno("pwrite", err.(syscall.Errno)))
		}
		return n, Success
	}

	job := &syscallJob{op: opPwrite, task: t, fd: fd, buf: buf, offset: offset}
	t.blockedon = job
	t.state = Syscall
	taskYield(t, Syscall)

	done := t.blockedon.(*syscallJob)
	if done.err != nil {
		if errno, ok := done.err.(syscall.Errno); ok {
			return done.n, CodeOf(WrapErrno("pwrite", errno))
		}
		return done.n, PthreadErr
	}
	return done.n, Success
}

// Accept is the wrapped accept(2) (spec.md §6, grounded on qt_accept's
// sibling contract).
func (rt *Runtime) Accept(ctx context.Context, listenFd int) (int, unix.Sockaddr, Status) {
	t := Self(ctx)
	if t == nil {
		fd, addr, err := unix.Accept(listenFd)
		if err != nil {
			return fd, addr, CodeOf(WrapErrno("accept", err.(syscall.Errno)))
		}
		return fd, addr, Success
	}

	job := &syscallJob{op: opAccept, task: t, listenFd: listenFd}
	t.blockedon = job
	t.state = Syscall
	taskYield(t, Syscall)

	done := t.blockedon.(*syscallJob)
	if done.err != nil {
		if errno, ok := done.err.(syscall.Errno); ok {
			return done.n, done.addr, CodeOf(WrapErrno("accept", errno))
		}
		return done.n, done.addr, PthreadErr
	}
	return done.n, done.addr, Success
}
