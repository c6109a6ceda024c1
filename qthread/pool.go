package qthread

import "sync"

// shepherdPools holds one shepherd's freelists for every pooled object kind
// (spec.md §5 "Pools"): tasks, stacks, contexts, queue nodes, lock records,
// and the two FEB records. sync.Pool can't express this because a freed
// object must return to the shepherd that created it, not whichever
// shepherd happened to free it (§5 "returned to their originating
// shepherd's pool") — a plain sync.Pool makes no such guarantee, so each
// shepherd gets its own mutex-guarded slice-backed stack instead, and
// frees are routed there explicitly by the caller.
type shepherdPools struct {
	mu       sync.Mutex
	tasks    []*Task
	stacks   []*taskStack
	contexts []*taskContext
	qnodes   []*addrres
	locks    []*addrLock
	stats    []*addrstat
}

func newShepherdPools() *shepherdPools {
	return &shepherdPools{}
}

func (p *shepherdPools) getTask() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.tasks)
	if n == 0 {
		return &Task{}
	}
	t := p.tasks[n-1]
	p.tasks = p.tasks[:n-1]
	*t = Task{}
	return t
}

// putTask returns t to its creator's pool, never the pool of whatever
// shepherd happened to reap it (spec.md §5).
func putTask(t *Task) {
	if t.creator == nil {
		return
	}
	p := t.creator.pools
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, t)
}

func (p *shepherdPools) getStack(usableSize, guard int) *taskStack {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.stacks)
	if n == 0 {
		return newTaskStack(usableSize, guard)
	}
	s := p.stacks[n-1]
	p.stacks = p.stacks[:n-1]
	s.size, s.guard, s.allocated = usableSize, guard, usableSize+2*guard
	return s
}

func (p *shepherdPools) putStack(s *taskStack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stacks = append(p.stacks, s)
}

func (p *shepherdPools) getContext() *taskContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.contexts)
	if n == 0 {
		return newTaskContext()
	}
	c := p.contexts[n-1]
	p.contexts = p.contexts[:n-1]
	return c
}

func (p *shepherdPools) putContext(c *taskContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.started = false
	p.contexts = append(p.contexts, c)
}

func (p *shepherdPools) getAddrres() *addrres {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.qnodes)
	if n == 0 {
		return &addrres{}
	}
	ar := p.qnodes[n-1]
	p.qnodes = p.qnodes[:n-1]
	*ar = addrres{}
	return ar
}

func (p *shepherdPools) putAddrres(ar *addrres) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.qnodes = append(p.qnodes, ar)
}

func (p *shepherdPools) getAddrLock() *addrLock {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.locks)
	if n == 0 {
		return &addrLock{waiting: newTaskQueue()}
	}
	l := p.locks[n-1]
	p.locks = p.locks[:n-1]
	l.owner = 0
	return l
}

func (p *shepherdPools) putAddrLock(l *addrLock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locks = append(p.locks, l)
}

func (p *shepherdPools) getAddrstat() *addrstat {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.stats)
	if n == 0 {
		return &addrstat{}
	}
	a := p.stats[n-1]
	p.stats = p.stats[:n-1]
	*a = addrstat{}
	return a
}

func (p *shepherdPools) putAddrstat(a *addrstat) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = append(p.stats, a)
}
