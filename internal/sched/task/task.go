// Package task defines the schedulable entity the scheduler core reads and
// writes. The core owns scheduling metadata only; the task's actual work
// (the Run func) is driven by the host, never by the core itself.
package task

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"bmqsched/internal/sched/cpuset"
)

// Policy is the scheduling policy of a task. Real-time iff Policy is RR or
// FIFO.
type Policy int

const (
	Normal Policy = iota
	Batch
	IdlePolicy
	RR
	FIFO
)

func (p Policy) String() string {
	switch p {
	case Normal:
		return "NORMAL"
	case Batch:
		return "BATCH"
	case IdlePolicy:
		return "IDLE"
	case RR:
		return "RR"
	case FIFO:
		return "FIFO"
	default:
		return "UNKNOWN"
	}
}

// IsRT reports whether policy is a real-time policy.
func (p Policy) IsRT() bool { return p == RR || p == FIFO }

// State is a task's run state.
type State int32

const (
	StateNew State = iota
	StateRunning
	StateInterruptibleSleep
	StateUninterruptibleSleep
	StateWaking
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateRunning:
		return "RUNNING"
	case StateInterruptibleSleep:
		return "INTERRUPTIBLE"
	case StateUninterruptibleSleep:
		return "UNINTERRUPTIBLE"
	case StateWaking:
		return "WAKING"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// OnRQ is the tri-state queuedness flag (§3 I1/I2).
type OnRQ int32

const (
	OnRQOff OnRQ = iota
	OnRQQueued
	OnRQMigrating
)

// ID uniquely identifies a task.
type ID uint64

// Task is an externally owned handle representing a schedulable entity. All
// fields below are read/written by the scheduler core "by contract, not
// layout" per the spec; the Go representation just picks concrete types for
// each.
type Task struct {
	ID ID

	Policy     Policy
	StaticPrio int // nice mapped to [0, NormalPrioBuckets)
	RTPriority int // only meaningful for RR/FIFO

	Prio       int // effective priority; smaller = more urgent
	NormalPrio int // computed from policy/static/rt_priority, PI-independent
	BoostPrio  int // signed adjustment, non-RT only

	QueueIdx int // PBQ bucket, valid iff OnRQ == OnRQQueued

	TimeSliceNS int64 // remaining ns of the current timeslice
	LastRanNS   int64 // task-clock timestamp at last dispatch

	state  atomic.Int32 // State, atomic per §5
	onRQ   atomic.Int32 // OnRQ, atomic per §5
	onCPU  atomic.Int32 // 0/1, atomic acquire/release per §4.7
	cpu    atomic.Int32 // current CPU id, -1 if none

	CPUsMask      cpuset.Set
	NrCPUsAllowed int

	PILock sync.Mutex // ordered outside any RQ lock (§5)

	SchedNode *list.Element // intrusive hook while linked in a PBQ bucket

	// LastSwitchTS is rq.clock at the last time this task was dispatched.
	// The boost run-streak threshold (§4.6) reads the runqueue's own switch
	// time (rq.RQ.SwitchTimeNS), not this field.
	LastSwitchTS int64

	// DonorPrio, if >=0, is the priority this task is currently inheriting
	// via priority inheritance (§6 pi_effective_prio); -1 means none.
	DonorPrio int

	// IsPerCPUKthread marks a task pinned to one CPU by construction (idle
	// and stopper tasks); migration always skips these (§4.8).
	IsPerCPUKthread bool
	// IOWait marks a task as blocked on I/O. Nothing in the scheduler reads
	// it: Enqueue takes no I/O-wait action and there is no frequency
	// governor hook.
	IOWait bool

	// Run is the host-supplied unit of work. The core never calls this
	// directly; it is a convenience for demo drivers and tests that want
	// to "execute" a dispatched task.
	Run func(ctx context.Context) error
}

// New creates a task with the given policy and priority inputs. Priority
// fields (Prio, NormalPrio) are left zero; callers compute them via the prio
// package's helpers once the task is about to be admitted, matching
// the kernel's fork-time deferral of prio computation.
func New(id ID, policy Policy, staticPrio, rtPriority int, cpus cpuset.Set) *Task {
	t := &Task{
		ID:            id,
		Policy:        policy,
		StaticPrio:    staticPrio,
		RTPriority:    rtPriority,
		CPUsMask:      cpus,
		NrCPUsAllowed: cpus.Count(),
		DonorPrio:     -1,
	}
	t.state.Store(int32(StateNew))
	t.onRQ.Store(int32(OnRQOff))
	t.cpu.Store(-1)
	return t
}

func (t *Task) State() State        { return State(t.state.Load()) }
func (t *Task) SetState(s State)    { t.state.Store(int32(s)) }
func (t *Task) CASState(old, n State) bool {
	return t.state.CompareAndSwap(int32(old), int32(n))
}

func (t *Task) OnRQ() OnRQ          { return OnRQ(t.onRQ.Load()) }
func (t *Task) SetOnRQ(v OnRQ)      { t.onRQ.Store(int32(v)) }

// OnCPU reports the current value with acquire semantics; pairs with the
// release-store an outgoing scheduler performs when it is done with t
// (§4.7, §5 P5).
func (t *Task) OnCPU() bool { return t.onCPU.Load() != 0 }

// SetOnCPU stores with release semantics.
func (t *Task) SetOnCPU(v bool) {
	var i int32
	if v {
		i = 1
	}
	t.onCPU.Store(i)
}

// CPU returns the CPU id the task is currently assigned to, or -1.
func (t *Task) CPU() int { return int(t.cpu.Load()) }

// SetCPU sets the task's owning CPU. Callers: initial placement and wakeup
// (under the target RQ lock), the idle pull (both RQ locks held), and the
// migration handoffs, which mark the task OnRQMigrating and call this after
// releasing the source RQ lock and before taking the destination's.
func (t *Task) SetCPU(cpu int) { t.cpu.Store(int32(cpu)) }
