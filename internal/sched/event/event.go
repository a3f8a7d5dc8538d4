// Package event generalizes the teacher's single-queue StatusEvent/StatusKind
// pair to the richer set of scheduler-visible transitions a multi-CPU BMQ
// core produces: enqueue, dispatch, preempt, finish, tick, migrate, boost
// and deboost, each carrying the CPU it happened on.
package event

import "time"

// Kind identifies the sort of scheduler transition an Event records.
type Kind int

const (
	Idle Kind = iota
	Enqueue
	Dispatch
	Preempt
	Finish
	Tick
	Migrate
	Boost
	Deboost
	Wake
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "Idle"
	case Enqueue:
		return "Enqueue"
	case Dispatch:
		return "Dispatch"
	case Preempt:
		return "Preempt"
	case Finish:
		return "Finish"
	case Tick:
		return "Tick"
	case Migrate:
		return "Migrate"
	case Boost:
		return "Boost"
	case Deboost:
		return "Deboost"
	case Wake:
		return "Wake"
	default:
		return "Unknown"
	}
}

// Event records one scheduler-visible transition, the multi-CPU
// generalization of the teacher's StatusEvent (which carried a single
// vruntime and no CPU field, since it modeled one process-wide queue).
type Event struct {
	Time     time.Time
	Kind     Kind
	CPU      int
	FromCPU  int // valid only for Migrate: the CPU the task moved off of
	TaskID   uint64
	Prio     int
	BoostAdj int
	RanTicks int64
}
