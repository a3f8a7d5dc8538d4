package core

import (
	"runtime"

	"bmqsched/internal/sched/placement"
	"bmqsched/internal/sched/rq"
	"bmqsched/internal/sched/task"
)

// WakeUp implements try_to_wake_up (spec §4.7, §8 scenario 1): transitions a
// sleeping task to runnable and places it on a runqueue. Returns false if t
// is not sleeping (running, waking, new or dead). A sleeping task that is
// still queued is marked running in place and true is returned.
func WakeUp(c *Core, t *task.Task, selfCPU int) bool {
	t.PILock.Lock()
	defer t.PILock.Unlock()

	switch t.State() {
	case task.StateInterruptibleSleep, task.StateUninterruptibleSleep:
	default:
		return false
	}

	// ttwu_remote fast path (spec §4.7 step 2): t may still be linked in its
	// owning PBQ from before this wakeup raced a concurrent schedule() that
	// marked it sleeping but hadn't yet deactivated it. If so there is no
	// placement decision to make — just mark it runnable in place and
	// return, without ever touching on_cpu or the placement engine.
	if t.OnRQ() == task.OnRQQueued {
		cpu := t.CPU()
		r := c.RQs[cpu]
		r.Lock()
		stillQueued := t.OnRQ() == task.OnRQQueued
		if stillQueued {
			t.SetState(task.StateRunning)
		}
		r.Unlock()
		if stillQueued {
			return true
		}
	}

	t.SetState(task.StateWaking)

	// P5: a task being woken after running elsewhere must have fully
	// finished its last dispatch before this wakeup re-enqueues it. OnCPU's
	// release store pairs with this acquire load; spinning here is the
	// bounded "wait for on_cpu to clear" loop bmq.c's ttwu performs before
	// picking a target, never blocking the caller on a mutex.
	for t.OnCPU() {
		runtime.Gosched()
	}

	target, err := placement.SelectTarget(t, c.Cfg, c.Topo, c.WM, c.Online(), c.NodeOf)
	if err != nil {
		// Configuration bug: no CPU can ever run this task. The caller
		// holds no lock we'd corrupt by panicking here; surface it exactly
		// like the invariant-violation assert.
		assert(false, "wake_up: "+err.Error())
	}

	if target == selfCPU {
		wakeLocal(c, t, target)
		return true
	}
	wakeRemote(c, t, target, selfCPU)
	return true
}

// wakeLocal enqueues t directly on the calling CPU's own runqueue — no
// cross-CPU traffic needed (bmq.c's ttwu_queue fast path when target == this
// CPU).
func wakeLocal(c *Core, t *task.Task, target int) {
	r := c.RQs[target]
	r.Lock()
	defer r.Unlock()

	enqueueWoken(c, r, t, target, target)
}

// wakeRemote enqueues t on a different CPU's runqueue and, if t should
// preempt what that CPU is running (its idle task included), raises an IPI
// so it notices the new task without waiting for its next tick (bmq.c's
// ttwu_remote, spec §4.7). IncWakeRemoteCount tracks the §9 open-question
// counter.
func wakeRemote(c *Core, t *task.Task, target, selfCPU int) {
	r := c.RQs[target]
	r.Lock()
	defer r.Unlock()

	r.IncWakeRemoteCount()
	enqueueWoken(c, r, t, target, selfCPU)
}

// enqueueWoken performs the common tail of both wake paths: stamp the
// target CPU, mark runnable and queued, insert into the PBQ, then check
// whether this arrival should preempt whatever target is currently running
// (§4.6 check_preempt_curr, §8 scenario 1). selfCPU is the calling CPU, so
// the reschedule sends an IPI only when target differs. Context: r.lock held.
func enqueueWoken(c *Core, r *rq.RQ, t *task.Task, target, selfCPU int) {
	t.SetCPU(target)
	t.SetState(task.StateRunning)
	r.UpdateClock(0, 0)
	r.Enqueue(t, rq.EnqueueWakeup)
	CheckPreemptCurr(c, r, t, selfCPU)
}
