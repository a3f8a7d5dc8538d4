package core

import (
	"bmqsched/internal/sched/placement"
	"bmqsched/internal/sched/prio"
	"bmqsched/internal/sched/rq"
	"bmqsched/internal/sched/task"
)

// SchedFork initializes a freshly created task's scheduling fields from its
// parent (spec §4.6/§6 sched_fork): it inherits policy, static priority and
// rt_priority, starts at the most-deboosted end of its boost range (a new
// task hasn't earned interactivity credit yet), and receives half the
// parent's remaining timeslice so it can't immediately monopolize a CPU.
// child is not yet linked into any runqueue; call WakeUpNewTask next.
func SchedFork(c *Core, child, parent *task.Task) {
	child.Policy = parent.Policy
	child.StaticPrio = parent.StaticPrio
	child.RTPriority = parent.RTPriority
	child.CPUsMask = parent.CPUsMask.Clone()
	child.NrCPUsAllowed = child.CPUsMask.Count()
	child.DonorPrio = -1

	if child.Policy.IsRT() {
		child.BoostPrio = 0
	} else {
		child.BoostPrio = c.Cfg.MaxAdj
	}
	child.NormalPrio = prio.NormalPrio(child, c.Cfg)
	child.Prio = child.NormalPrio

	child.TimeSliceNS = parent.TimeSliceNS / 2
	if child.TimeSliceNS <= 0 {
		child.TimeSliceNS = c.Cfg.TimesliceNS / 2
	}

	child.SetState(task.StateNew)
	child.SetOnRQ(task.OnRQOff)
	child.SetCPU(-1)
}

// WakeUpNewTask places a forked child onto a runqueue for the first time
// (spec §6 wake_up_new_task): picks a target CPU via the placement engine,
// enqueues with the fork flag, and checks for preemption the same way a
// regular wakeup would.
func WakeUpNewTask(c *Core, child *task.Task) error {
	target, err := placement.SelectTarget(child, c.Cfg, c.Topo, c.WM, c.Online(), c.NodeOf)
	if err != nil {
		return err
	}

	r := c.RQs[target]
	r.Lock()
	defer r.Unlock()

	r.UpdateClock(0, 0)
	child.SetCPU(target)
	child.SetState(task.StateRunning)
	r.Enqueue(child, rq.EnqueueFork)
	CheckPreemptCurr(c, r, child, target)
	return nil
}

// SchedExit removes a terminating task from its runqueue (spec §6
// sched_exit): if it was never queued (exiting before being scheduled, or
// already off-CPU) this is a no-op beyond marking it dead.
func SchedExit(c *Core, t *task.Task) {
	cpu := t.CPU()
	if cpu < 0 {
		t.SetState(task.StateDead)
		return
	}

	r := c.RQs[cpu]
	r.Lock()
	defer r.Unlock()

	if t.OnRQ() == task.OnRQQueued {
		r.Dequeue(t, 0)
		t.SetOnRQ(task.OnRQOff)
	}
	if r.Current() == t {
		r.SetCurrent(r.Idle())
		t.SetOnCPU(false)
	}
	t.SetState(task.StateDead)
}
