// Package core implements the central choose/switch routine, priority
// recomputation, timeslice accounting and preemption checks (spec §4.6),
// plus the wake path (§4.7, wake.go) and the external entry points §6
// enumerates (fork/wake/tick/schedule/set_policy/set_affinity/queries).
package core

import (
	"runtime"

	"bmqsched/internal/sched/config"
	"bmqsched/internal/sched/cpuset"
	"bmqsched/internal/sched/ipi"
	"bmqsched/internal/sched/placement"
	"bmqsched/internal/sched/prio"
	"bmqsched/internal/sched/rq"
	"bmqsched/internal/sched/stopper"
	"bmqsched/internal/sched/task"
	"bmqsched/internal/sched/topology"
	"bmqsched/internal/sched/watermark"
)

// ErrKind classifies the edge errors spec §7 enumerates.
type ErrKind int

const (
	EINVAL ErrKind = iota
	EPERM
	ESRCH
	ENOMEM
)

// Error is the small typed error the syscall-adapter-equivalent entry points
// return; internal invariant violations instead panic via assert (spec §7).
type Error struct {
	Kind ErrKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newErr(k ErrKind, msg string) error { return &Error{Kind: k, Msg: msg} }

func assert(cond bool, msg string) {
	if !cond {
		panic("bmqsched: invariant violated: " + msg)
	}
}

// NodeOf, when non-nil, maps a CPU to its NUMA node for placement fallback.
type NodeOf = placement.NodeOf

// Core is the process-wide scheduler: one RQ per CPU plus the shared
// watermark index, topology and pending mask.
type Core struct {
	Cfg     config.Config
	Topo    *topology.Topology
	WM      *watermark.Index
	Pending *cpuset.AtomicSet
	RQs     []*rq.RQ
	Stopper stopper.Stopper
	IPI     ipi.Sender
	NodeOf  NodeOf
}

// Online returns the current online-CPU set, read lock-free from each RQ's
// Online() flag (spec §6).
func (c *Core) Online() cpuset.Set {
	s := cpuset.New(len(c.RQs))
	for i, r := range c.RQs {
		if r.Online() {
			s.Set(i)
		}
	}
	return s
}

// IdleCPU reports whether cpu's current task is its idle task (spec §6).
func (c *Core) IdleCPU(cpu int) bool {
	r := c.RQs[cpu]
	return r.Current() == r.Idle()
}

// NrRunning returns cpu's runnable-task count (spec §6).
func (c *Core) NrRunning(cpu int) int { return c.RQs[cpu].NrRunning() }

// TaskPrio returns t's effective priority (spec §6).
func TaskPrio(t *task.Task) int { return t.Prio }

// TaskRuntimeNS approximates task_sched_runtime: the elapsed clock_task time
// since t was last dispatched, valid only while t is current (spec §6); the
// caller is expected to hold the owning RQ's lock, matching
// task_access_lock's contract.
func TaskRuntimeNS(r *rq.RQ, t *task.Task) int64 {
	if r.Current() != t {
		return 0
	}
	return r.ClockTaskNS() - t.LastRanNS
}

// resched marks rq's current task for reschedule, sending a cross-CPU IPI
// if this isn't the calling CPU (bmq.c's resched_curr).
func resched(c *Core, r *rq.RQ, selfCPU int) {
	if r.NeedResched() {
		return
	}
	r.SetNeedResched()
	if r.CPU != selfCPU && c.IPI != nil {
		c.IPI.SendReschedule(r.CPU)
	}
}

// CheckPreemptCurr reschedules rq's current task if current is idle, or if
// p now outranks current (spec §4.6, ported from bmq.c's
// check_preempt_curr). Context: rq.lock held.
func CheckPreemptCurr(c *Core, r *rq.RQ, p *task.Task, selfCPU int) {
	curr := r.Current()
	if curr == r.Idle() {
		resched(c, r, selfCPU)
		return
	}
	if r.PBQ().First() == p {
		resched(c, r, selfCPU)
	}
}

// lockTaskRQ resolves t's owning RQ and locks it, the way bmq.c's
// task_rq_lock does: spin while t is mid-migration (spec §5's "readers
// spin rather than lock while a task is marked migrating"), then re-check
// after acquiring the lock in case t moved again between the CPU read and
// the lock acquisition. Returns (nil, -1) if t has never been placed.
func lockTaskRQ(c *Core, t *task.Task) (*rq.RQ, int) {
	for {
		for t.OnRQ() == task.OnRQMigrating {
			runtime.Gosched()
		}
		cpu := t.CPU()
		if cpu < 0 {
			return nil, -1
		}
		r := c.RQs[cpu]
		r.Lock()
		if t.CPU() == cpu && t.OnRQ() != task.OnRQMigrating {
			return r, cpu
		}
		r.Unlock()
	}
}

// SetEffectivePrio is the priority-inheritance hook (spec §6
// set_effective_prio / §8 scenario 2): donorPrio is the priority the task
// should run at if it is inheriting from a waiter it is boosting, or nil if
// no longer inheriting. Locks t's owning RQ, recomputes Prio/bucket, requeues
// if the bucket moved, and checks for preemption.
func SetEffectivePrio(c *Core, t *task.Task, donorPrio *int, selfCPU int) {
	r, _ := lockTaskRQ(c, t)
	if r != nil {
		defer r.Unlock()
	}

	if donorPrio != nil {
		t.DonorPrio = *donorPrio
	} else {
		t.DonorPrio = -1
	}
	t.Prio = prio.EffectivePrio(t, c.Cfg)

	if r == nil || t.OnRQ() != task.OnRQQueued {
		return
	}
	if r.RequeueLazy(t) {
		CheckPreemptCurr(c, r, t, selfCPU)
	}
}

// SetPolicy validates and applies a policy/priority change (spec §6
// set_policy, §7 EINVAL/EPERM). canRaiseRT models the external rlimit
// check; when false and the caller asks for an RT policy, EPERM is
// returned.
func SetPolicy(c *Core, t *task.Task, policy task.Policy, rtPrio, nice int, canRaiseRT bool, selfCPU int) error {
	if policy.IsRT() && (rtPrio < 1 || rtPrio > c.Cfg.MaxRTPrio-1) {
		return newErr(EINVAL, "rt_priority out of range for policy")
	}
	if policy.IsRT() && !canRaiseRT {
		return newErr(EPERM, "insufficient privilege to raise RT priority")
	}
	staticPrio := nice + c.Cfg.NormalPrioBuckets/2
	if staticPrio < 0 {
		staticPrio = 0
	}
	if staticPrio >= c.Cfg.NormalPrioBuckets {
		staticPrio = c.Cfg.NormalPrioBuckets - 1
	}

	r, _ := lockTaskRQ(c, t)
	if r != nil {
		defer r.Unlock()
	}

	t.Policy = policy
	t.RTPriority = rtPrio
	t.StaticPrio = staticPrio
	t.Prio = prio.EffectivePrio(t, c.Cfg)
	t.NormalPrio = prio.NormalPrio(t, c.Cfg)

	if r != nil && t.OnRQ() == task.OnRQQueued {
		if r.RequeueLazy(t) {
			CheckPreemptCurr(c, r, t, selfCPU)
		}
	}
	return nil
}

// SetAffinity updates t.CPUsMask under both t.PILock and the current RQ
// lock (spec §4.8 set_cpus_allowed, §8 scenario 5). If t is currently
// running, a stopper forces migration; if queued and its current CPU is no
// longer allowed, it is dequeued and re-enqueued onto a chosen destination.
func SetAffinity(c *Core, t *task.Task, newMask cpuset.Set, selfCPU int) error {
	if newMask.Empty() {
		return newErr(EINVAL, "empty affinity mask")
	}
	t.PILock.Lock()
	defer t.PILock.Unlock()

	cpu := t.CPU()
	if cpu < 0 {
		t.CPUsMask = newMask
		t.NrCPUsAllowed = newMask.Count()
		return nil
	}
	r := c.RQs[cpu]
	r.Lock()
	t.CPUsMask = newMask
	t.NrCPUsAllowed = newMask.Count()

	switch {
	case t.OnCPU():
		r.Unlock()
		c.Stopper.Run(cpu, func() {
			dst, err := placement.SelectTarget(t, c.Cfg, c.Topo, c.WM, c.Online(), c.NodeOf)
			if err != nil {
				return
			}
			migrateRunningTask(c, t, dst)
		})
		return nil
	case t.OnRQ() == task.OnRQQueued && !newMask.Test(cpu):
		dst, err := placement.SelectTarget(t, c.Cfg, c.Topo, c.WM, c.Online(), c.NodeOf)
		if err != nil {
			r.Unlock()
			return err
		}
		r.Dequeue(t, 0)
		r.Unlock()
		moveQueuedTask(c, t, dst)
		return nil
	default:
		r.Unlock()
		return nil
	}
}

// migrateRunningTask is invoked from inside the stopper activation on t's
// (old) CPU: it unlinks t from the source PBQ, marks t migrating, releases
// the source, and re-enqueues on dst (spec §5 lock-ordering: source
// released before destination acquired; P3 single residency: t must never
// be linked in both PBQs at once).
func migrateRunningTask(c *Core, t *task.Task, dst int) {
	src := c.RQs[t.CPU()]
	src.Lock()
	if t.OnRQ() == task.OnRQQueued {
		src.Dequeue(t, 0)
	}
	t.SetOnRQ(task.OnRQMigrating)
	src.Unlock()

	t.SetCPU(dst)

	dstRQ := c.RQs[dst]
	dstRQ.Lock()
	dstRQ.UpdateClock(0, 0)
	dstRQ.Enqueue(t, 0)
	t.SetOnRQ(task.OnRQQueued)
	CheckPreemptCurr(c, dstRQ, t, dst)
	dstRQ.Unlock()
}

// moveQueuedTask enqueues an already-dequeued, not-currently-running task
// onto dst (used by SetAffinity's queued-task branch).
func moveQueuedTask(c *Core, t *task.Task, dst int) {
	t.SetOnRQ(task.OnRQMigrating)
	t.SetCPU(dst)
	dstRQ := c.RQs[dst]
	dstRQ.Lock()
	dstRQ.UpdateClock(0, 0)
	dstRQ.Enqueue(t, 0)
	t.SetOnRQ(task.OnRQQueued)
	CheckPreemptCurr(c, dstRQ, t, dst)
	dstRQ.Unlock()
}
