package core

import (
	"bmqsched/internal/sched/balance"
	"bmqsched/internal/sched/config"
	"bmqsched/internal/sched/prio"
	"bmqsched/internal/sched/rq"
	"bmqsched/internal/sched/task"
)

// ChooseNext picks the next task to run on r (spec §4.6 choose_next):
// honors the yield skip hint, and if the natural choice is idle, attempts a
// pull from a loaded sibling CPU before settling for idle.
func ChooseNext(c *Core, r *rq.RQ) *task.Task {
	next := r.PBQ().First()
	if skip := r.Skip(); skip != nil && next == skip {
		next = r.PBQ().Next(next)
		r.SetSkip(nil)
	}

	if next == r.Idle() && r.Online() {
		if moved := balance.PullOnIdle(c.RQs, r, c.Pending, c.Topo, c.Cfg); moved {
			next = r.PBQ().First()
		}
	}
	return next
}

// CheckCurr accounts runtime for rq's current task and, if its timeslice is
// exhausted, refills it, deboosts it unless it is RR (prio.Deboost also
// leaves every other RT task alone), and, if it is queued, requeues it
// behind its equal-priority peers (spec §4.6, "update_curr"/expiry
// handling, §8 scenario 6).
func CheckCurr(c *Core, r *rq.RQ, p *task.Task, selfCPU int) {
	if p == r.Idle() {
		return
	}
	r.UpdateCurr(p)

	if p.TimeSliceNS >= c.Cfg.ReschedNS {
		return
	}

	p.TimeSliceNS = c.Cfg.TimesliceNS
	if p.Policy != task.RR {
		prio.Deboost(p, c.Cfg)
	}
	if p.OnRQ() == task.OnRQQueued {
		r.Requeue(p)
	}
	resched(c, r, selfCPU)
}

// Schedule is the main scheduler entry point (spec §4.6 schedule()),
// invoked on cpu with preemption conceptually disabled (the caller must not
// re-enter Schedule for the same CPU concurrently). voluntaryBlock
// indicates prev is blocking rather than being preempted; signalCancels
// models "a pending signal cancels the sleep". Returns the task the caller
// should now run (possibly prev again, unchanged).
func Schedule(c *Core, cpu int, prev *task.Task, voluntaryBlock, signalCancels bool) *task.Task {
	r := c.RQs[cpu]
	r.Lock()

	r.UpdateClock(0, 0)

	if voluntaryBlock && prev.State() != task.StateRunning {
		if signalCancels {
			prev.SetState(task.StateRunning)
		} else {
			prio.Boost(prev, c.Cfg, r.SwitchTimeNS())
			deactivate(r, prev)
		}
	}

	r.ClearNeedResched()
	CheckCurr(c, r, prev, cpu)

	next := ChooseNext(c, r)

	if next != prev {
		r.SetCurrent(next)
		next.SetOnCPU(true)
		next.LastRanNS = r.ClockTaskNS()
		next.LastSwitchTS = r.ClockNS()
		r.RecordSwitch()
		prev.SetOnCPU(false)
	}
	r.Unlock()

	if c.Stopper != nil {
		balance.SGBalanceCheck(c.RQs, cpu, c.WM, c.Topo, c.Stopper)
	}
	return next
}

// deactivate removes prev from the runqueue on a voluntary block (spec §4.6
// step 3): increments nr_uninterruptible if applicable, dequeues, clears
// on_rq.
func deactivate(r *rq.RQ, prev *task.Task) {
	if prev.OnRQ() != task.OnRQQueued {
		return
	}
	flags := rq.DequeueFlags(0)
	if prev.State() == task.StateUninterruptibleSleep {
		flags |= rq.DequeueSleep
	}
	r.Dequeue(prev, flags)
	prev.SetOnRQ(task.OnRQOff)
}

// SchedulerTick is invoked by the timer interrupt at fixed HZ (spec §6). It
// accounts runtime for the current task and requests a reschedule once its
// timeslice is below RESCHED_NS (spec §4.6 scheduler_task_tick).
func SchedulerTick(c *Core, cpu int) {
	r := c.RQs[cpu]
	r.Lock()
	defer r.Unlock()

	r.UpdateClock(0, 0)
	p := r.Current()
	if p == r.Idle() {
		return
	}
	r.UpdateCurr(p)
	if p.TimeSliceNS < c.Cfg.ReschedNS {
		resched(c, r, cpu)
	}
}

// YieldCurrent implements yield_current per the configured yield_type
// (spec §6, §8 scenario 3).
func YieldCurrent(c *Core, cpu int) {
	r := c.RQs[cpu]
	r.Lock()
	defer r.Unlock()

	p := r.Current()
	if p == r.Idle() {
		return
	}

	switch c.Cfg.YieldType {
	case config.YieldNoop:
		return
	case config.YieldSetSkip:
		r.SetSkip(p)
	default: // config.YieldDeboostRequeue
		// A hard reset to the most-deboosted end, not the timeslice-expiry
		// +1 step prio.Deboost applies (bmq.c:4535-4539, do_sched_yield's
		// 1 == sched_yield_type branch).
		p.BoostPrio = c.Cfg.MaxAdj
		if p.OnRQ() == task.OnRQQueued {
			r.Requeue(p)
		}
	}
}
