// Package balance implements the pull-on-idle migration and the SMT
// active-balance trigger (spec §4.8), ported from bmq.c's idle-pull loop
// and sg_balance_check/active_load_balance_cpu_stop.
package balance

import (
	"bmqsched/internal/sched/config"
	"bmqsched/internal/sched/cpuset"
	"bmqsched/internal/sched/rq"
	"bmqsched/internal/sched/stopper"
	"bmqsched/internal/sched/task"
	"bmqsched/internal/sched/topology"
	"bmqsched/internal/sched/watermark"
)

// PullOnIdle is called from ChooseNext when the natural choice for dst is
// its idle task. dst's lock is already held by the caller; this walks dst's
// topology masks intersected with the pending mask, try-locking each
// candidate source RQ (single-depth nested, never blocking — a contended
// source is simply skipped, spec §5 suspension points). Returns whether any
// task was moved.
func PullOnIdle(rqs []*rq.RQ, dst *rq.RQ, pending *cpuset.AtomicSet, topo *topology.Topology, cfg config.Config) bool {
	pendingSet := pending.Snapshot()
	for _, level := range topo.Levels(dst.CPU) {
		candidates := cpuset.And(level, pendingSet)
		for c := candidates.First(); c >= 0; c = candidates.Next(c) {
			src := rqs[c]
			if !src.TryLock() {
				continue
			}
			moved := migrateBatch(src, dst, cfg)
			src.Unlock()
			if moved {
				return true
			}
		}
	}
	return false
}

// migrateBatch walks src's PBQ in priority order and moves at most
// min(ceil(src.nr_running/2), MigrationCap) eligible tasks onto dst (spec
// §4.8, §8 scenario 4). Both src and dst locks are held by the caller.
func migrateBatch(src, dst *rq.RQ, cfg config.Config) bool {
	limit := (src.NrRunning() + 1) / 2
	if limit > cfg.MigrationCap {
		limit = cfg.MigrationCap
	}
	if limit <= 0 {
		return false
	}

	candidates := collectMigratable(src, dst.CPU, limit)
	if len(candidates) == 0 {
		return false
	}

	for _, t := range candidates {
		src.Dequeue(t, 0)
		t.SetCPU(dst.CPU)
		dst.Enqueue(t, rq.EnqueueWakeup)
	}
	return true
}

// collectMigratable walks src's PBQ priority-ordered, skipping the running
// task, per-CPU kernel threads, single-affinity tasks, and anything not
// permitted on dstCPU, stopping once limit tasks are found.
func collectMigratable(src *rq.RQ, dstCPU, limit int) []*task.Task {
	out := make([]*task.Task, 0, limit)
	t := firstNonIdle(src)
	for t != nil && len(out) < limit {
		next := src.PBQ().Next(t)
		if next == t {
			next = nil
		}
		if eligible(src, t, dstCPU) {
			out = append(out, t)
		}
		t = advance(src, t, next)
	}
	return out
}

func firstNonIdle(src *rq.RQ) *task.Task {
	t := src.PBQ().First()
	if t == src.Idle() {
		return nil
	}
	return t
}

// advance steps to the next task in src's PBQ walk, stopping at idle.
func advance(src *rq.RQ, cur *task.Task, precomputedNext *task.Task) *task.Task {
	n := precomputedNext
	if n == nil {
		n = src.PBQ().Next(cur)
	}
	if n == src.Idle() || n == cur {
		return nil
	}
	return n
}

func eligible(src *rq.RQ, t *task.Task, dstCPU int) bool {
	if t == src.Current() {
		return false
	}
	if t.IsPerCPUKthread || t.NrCPUsAllowed == 1 {
		return false
	}
	return t.CPUsMask.Test(dstCPU)
}

// SGBalanceCheck implements the SMT active-balance trigger: after each
// context switch, if this CPU just went idle while a sibling is still
// running a movable task, it force-migrates that task via the stopper
// (spec §4.8 SMT active-balance). watermark's level-0 mask tracks "entire
// group simultaneously idle" and so can't gate this check: that condition
// is mutually exclusive with the busy-sibling scan below.
func SGBalanceCheck(rqs []*rq.RQ, cpu int, wm *watermark.Index, topo *topology.Topology, st stopper.Stopper) {
	if !topo.HasSMT() {
		return
	}
	if wm.Level(cpu) != watermark.IdleWM {
		return
	}

	group := topo.SMTGroup(cpu)
	for sib := group.First(); sib >= 0; sib = group.Next(sib) {
		sibRQ := rqs[sib]
		if wm.Level(sib) == watermark.IdleWM {
			continue
		}
		sibRQ.Lock()
		curr := sibRQ.Current()
		movable := curr != sibRQ.Idle() && !curr.IsPerCPUKthread && curr.NrCPUsAllowed > 1 && curr.CPUsMask.Test(cpu)
		sibRQ.Unlock()
		if !movable {
			continue
		}

		st.Run(sib, func() {
			activeBalanceStop(rqs, sib, cpu)
		})
		return
	}
}

// activeBalanceStop runs inside the stopper activation on the source CPU:
// re-validates curr is still running and movable, then migrates it to the
// idle target (bmq.c's active_load_balance_cpu_stop).
func activeBalanceStop(rqs []*rq.RQ, srcCPU, dstCPU int) {
	src := rqs[srcCPU]
	src.Lock()
	curr := src.Current()
	if curr == src.Idle() || curr.IsPerCPUKthread || curr.NrCPUsAllowed == 1 || !curr.CPUsMask.Test(dstCPU) {
		src.Unlock()
		return
	}
	if curr.OnRQ() != task.OnRQQueued {
		src.Unlock()
		return
	}
	src.Dequeue(curr, 0)
	curr.SetOnRQ(task.OnRQMigrating)
	src.Unlock()

	curr.SetCPU(dstCPU)
	dst := rqs[dstCPU]
	dst.Lock()
	dst.UpdateClock(0, 0)
	dst.Enqueue(curr, rq.EnqueueWakeup)
	curr.SetOnRQ(task.OnRQQueued)
	dst.Unlock()
}
