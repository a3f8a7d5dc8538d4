// Package prio computes effective priorities and PBQ bucket indices, and
// implements the boost/deboost interactivity heuristic (spec §4.6), ported
// from bmq.c's task_sched_prio/boost_task/deboost_task.
package prio

import (
	"bmqsched/internal/sched/config"
	"bmqsched/internal/sched/task"
)

// NormalPrio computes normal_prio from policy/static/rt_priority,
// independent of PI boosting (spec §4.6): MaxRTPrio-1-RTPriority for RT
// tasks, MaxRTPrio+StaticPrio+MaxAdj otherwise.
func NormalPrio(t *task.Task, cfg config.Config) int {
	if t.Policy.IsRT() {
		return cfg.MaxRTPrio - 1 - t.RTPriority
	}
	return cfg.MaxRTPrio + t.StaticPrio + cfg.MaxAdj
}

// EffectivePrio returns the prio a task should run at: its own NormalPrio,
// unless a priority-inheritance donor is more urgent (spec §6
// pi_effective_prio, §8 scenario 2).
func EffectivePrio(t *task.Task, cfg config.Config) int {
	normal := NormalPrio(t, cfg)
	if t.DonorPrio >= 0 && t.DonorPrio < normal {
		return t.DonorPrio
	}
	return normal
}

// SchedPrio computes the PBQ bucket index for a task's current Prio
// (invariant I3): RT tasks always fold to bucket 0; non-RT tasks fold
// boost_prio in, clamped to the valid non-idle bucket range.
func SchedPrio(t *task.Task, cfg config.Config) int {
	if t.Prio < cfg.MaxRTPrio {
		return 0
	}
	idx := t.Prio - cfg.MaxRTPrio + t.BoostPrio
	maxIdx := cfg.IdleBucket() - 1
	if idx < 0 {
		idx = 0
	}
	if idx > maxIdx {
		idx = maxIdx
	}
	return idx
}

// policyFloor returns the lowest (most-boosted) boost_prio a policy may
// reach; RT tasks are excluded from boosting entirely.
func policyFloor(p task.Policy, maxAdj int) (floor int, ok bool) {
	switch p {
	case task.Normal:
		return -maxAdj, true
	case task.Batch, task.IdlePolicy:
		return 0, true
	default:
		return 0, false
	}
}

// boostThreshold is the run-streak length below which a task may boost
// further: more-boosted tasks need a shorter streak (spec §4.6).
func boostThreshold(timesliceNS int64, maxAdj, boostPrio int) int64 {
	shift := 10 - maxAdj - boostPrio
	if shift <= 0 {
		return timesliceNS << uint(-shift)
	}
	return timesliceNS >> uint(shift)
}

// Boost applies the blocking-descheduled boost: if the task held the CPU
// only briefly since its last dispatch, it becomes more urgent. Only
// non-RT, non-RR tasks are eligible (RR is excluded like all RT policies).
func Boost(t *task.Task, cfg config.Config, switchTimeNS int64) {
	if t.Policy.IsRT() {
		return
	}
	floor, ok := policyFloor(t.Policy, cfg.MaxAdj)
	if !ok {
		return
	}
	if t.BoostPrio > floor && switchTimeNS < boostThreshold(cfg.TimesliceNS, cfg.MaxAdj, t.BoostPrio) {
		t.BoostPrio--
	}
}

// Deboost applies the timeslice-exhaustion deboost (spec §4.6). RT policies
// (RR included, spec §8 scenario 6) are exempt.
func Deboost(t *task.Task, cfg config.Config) {
	if t.Policy.IsRT() {
		return
	}
	if t.BoostPrio < cfg.MaxAdj {
		t.BoostPrio++
	}
}
