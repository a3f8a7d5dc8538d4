// Package placement implements the task-placement policy: given a task,
// pick a target CPU using the watermark index and topology (spec §4.5),
// ported from bmq.c's select_task_rq.
package placement

import (
	"errors"

	"bmqsched/internal/sched/config"
	"bmqsched/internal/sched/cpuset"
	"bmqsched/internal/sched/prio"
	"bmqsched/internal/sched/task"
	"bmqsched/internal/sched/topology"
)

// ErrNoCPU is returned when no CPU can be found even after the full
// fallback escalation (spec §4.5.1: "fail hard, configuration bug").
var ErrNoCPU = errors.New("placement: no online CPU allowed for task")

// WatermarkIndex is the subset of watermark.Index SelectTarget needs,
// narrowed so tests can supply a fake.
type WatermarkIndex interface {
	FindFirstLevel() (level int, ok bool)
	FindNextLevel(start int) (level int, ok bool)
	LevelMask(level int) cpuset.Set
}

// NodeOf maps a CPU to its NUMA node, for the §4.5.1 same-node-first
// fallback probe. May be nil if the host doesn't model NUMA.
type NodeOf func(cpu int) int

// SelectTarget picks a target CPU for t (spec §4.5). allowed∩online is
// computed by the caller's online set; watermark levels below t's own are
// scanned for a lighter CPU that could preempt for it, falling back to
// best_mask_cpu over the full allowed set.
func SelectTarget(t *task.Task, cfg config.Config, topo *topology.Topology, wm WatermarkIndex, online cpuset.Set, nodeOf NodeOf) (int, error) {
	allowed := cpuset.And(t.CPUsMask, online)
	if allowed.Empty() {
		return fallback(t, online, nodeOf)
	}

	bucket := prio.SchedPrio(t, cfg)
	lPreempt := cfg.IdleBucket() - bucket + 1

	level, ok := wm.FindFirstLevel()
	for ok && level < lPreempt {
		inter := cpuset.And(allowed, wm.LevelMask(level))
		if !inter.Empty() {
			return topology.BestMaskCPU(topo, t.CPU(), inter), nil
		}
		level, ok = wm.FindNextLevel(level + 1)
	}

	return topology.BestMaskCPU(topo, t.CPU(), allowed), nil
}

// fallback implements §4.5.1's escalation ladder once the caller has
// already established that no CPU is both online and in t.CPUsMask: same
// NUMA node first, then any online CPU at all, else fail hard. Both probes
// necessarily override t.CPUsMask rather than honor it — by the time
// fallback runs, the mask has already been proven to exclude every online
// CPU, so a probe that still intersected with it could never match
// (select_fallback_rq's real behavior: once cpuset/affinity can't be
// satisfied, the kernel widens the search rather than keep checking it).
func fallback(t *task.Task, online cpuset.Set, nodeOf NodeOf) (int, error) {
	if nodeOf != nil && t.CPU() >= 0 {
		node := nodeOf(t.CPU())
		for c := online.First(); c >= 0; c = online.Next(c) {
			if nodeOf(c) == node {
				return c, nil
			}
		}
	}
	if c := online.First(); c >= 0 {
		return c, nil
	}
	return 0, ErrNoCPU
}
