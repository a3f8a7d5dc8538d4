// Package topology builds, once at start-of-day (or on hotplug), the
// per-CPU ordered proximity masks the placement engine and balancer walk
// outward through: SMT siblings, LLC/core-group peers, die peers, then all
// other online CPUs (spec §4.4).
package topology

import (
	"bmqsched/internal/sched/config"
	"bmqsched/internal/sched/cpuset"
)

// Topology holds, for every CPU, an ordered list of masks in proximity
// order.
type Topology struct {
	numCPUs int
	levels  [][]cpuset.Set // levels[cpu] = ordered masks, nearest first
	smt     []cpuset.Set   // smt[cpu] = SMT sibling group including self
	hasSMT  bool
}

// Build constructs a Topology from a declarative CPU descriptor list. Real
// topology discovery is host-specific (no portable, non-cgo way to read
// SMT/LLC/NUMA topology appears anywhere in the example pack); callers
// supply it the same way the demo CLI and tests do.
func Build(descs []config.CPUDescriptor) *Topology {
	n := len(descs)
	smtOf := make([]int, n)
	llcOf := make([]int, n)
	dieOf := make([]int, n)
	hasSMT := false
	for i, d := range descs {
		smtOf[i] = d.SMT
		llcOf[i] = d.LLC
		dieOf[i] = d.Die
		if d.HasSMT {
			hasSMT = true
		}
	}

	t := &Topology{numCPUs: n, levels: make([][]cpuset.Set, n), smt: make([]cpuset.Set, n), hasSMT: hasSMT}

	groupMask := func(key func(int) int, cpu int) cpuset.Set {
		s := cpuset.New(n)
		for j := 0; j < n; j++ {
			if j != cpu && key(j) == key(cpu) {
				s.Set(j)
			}
		}
		return s
	}

	all := cpuset.New(n)
	for c := 0; c < n; c++ {
		all.Set(c)
	}

	for c := 0; c < n; c++ {
		smtMask := groupMask(func(j int) int { return smtOf[j] }, c)
		selfAndSMT := smtMask.Clone()
		selfAndSMT.Set(c)
		t.smt[c] = selfAndSMT

		llcMask := groupMask(func(j int) int { return llcOf[j] }, c)
		dieMask := groupMask(func(j int) int { return dieOf[j] }, c)
		others := cpuset.AndNot(all, cpuset.Of(n, c))

		t.levels[c] = []cpuset.Set{smtMask, llcMask, dieMask, others}
	}
	return t
}

// NumCPUs returns the CPU count.
func (t *Topology) NumCPUs() int { return t.numCPUs }

// HasSMT reports whether any CPUDescriptor passed to Build set HasSMT; CPUs
// that merely share an SMT id do not turn it on.
func (t *Topology) HasSMT() bool { return t.hasSMT }

// SMTGroup returns the SMT sibling mask of cpu, including cpu itself.
func (t *Topology) SMTGroup(cpu int) cpuset.Set { return t.smt[cpu] }

// SMTGroups returns the full per-CPU SMT-group slice, for wiring into
// watermark.New.
func (t *Topology) SMTGroups() []cpuset.Set {
	if !t.hasSMT {
		return nil
	}
	return t.smt
}

// Levels returns the ordered proximity masks for cpu (SMT, LLC, die,
// others), nearest first.
func (t *Topology) Levels(cpu int) []cpuset.Set { return t.levels[cpu] }

// BestMaskCPU returns the closest member of candidates to from: from itself
// if it is a member, else the first candidate found walking outward through
// from's topology levels (spec §4.4, ported from bmq.c's best_mask_cpu). from
// may be -1 (a freshly forked task has never run anywhere); in that case
// there is no proximity to rank by and the lowest-numbered candidate wins.
func BestMaskCPU(t *Topology, from int, candidates cpuset.Set) int {
	if from < 0 {
		return candidates.First()
	}
	if candidates.Test(from) {
		return from
	}
	for _, level := range t.levels[from] {
		inter := cpuset.And(level, candidates)
		if c := inter.First(); c >= 0 {
			return c
		}
	}
	return candidates.First()
}
