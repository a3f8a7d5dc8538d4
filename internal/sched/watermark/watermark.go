// Package watermark implements the process-wide watermark index: one CPU
// mask per priority level, advertising which CPUs currently admit a task of
// at most that priority, plus a bitmap of which levels are non-empty
// (spec §4.3). Writes are serialized per-CPU by that CPU's RQ lock; reads
// are lock-free and tolerate staleness (§5).
package watermark

import (
	"math/bits"
	"sync/atomic"

	"bmqsched/internal/sched/cpuset"
)

// IdleWM is the "fully idle" level marker (bmq.c's IDLE_WM).
const IdleWM = 1

// Index is the global watermark index.
type Index struct {
	numCPUs int
	levels  []cpuset.AtomicSet // one mask per level
	top     []atomic.Uint64

	// smtGroups maps a CPU to its SMT sibling mask (including self), used
	// to maintain the level-0 "sibling-group idle" mask.
	smtGroups []cpuset.Set
	hasSMT    bool

	prevLevel []atomic.Int32 // last advertised level per CPU, for advertise()'s diff
}

// New builds an index with numLevels levels over a numCPUs-CPU universe.
// smtGroups may be nil if the topology has no SMT.
func New(numCPUs, numLevels int, smtGroups []cpuset.Set) *Index {
	idx := &Index{
		numCPUs:   numCPUs,
		levels:    make([]cpuset.AtomicSet, numLevels),
		top:       make([]atomic.Uint64, (numLevels+63)/64),
		smtGroups: smtGroups,
		prevLevel: make([]atomic.Int32, numCPUs),
	}
	for i := range idx.levels {
		idx.levels[i] = cpuset.NewAtomic(numCPUs)
	}
	for c := range idx.prevLevel {
		idx.prevLevel[c].Store(-1)
	}
	idx.hasSMT = smtGroups != nil
	return idx
}

func (idx *Index) setTop(level int) {
	w, b := level/64, uint(level%64)
	for {
		old := idx.top[w].Load()
		n := old | (1 << b)
		if old == n || idx.top[w].CompareAndSwap(old, n) {
			return
		}
	}
}

func (idx *Index) clearTop(level int) {
	w, b := level/64, uint(level%64)
	for {
		old := idx.top[w].Load()
		n := old &^ (1 << b)
		if old == n || idx.top[w].CompareAndSwap(old, n) {
			return
		}
	}
}

// Advertise is called by an RQ when its min-priority bucket's watermark
// level changes. It clears cpu from the old level's mask (clearing the
// level's top bit if it becomes empty) and sets cpu in the new level's mask.
// If the CPU just became idle and its entire SMT sibling group is now idle,
// it additionally sets the distinguished "sibling-group idle" level-0 mask;
// leaving idle clears cpu's whole sibling group from level 0 (§4.3). Only the owning CPU
// ever calls Advertise(cpu, ...) for its own cpu, per spec's single-writer
// rule; the SMT-group level-0 maintenance below touches bits belonging to
// sibling CPUs too, which is why level masks use cpuset.AtomicSet.
func (idx *Index) Advertise(cpu, levelNew int) {
	levelOld := int(idx.prevLevel[cpu].Swap(int32(levelNew)))
	if levelOld == levelNew {
		return
	}
	if levelOld >= 0 {
		idx.levels[levelOld].Clear(cpu)
		if idx.levels[levelOld].Snapshot().Empty() {
			idx.clearTop(levelOld)
		}
	}
	idx.levels[levelNew].Set(cpu)
	idx.setTop(levelNew)

	if !idx.hasSMT {
		return
	}
	smt := idx.smtGroups[cpu]

	if levelOld == IdleWM {
		if idx.levels[0].ClearMask(smt) {
			idx.clearTop(0)
		}
	}
	if levelNew == IdleWM {
		and := cpuset.And(smt, idx.levels[IdleWM].Snapshot())
		if cpuset.Equal(and, smt) {
			idx.levels[0].SetMask(smt)
			idx.setTop(0)
		}
	}
}

// FindFirstLevel returns the lowest non-empty level (bmq_find_first_bit).
func (idx *Index) FindFirstLevel() (level int, ok bool) {
	return idx.findNextLevel(0)
}

// FindNextLevel returns the lowest non-empty level >= start
// (bmq_find_next_bit), for the placement engine's scan-while-below-boundary
// loop (spec §4.5, ported from bmq.c's select_task_rq).
func (idx *Index) FindNextLevel(start int) (level int, ok bool) {
	return idx.findNextLevel(start)
}

func (idx *Index) findNextLevel(start int) (int, bool) {
	if start < 0 {
		start = 0
	}
	wi := start / 64
	if wi >= len(idx.top) {
		return 0, false
	}
	word := idx.top[wi].Load() &^ ((uint64(1) << uint(start%64)) - 1)
	if word != 0 {
		return wi*64 + bits.TrailingZeros64(word), true
	}
	for w := wi + 1; w < len(idx.top); w++ {
		if word := idx.top[w].Load(); word != 0 {
			return w*64 + bits.TrailingZeros64(word), true
		}
	}
	return 0, false
}

// LevelMask returns the CPU mask advertised at the given level.
func (idx *Index) LevelMask(level int) cpuset.Set { return idx.levels[level].Snapshot() }

// Level returns the level currently advertised for cpu, or -1 if none yet.
func (idx *Index) Level(cpu int) int { return int(idx.prevLevel[cpu].Load()) }
