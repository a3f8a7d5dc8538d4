// Package pbq implements the priority bitmap queue: a fixed array of
// intrusive FIFO lists plus a bitmap of which buckets are non-empty,
// providing O(1) enqueue/dequeue/first (spec §4.1).
//
// The bitmap borrows the revolving bucket queue's nonEmptyMask scan (words +
// math/bits.TrailingZeros64) but is a plain []uint64 with no atomics or CAS;
// the intrusive bucket lists use container/list so a task's stored
// *list.Element (Task.SchedNode) supports O(1) removal from an arbitrary
// position, something no list type in the example pack exposes through its
// public API.
package pbq

import (
	"container/list"
	"math/bits"

	"bmqsched/internal/sched/task"
)

const wordBits = 64

// PBQ is a per-CPU ordered multi-queue of runnable tasks indexed by
// effective priority bucket.
type PBQ struct {
	numBuckets int
	idleBucket int
	heads      []list.List
	bitmap     []uint64 // word-packed, bit i set iff heads[i] non-empty
}

// New returns an empty PBQ with numBuckets buckets; idleBucket is the
// reserved idle-task bucket (numBuckets-1 in practice).
func New(numBuckets, idleBucket int) *PBQ {
	q := &PBQ{
		numBuckets: numBuckets,
		idleBucket: idleBucket,
		heads:      make([]list.List, numBuckets),
		bitmap:     make([]uint64, (numBuckets+wordBits-1)/wordBits),
	}
	for i := range q.heads {
		q.heads[i].Init()
	}
	return q
}

// InitWithIdle links idle permanently into the idle bucket (§4.1
// init-with-idle, invariant I6). idle never migrates and is never removed.
func (q *PBQ) InitWithIdle(idle *task.Task) {
	idle.SchedNode = q.heads[q.idleBucket].PushBack(idle)
	idle.QueueIdx = q.idleBucket
	q.setBit(q.idleBucket)
}

func (q *PBQ) setBit(idx int) { q.bitmap[idx/wordBits] |= 1 << uint(idx%wordBits) }
func (q *PBQ) clearBit(idx int) {
	q.bitmap[idx/wordBits] &^= 1 << uint(idx%wordBits)
}
func (q *PBQ) testBit(idx int) bool {
	return q.bitmap[idx/wordBits]&(1<<uint(idx%wordBits)) != 0
}

// Insert appends t to bucket idx, applying the bucket-0 RT tie-break: insert
// in ascending Prio order, appending on ties so RR/FIFO semantics are
// preserved within equal priority (§4.1).
func (q *PBQ) Insert(t *task.Task, idx int) {
	bucket := &q.heads[idx]
	if idx != 0 {
		t.SchedNode = bucket.PushBack(t)
	} else {
		var at *list.Element
		for e := bucket.Front(); e != nil; e = e.Next() {
			if e.Value.(*task.Task).Prio > t.Prio {
				at = e
				break
			}
		}
		if at == nil {
			t.SchedNode = bucket.PushBack(t)
		} else {
			t.SchedNode = bucket.InsertBefore(t, at)
		}
	}
	t.QueueIdx = idx
	q.setBit(idx)
}

// Remove unlinks t from its bucket, clearing the bucket's bit if it becomes
// empty (I4).
func (q *PBQ) Remove(t *task.Task) {
	bucket := &q.heads[t.QueueIdx]
	bucket.Remove(t.SchedNode)
	t.SchedNode = nil
	if bucket.Len() == 0 {
		q.clearBit(t.QueueIdx)
	}
}

// First returns the head of the lowest non-empty bucket. Caller guarantees
// the bitmap is not all zero (the idle task ensures this once initialized).
func (q *PBQ) First() *task.Task {
	idx := q.findFirstBit()
	return q.heads[idx].Front().Value.(*task.Task)
}

// FirstBucket returns the index of the lowest non-empty bucket.
func (q *PBQ) FirstBucket() int { return q.findFirstBit() }

// Next returns the successor of t: the next task in the same bucket, or the
// head of the next non-empty bucket.
func (q *PBQ) Next(t *task.Task) *task.Task {
	if e := t.SchedNode.Next(); e != nil {
		return e.Value.(*task.Task)
	}
	idx := q.findNextBit(t.QueueIdx + 1)
	return q.heads[idx].Front().Value.(*task.Task)
}

// BitSet reports whether bucket idx is marked non-empty (exposed for P1
// property tests).
func (q *PBQ) BitSet(idx int) bool { return q.testBit(idx) }

// BucketLen reports the number of tasks linked in bucket idx (exposed for
// tests and migration batch sizing).
func (q *PBQ) BucketLen(idx int) int { return q.heads[idx].Len() }

// Bucket returns the tasks in bucket idx in FIFO order, for walking the
// queue during migration (§4.8).
func (q *PBQ) Bucket(idx int) []*task.Task {
	bucket := &q.heads[idx]
	out := make([]*task.Task, 0, bucket.Len())
	for e := bucket.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*task.Task))
	}
	return out
}

func (q *PBQ) findFirstBit() int {
	for i, w := range q.bitmap {
		if w == 0 {
			continue
		}
		return i*wordBits + bits.TrailingZeros64(w)
	}
	return q.numBuckets
}

func (q *PBQ) findNextBit(start int) int {
	if start >= q.numBuckets {
		return q.numBuckets
	}
	wi := start / wordBits
	w := q.bitmap[wi] &^ ((uint64(1) << uint(start%wordBits)) - 1)
	if w != 0 {
		return wi*wordBits + bits.TrailingZeros64(w)
	}
	for i := wi + 1; i < len(q.bitmap); i++ {
		if q.bitmap[i] != 0 {
			return i*wordBits + bits.TrailingZeros64(q.bitmap[i])
		}
	}
	return q.numBuckets
}
