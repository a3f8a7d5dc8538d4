// Package cpuset implements a fixed-universe CPU bitmask, the currency the
// scheduler core uses for cpus_mask, the pending mask and watermark masks.
package cpuset

import (
	"math/bits"
	"sync/atomic"
)

const wordBits = 64

// Set is a fixed-size CPU bitmask backed by a small word array. Zero value is
// the empty set. Set is not safe for concurrent mutation; callers serialize
// writes under whatever lock owns the set (an RQ lock, typically) and may
// read lock-free (stale reads are tolerated by every consumer in this
// package, per the watermark/pending-mask design).
type Set struct {
	words []uint64
	n     int // universe size in bits
}

// New returns an empty set over CPUs [0, n).
func New(n int) Set {
	return Set{words: make([]uint64, (n+wordBits-1)/wordBits), n: n}
}

// Len returns the universe size this set was constructed with.
func (s Set) Len() int { return s.n }

// Set marks cpu as a member.
func (s *Set) Set(cpu int) {
	s.words[cpu/wordBits] |= 1 << uint(cpu%wordBits)
}

// Clear removes cpu from the set.
func (s *Set) Clear(cpu int) {
	s.words[cpu/wordBits] &^= 1 << uint(cpu%wordBits)
}

// Test reports whether cpu is a member.
func (s Set) Test(cpu int) bool {
	return s.words[cpu/wordBits]&(1<<uint(cpu%wordBits)) != 0
}

// Empty reports whether no CPU is set.
func (s Set) Empty() bool {
	for _, w := range s.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of member CPUs (nr_cpus_allowed).
func (s Set) Count() int {
	c := 0
	for _, w := range s.words {
		c += bits.OnesCount64(w)
	}
	return c
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	w := make([]uint64, len(s.words))
	copy(w, s.words)
	return Set{words: w, n: s.n}
}

// And returns the intersection of a and b.
func And(a, b Set) Set {
	out := New(a.n)
	for i := range out.words {
		out.words[i] = a.words[i] & b.words[i]
	}
	return out
}

// AndNot returns a with every bit in b cleared.
func AndNot(a, b Set) Set {
	out := New(a.n)
	for i := range out.words {
		out.words[i] = a.words[i] &^ b.words[i]
	}
	return out
}

// Or returns the union of a and b.
func Or(a, b Set) Set {
	out := New(a.n)
	for i := range out.words {
		out.words[i] = a.words[i] | b.words[i]
	}
	return out
}

// Equal reports whether a and b have identical membership.
func Equal(a, b Set) bool {
	for i := range a.words {
		if a.words[i] != b.words[i] {
			return false
		}
	}
	return true
}

// Subset reports whether every member of sub is also a member of of.
func Subset(sub, of Set) bool {
	for i := range sub.words {
		if sub.words[i]&^of.words[i] != 0 {
			return false
		}
	}
	return true
}

// First returns the lowest-numbered member CPU, or -1 if empty.
func (s Set) First() int {
	for i, w := range s.words {
		if w == 0 {
			continue
		}
		return i*wordBits + bits.TrailingZeros64(w)
	}
	return -1
}

// Next returns the lowest-numbered member CPU strictly greater than cpu, or
// -1 if none.
func (s Set) Next(cpu int) int {
	start := cpu + 1
	if start >= s.n {
		return -1
	}
	wi := start / wordBits
	// mask off bits below start within the starting word.
	w := s.words[wi] &^ ((uint64(1) << uint(start%wordBits)) - 1)
	if w != 0 {
		return wi*wordBits + bits.TrailingZeros64(w)
	}
	for i := wi + 1; i < len(s.words); i++ {
		if s.words[i] != 0 {
			return i*wordBits + bits.TrailingZeros64(s.words[i])
		}
	}
	return -1
}

// Members returns the set's CPUs in ascending order. Intended for tests and
// debug output, not hot paths.
func (s Set) Members() []int {
	out := make([]int, 0, s.Count())
	for c := s.First(); c >= 0; c = s.Next(c) {
		out = append(out, c)
	}
	return out
}

// Of builds a set containing exactly the given CPUs.
func Of(n int, cpus ...int) Set {
	s := New(n)
	for _, c := range cpus {
		s.Set(c)
	}
	return s
}

// AtomicSet is a CPU bitmask whose bits may be set/cleared concurrently from
// different CPUs' goroutines (two CPUs' bits can share the same 64-bit
// word). Mutation uses a CAS retry loop, the same idiom the watermark
// index's top-level bitmap and azargarov-wpool's nonEmptyMask use. Reads are
// plain atomic loads snapshotted into an ordinary Set — callers accept the
// same staleness the spec's lock-free watermark/pending-mask readers do.
type AtomicSet struct {
	words []atomic.Uint64
	n     int
}

// NewAtomic returns an empty atomic set over CPUs [0, n).
func NewAtomic(n int) AtomicSet {
	return AtomicSet{words: make([]atomic.Uint64, (n+wordBits-1)/wordBits), n: n}
}

// Set marks cpu as a member, racing safely with concurrent Set/Clear calls
// for other CPUs in the same word.
func (s *AtomicSet) Set(cpu int) {
	w, b := cpu/wordBits, uint(cpu%wordBits)
	for {
		old := s.words[w].Load()
		n := old | (1 << b)
		if old == n || s.words[w].CompareAndSwap(old, n) {
			return
		}
	}
}

// Clear removes cpu from the set.
func (s *AtomicSet) Clear(cpu int) {
	w, b := cpu/wordBits, uint(cpu%wordBits)
	for {
		old := s.words[w].Load()
		n := old &^ (1 << b)
		if old == n || s.words[w].CompareAndSwap(old, n) {
			return
		}
	}
}

// ClearMask removes every CPU in mask from s, returning whether the
// whole of s is empty afterwards. Used by the watermark index's SMT-group
// level-0 maintenance (§4.3), mirroring cpumask_andnot's "did it go empty"
// return.
func (s *AtomicSet) ClearMask(mask Set) (becameEmpty bool) {
	for _, c := range mask.Members() {
		s.Clear(c)
	}
	return s.Snapshot().Empty()
}

// SetMask adds every CPU in mask to s.
func (s *AtomicSet) SetMask(mask Set) {
	for _, c := range mask.Members() {
		s.Set(c)
	}
}

// Snapshot reads the current membership into an ordinary (non-atomic) Set.
// The snapshot may be torn across words under concurrent writers; every
// consumer in this package treats that as acceptable staleness.
func (s *AtomicSet) Snapshot() Set {
	out := New(s.n)
	for i := range out.words {
		out.words[i] = s.words[i].Load()
	}
	return out
}
