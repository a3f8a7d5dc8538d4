package cpuset

import "testing"

func TestSetBasic(t *testing.T) {
	s := New(8)
	if !s.Empty() {
		t.Fatalf("new set should be empty")
	}
	s.Set(3)
	s.Set(5)
	if s.Empty() {
		t.Fatalf("set should not be empty after Set")
	}
	if !s.Test(3) || !s.Test(5) {
		t.Fatalf("expected 3 and 5 set")
	}
	if s.Test(4) {
		t.Fatalf("4 should not be set")
	}
	if got := s.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
	s.Clear(3)
	if s.Test(3) {
		t.Fatalf("3 should be cleared")
	}
	if got := s.Count(); got != 1 {
		t.Fatalf("Count() after clear = %d, want 1", got)
	}
}

func TestSetMembersOrder(t *testing.T) {
	s := Of(70, 0, 1, 63, 64, 69)
	got := s.Members()
	want := []int{0, 1, 63, 64, 69}
	if len(got) != len(want) {
		t.Fatalf("Members() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Members() = %v, want %v", got, want)
		}
	}
}

func TestSetFirstNextAcrossWordBoundary(t *testing.T) {
	s := Of(130, 63, 64, 128)
	if first := s.First(); first != 63 {
		t.Fatalf("First() = %d, want 63", first)
	}
	if n := s.Next(63); n != 64 {
		t.Fatalf("Next(63) = %d, want 64", n)
	}
	if n := s.Next(64); n != 128 {
		t.Fatalf("Next(64) = %d, want 128", n)
	}
	if n := s.Next(128); n != -1 {
		t.Fatalf("Next(128) = %d, want -1", n)
	}
}

func TestSetOps(t *testing.T) {
	a := Of(8, 0, 1, 2)
	b := Of(8, 1, 2, 3)

	if and := And(a, b); and.Count() != 2 || !and.Test(1) || !and.Test(2) {
		t.Fatalf("And(a, b) = %v, want {1,2}", and.Members())
	}
	if or := Or(a, b); or.Count() != 4 {
		t.Fatalf("Or(a, b) count = %d, want 4", or.Count())
	}
	if diff := AndNot(a, b); diff.Count() != 1 || !diff.Test(0) {
		t.Fatalf("AndNot(a, b) = %v, want {0}", diff.Members())
	}
	if !Subset(Of(8, 1), a) {
		t.Fatalf("{1} should be a subset of a")
	}
	if Subset(a, Of(8, 1)) {
		t.Fatalf("a should not be a subset of {1}")
	}
	if !Equal(a, a.Clone()) {
		t.Fatalf("a should equal its own clone")
	}
}

func TestAtomicSetConcurrentSetClear(t *testing.T) {
	const n = 128
	s := NewAtomic(n)
	done := make(chan struct{})
	for c := 0; c < n; c++ {
		c := c
		go func() {
			s.Set(c)
			done <- struct{}{}
		}()
	}
	for c := 0; c < n; c++ {
		<-done
	}
	snap := s.Snapshot()
	if got := snap.Count(); got != n {
		t.Fatalf("Snapshot().Count() = %d, want %d", got, n)
	}
}

func TestAtomicSetClearMaskBecameEmpty(t *testing.T) {
	s := NewAtomic(8)
	mask := Of(8, 0, 1, 2)
	s.SetMask(mask)
	if empty := s.ClearMask(mask); !empty {
		t.Fatalf("ClearMask should report the set became empty")
	}
	s.SetMask(Of(8, 0, 1, 2, 3))
	if empty := s.ClearMask(Of(8, 0)); empty {
		t.Fatalf("ClearMask should report the set is not empty when bits remain")
	}
}
