package rq

import (
	"testing"

	"bmqsched/internal/sched/config"
	"bmqsched/internal/sched/cpuset"
	"bmqsched/internal/sched/task"
	"bmqsched/internal/sched/watermark"
)

// fakeClock gives tests direct control over NowNS without waiting on a real
// ticker, the same role the teacher's tests would give a manual clock stub.
type fakeClock struct{ ns int64 }

func (c *fakeClock) NowNS(cpu int) uint64 { return uint64(c.ns) }

func testConfig() config.Config {
	return config.Config{
		TimesliceNS:       4 * 1000 * 1000,
		MaxAdj:            12,
		MaxRTPrio:         100,
		NormalPrioBuckets: 40,
		MigrationCap:      32,
	}
}

func newTestRQ(cpu int) (*RQ, *fakeClock) {
	cfg := testConfig()
	clk := &fakeClock{}
	wm := watermark.New(4, cfg.NumWatermarkLevels(), nil)
	pend := cpuset.NewAtomic(4)
	idle := task.New(0, task.IdlePolicy, 0, 0, cpuset.New(4))
	r := New(cpu, cfg, clk, wm, &pend, idle, nil)
	return r, clk
}

func newRunnable(id task.ID, nice int) *task.Task {
	t := task.New(id, task.Normal, 20+nice, 0, cpuset.New(4))
	t.Prio = 100 + 20 + nice
	return t
}

func TestEnqueueDequeueTracksNrRunning(t *testing.T) {
	r, _ := newTestRQ(0)
	a := newRunnable(1, 0)

	r.Enqueue(a, EnqueueWakeup)
	if got := r.NrRunning(); got != 1 {
		t.Fatalf("NrRunning() = %d, want 1", got)
	}

	r.Dequeue(a, 0)
	if got := r.NrRunning(); got != 0 {
		t.Fatalf("NrRunning() = %d, want 0", got)
	}
}

func TestEnqueueSetsPendingAtTwoRunning(t *testing.T) {
	r, _ := newTestRQ(0)
	a := newRunnable(1, 0)
	b := newRunnable(2, 0)

	r.Enqueue(a, EnqueueWakeup)
	if r.Pending().Snapshot().Test(0) {
		t.Fatalf("pending mask should not be set with only one runnable task")
	}

	r.Enqueue(b, EnqueueWakeup)
	if !r.Pending().Snapshot().Test(0) {
		t.Fatalf("pending mask should be set once a second task becomes runnable")
	}

	r.Dequeue(b, 0)
	if r.Pending().Snapshot().Test(0) {
		t.Fatalf("pending mask should clear once nr_running falls back to one")
	}
}

func TestUpdateClockMonotonicAndClamped(t *testing.T) {
	r, clk := newTestRQ(0)
	clk.ns = 1000
	r.UpdateClock(0, 0)
	if got := r.ClockNS(); got != 1000 {
		t.Fatalf("ClockNS() = %d, want 1000", got)
	}

	// A clock source that appears to go backwards must not move rq.clock
	// backwards too (spec P6).
	clk.ns = 500
	r.UpdateClock(0, 0)
	if got := r.ClockNS(); got != 1000 {
		t.Fatalf("ClockNS() = %d, want unchanged 1000 after a clock regression", got)
	}
}

func TestUpdateClockSubtractsIrqAndStealTime(t *testing.T) {
	r, clk := newTestRQ(0)
	clk.ns = 1000
	r.UpdateClock(200, 100)
	if got := r.ClockTaskNS(); got != 700 {
		t.Fatalf("ClockTaskNS() = %d, want 700", got)
	}
}

func TestRequeueLazySkipsNoopMove(t *testing.T) {
	r, _ := newTestRQ(0)
	a := newRunnable(1, 0)
	r.Enqueue(a, EnqueueWakeup)

	if moved := r.RequeueLazy(a); moved {
		t.Fatalf("RequeueLazy should report no move when the bucket is unchanged")
	}

	a.BoostPrio = -5
	if moved := r.RequeueLazy(a); !moved {
		t.Fatalf("RequeueLazy should report a move once boost changes the bucket")
	}
}

func TestUpdateCurrAccountsTimesliceAgainstClockTask(t *testing.T) {
	r, clk := newTestRQ(0)
	a := newRunnable(1, 0)
	a.TimeSliceNS = 1000
	a.LastRanNS = 0

	clk.ns = 300
	r.UpdateClock(0, 0)
	r.UpdateCurr(a)

	if a.TimeSliceNS != 700 {
		t.Fatalf("TimeSliceNS = %d, want 700", a.TimeSliceNS)
	}
	if a.LastRanNS != r.ClockTaskNS() {
		t.Fatalf("LastRanNS = %d, want %d", a.LastRanNS, r.ClockTaskNS())
	}
}

func TestTryLockFailsWhileHeld(t *testing.T) {
	r, _ := newTestRQ(0)
	r.Lock()
	if r.TryLock() {
		t.Fatalf("TryLock should fail while the lock is already held")
	}
	r.Unlock()
	if !r.TryLock() {
		t.Fatalf("TryLock should succeed once the lock is free")
	}
	r.Unlock()
}
