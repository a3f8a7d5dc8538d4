// Package rq implements the per-CPU Runqueue: owns a PBQ, the current task,
// clock, timeslice bookkeeping and lock (spec §4.2). The RQ lock protects
// the PBQ, the current-task pointer, and the CPU's slot in the watermark
// index; it is ordered inside the task's pi_lock wherever both are held
// (spec §5).
package rq

import (
	"sync"
	"sync/atomic"

	"bmqsched/internal/sched/clock"
	"bmqsched/internal/sched/config"
	"bmqsched/internal/sched/cpuset"
	"bmqsched/internal/sched/pbq"
	"bmqsched/internal/sched/prio"
	"bmqsched/internal/sched/task"
	"bmqsched/internal/sched/watermark"
)

// EnqueueFlags and DequeueFlags mirror the flag bits the kernel passes
// alongside enqueue/dequeue (e.g. "this is a sleep", "this is a wakeup").
type EnqueueFlags int

const (
	EnqueueWakeup EnqueueFlags = 1 << iota
	EnqueueFork
)

type DequeueFlags int

const (
	DequeueSleep DequeueFlags = 1 << iota
)

// RQ is one CPU's runqueue.
type RQ struct {
	CPU int

	mu sync.Mutex // the spec's "rq.lock"

	cfg   config.Config
	clock clock.Source
	wm    *watermark.Index
	pend  *cpuset.AtomicSet // shared "pending" mask (nr_running > 1 CPUs)

	pbq  *pbq.PBQ
	curr *task.Task
	idle *task.Task
	stop *task.Task

	clockNS     int64
	clockTaskNS int64
	lastSwitch  int64

	skip *task.Task // yield hint (§4.6, choose_next)

	nrRunning       int
	nrUninterrupt   int64
	nrIOWait        int64
	needResched     atomic.Bool
	onlineFlag      atomic.Bool
	activeFlag      atomic.Bool

	wakeRemoteCount atomic.Uint64 // open-question counter, §9
}

// New creates an RQ for the given CPU. idle must already be constructed
// (policy IdlePolicy, pinned) and is linked into the idle bucket here.
func New(cpuID int, cfg config.Config, clk clock.Source, wm *watermark.Index, pend *cpuset.AtomicSet, idle, stopTask *task.Task) *RQ {
	r := &RQ{
		CPU:  cpuID,
		cfg:  cfg,
		clock: clk,
		wm:   wm,
		pend: pend,
		pbq:  pbq.New(cfg.NumBuckets(), cfg.IdleBucket()),
		idle: idle,
		stop: stopTask,
	}
	idle.IsPerCPUKthread = true
	idle.SetCPU(cpuID)
	idle.SetOnRQ(task.OnRQQueued)
	r.pbq.InitWithIdle(idle)
	r.curr = idle
	idle.SetOnCPU(true)
	if stopTask != nil {
		stopTask.IsPerCPUKthread = true
		stopTask.SetCPU(cpuID)
	}
	r.onlineFlag.Store(true)
	r.activeFlag.Store(true)
	level := watermark.IdleWM
	wm.Advertise(cpuID, level)
	return r
}

// Lock/Unlock expose the RQ lock directly for the core package's
// schedule()/wake-path orchestration, which must hold it across several of
// these methods.
func (r *RQ) Lock()   { r.mu.Lock() }
func (r *RQ) Unlock() { r.mu.Unlock() }

// TryLock attempts to acquire the RQ lock without blocking, for the
// balancer's single-depth nested source-RQ acquisition (spec §4.8, §5).
func (r *RQ) TryLock() bool { return r.mu.TryLock() }

// Online / Active mirror cpu_online(cpu)/cpu_active(cpu), observed
// lock-free (spec §6).
func (r *RQ) Online() bool { return r.onlineFlag.Load() }
func (r *RQ) Active() bool { return r.activeFlag.Load() }
func (r *RQ) SetOnline(v bool) { r.onlineFlag.Store(v) }
func (r *RQ) SetActive(v bool) { r.activeFlag.Store(v) }

// Current returns the currently running task. Context: caller should hold
// the RQ lock for anything beyond an advisory read.
func (r *RQ) Current() *task.Task { return r.curr }

// Idle returns this RQ's idle task.
func (r *RQ) Idle() *task.Task { return r.idle }

// NrRunning returns the runnable-task count (including curr if queued).
func (r *RQ) NrRunning() int { return r.nrRunning }

// ClockNS / ClockTaskNS expose the RQ's clocks (P6).
func (r *RQ) ClockNS() int64     { return r.clockNS }
func (r *RQ) ClockTaskNS() int64 { return r.clockTaskNS }

// PBQ exposes the underlying queue for tests and the balancer's scan.
func (r *RQ) PBQ() *pbq.PBQ { return r.pbq }

// NeedResched reports and Clear/Set the need-resched flag.
func (r *RQ) NeedResched() bool    { return r.needResched.Load() }
func (r *RQ) SetNeedResched()      { r.needResched.Store(true) }
func (r *RQ) ClearNeedResched()    { r.needResched.Store(false) }

// WakeRemoteCount returns the lock-free ttwu-remote counter (§9 open
// question, resolved as "implement it").
func (r *RQ) WakeRemoteCount() uint64     { return r.wakeRemoteCount.Load() }
func (r *RQ) IncWakeRemoteCount()         { r.wakeRemoteCount.Add(1) }

// Skip returns and sets the yield skip hint.
func (r *RQ) Skip() *task.Task   { return r.skip }
func (r *RQ) SetSkip(t *task.Task) { r.skip = t }

// UpdateClock advances clock by (now - clock); clock_task additionally
// subtracts interrupt/steal time (modeled as zero here — no host supplies
// it — but the subtraction and clamp machinery is kept so a real host can
// wire it in), clamped non-negative and monotonic (spec §4.2, P6).
func (r *RQ) UpdateClock(irqTimeNS, stealTimeNS int64) {
	now := int64(r.clock.NowNS(r.CPU))
	delta := now - r.clockNS
	if delta < 0 {
		delta = 0
	}
	r.clockNS += delta

	taskDelta := delta - irqTimeNS - stealTimeNS
	if taskDelta < 0 {
		taskDelta = 0
	}
	r.clockTaskNS += taskDelta
}

// watermarkLevel maps a PBQ bucket index to a watermark level (spec §4.3).
func (r *RQ) watermarkLevel(bucketIdx int) int {
	return r.cfg.IdleBucket() - bucketIdx + 1
}

func (r *RQ) updateWatermark() {
	level := r.watermarkLevel(r.pbq.FirstBucket())
	r.wm.Advertise(r.CPU, level)
}

// Enqueue makes t runnable on this CPU. Precondition: r.lock held. Computes
// t.QueueIdx via prio.SchedPrio, inserts into the PBQ, updates nr_running,
// the pending mask and the watermark (spec §4.2).
func (r *RQ) Enqueue(t *task.Task, flags EnqueueFlags) {
	idx := prio.SchedPrio(t, r.cfg)
	r.pbq.Insert(t, idx)
	r.updateWatermark()
	r.nrRunning++
	if r.nrRunning == 2 {
		r.pend.Set(r.CPU)
	}
	t.SetOnRQ(task.OnRQQueued)
	_ = flags
}

// Dequeue is the inverse of Enqueue: removes t from the PBQ, decrements
// nr_running, and drops this CPU from the pending mask once nr_running
// falls to 1 (spec §4.2, §8 scenario 4).
func (r *RQ) Dequeue(t *task.Task, flags DequeueFlags) {
	r.pbq.Remove(t)
	r.updateWatermark()
	r.nrRunning--
	if r.nrRunning == 1 {
		r.pend.Clear(r.CPU)
	}
	if flags&DequeueSleep != 0 && t.State() == task.StateUninterruptibleSleep {
		r.nrUninterrupt++
	}
}

// Requeue recomputes t's bucket, always removes t and reinserts it (behind
// its equal-priority peers, even when the bucket is unchanged) and updates
// the bitmap/watermark. Used after priority boost/deboost and timeslice
// expiry (spec §4.2).
func (r *RQ) Requeue(t *task.Task) {
	idx := prio.SchedPrio(t, r.cfg)
	r.pbq.Remove(t)
	r.pbq.Insert(t, idx)
	r.updateWatermark()
}

// RequeueLazy is Requeue but a no-op when the bucket would not change;
// returns whether a real move happened (spec §4.2).
func (r *RQ) RequeueLazy(t *task.Task) bool {
	idx := prio.SchedPrio(t, r.cfg)
	if idx == t.QueueIdx {
		return false
	}
	r.Requeue(t)
	return true
}

// UpdateCurr accounts elapsed clock_task time against the current task's
// timeslice (bmq.c's update_curr, spec §4.6/P7).
func (r *RQ) UpdateCurr(p *task.Task) {
	ns := r.clockTaskNS - p.LastRanNS
	p.TimeSliceNS -= ns
	p.LastRanNS = r.clockTaskNS
}

// SwitchTimeNS returns how long the current dispatch has held the CPU,
// rq_switch_time(rq) in bmq.c.
func (r *RQ) SwitchTimeNS() int64 { return r.clockNS - r.lastSwitch }

// RecordSwitch stamps lastSwitch at dispatch time.
func (r *RQ) RecordSwitch() { r.lastSwitch = r.clockNS }

// SetCurrent installs next as the running task. Caller (core.schedule)
// holds the lock and performs the on_cpu bookkeeping and architecture
// switch itself.
func (r *RQ) SetCurrent(t *task.Task) { r.curr = t }

// Config exposes the scheduler configuration.
func (r *RQ) Config() config.Config { return r.cfg }

// Watermark exposes the shared watermark index.
func (r *RQ) Watermark() *watermark.Index { return r.wm }

// Pending exposes the shared pending mask.
func (r *RQ) Pending() *cpuset.AtomicSet { return r.pend }
