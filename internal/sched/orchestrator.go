// Package sched wires the per-CPU BMQ pieces (rq, watermark, topology,
// placement, core, balance) into a single running scheduler instance,
// generalizing the teacher's single-queue Scheduler to one runqueue per CPU.
package sched

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/sugawarayuuta/sonnet"

	"bmqsched/internal/hostcpu"
	"bmqsched/internal/sched/balance"
	"bmqsched/internal/sched/clock"
	"bmqsched/internal/sched/config"
	"bmqsched/internal/sched/core"
	"bmqsched/internal/sched/cpuset"
	"bmqsched/internal/sched/event"
	"bmqsched/internal/sched/ipi"
	"bmqsched/internal/sched/prio"
	"bmqsched/internal/sched/rq"
	"bmqsched/internal/sched/stopper"
	"bmqsched/internal/sched/task"
	"bmqsched/internal/sched/topology"
	"bmqsched/internal/sched/watermark"
)

// Orchestrator owns one Core (one RQ per CPU), a tick-driven clock, and a
// buffered event stream, mirroring the shape of the teacher's Scheduler
// (mu, clock, statusCh, CSV sink) generalized to many runqueues instead of
// one red-black tree.
type Orchestrator struct {
	cfg   config.Config
	core  *core.Core
	clock *clock.TickSource

	mu       sync.Mutex
	registry *treemap.Map // task.ID -> *task.Task, ordered for introspection

	nextID atomic.Uint64

	events       chan event.Event
	tickInterval time.Duration

	csvFile   *os.File
	csvWriter *csv.Writer

	jsonFile *os.File
}

// New builds an Orchestrator from cfg: one RQ per CPU described in
// cfg.CPUs, a shared watermark index sized off cfg.NumWatermarkLevels, and
// a Topology built from the same descriptors (spec §4.2-§4.4).
func New(cfg config.Config) *Orchestrator {
	numCPUs := len(cfg.CPUs)
	if numCPUs == 0 {
		numCPUs = 1
		cfg.CPUs = []config.CPUDescriptor{{ID: 0}}
	}

	topo := topology.Build(cfg.CPUs)
	wm := watermark.New(numCPUs, cfg.NumWatermarkLevels(), topo.SMTGroups())
	pending := cpuset.NewAtomic(numCPUs)
	clk := clock.NewTickSource(numCPUs, int64(cfg.TickMS)*int64(time.Millisecond))

	o := &Orchestrator{
		cfg:          cfg,
		clock:        clk,
		registry:     treemap.NewWith(utils.UInt64Comparator),
		events:       make(chan event.Event, 256),
		tickInterval: time.Duration(cfg.TickMS) * time.Millisecond,
	}

	rqs := make([]*rq.RQ, numCPUs)
	for c := 0; c < numCPUs; c++ {
		idle := task.New(o.allocID(), task.IdlePolicy, cfg.NormalPrioBuckets-1, 0, cpuset.Of(numCPUs, c))
		idle.Prio = cfg.IdleBucket() + cfg.MaxRTPrio
		stop := task.New(o.allocID(), task.FIFO, 0, cfg.MaxRTPrio-1, cpuset.Of(numCPUs, c))
		rqs[c] = rq.New(c, cfg, clk, wm, &pending, idle, stop)
	}

	o.core = &core.Core{
		Cfg:     cfg,
		Topo:    topo,
		WM:      wm,
		Pending: &pending,
		RQs:     rqs,
		Stopper: stopper.NewInline(numCPUs),
		IPI:     ipi.NoopSender{},
	}
	return o
}

func (o *Orchestrator) allocID() task.ID { return task.ID(o.nextID.Add(1)) }

// EnableCSVLogging opens path for CSV logging of events; must be called
// before Run (spec's ambient-stack CSV sink, from the teacher's
// EnableCSVLogging).
func (o *Orchestrator) EnableCSVLogging(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Write([]string{"timestamp", "cpu", "event", "task_id", "prio", "ran_ticks"})
	w.Flush()
	o.csvFile = f
	o.csvWriter = w
	return nil
}

// EnableJSONLogging opens path for newline-delimited JSON event records,
// an alternative trace sink to the CSV one for consumers that want
// structured records (e.g. feeding a log aggregator). Uses sonnet, the
// drop-in encoding/json replacement the teacher's pack already reaches for
// when a component marshals high-volume structured records.
func (o *Orchestrator) EnableJSONLogging(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	o.jsonFile = f
	return nil
}

// Events exposes the read-only event stream for consumers that want to
// observe scheduler activity beyond the default log line (spec §8's event
// stream, generalized from the teacher's StatusChannel).
func (o *Orchestrator) Events() <-chan event.Event { return o.events }

func (o *Orchestrator) emit(ev event.Event) {
	ev.Time = timeNow()
	select {
	case o.events <- ev:
	default:
		// a full buffer means nobody is draining Events(); drop rather than
		// block the scheduling hot path.
	}
}

// timeNow is a thin indirection so tests could substitute a fixed clock;
// production callers just get time.Now().
var timeNow = time.Now

// Spawn creates a new task with the given policy/priority and places it
// onto a runqueue via the placement engine (spec §6 wake_up_new_task),
// generalizing the teacher's Add. cpus, if empty, defaults to "any CPU".
func (o *Orchestrator) Spawn(policy task.Policy, nice, rtPriority int, cpus cpuset.Set, work func(context.Context) error) (*task.Task, error) {
	numCPUs := len(o.core.RQs)
	if cpus.Empty() {
		cpus = cpuset.New(numCPUs)
		for c := 0; c < numCPUs; c++ {
			cpus.Set(c)
		}
	}

	staticPrio := nice + o.cfg.NormalPrioBuckets/2
	if staticPrio < 0 {
		staticPrio = 0
	}
	if staticPrio >= o.cfg.NormalPrioBuckets {
		staticPrio = o.cfg.NormalPrioBuckets - 1
	}

	t := task.New(o.allocID(), policy, staticPrio, rtPriority, cpus)
	t.NormalPrio = prio.NormalPrio(t, o.cfg)
	t.Prio = t.NormalPrio
	t.TimeSliceNS = o.cfg.TimesliceNS
	t.Run = work

	if err := core.WakeUpNewTask(o.core, t); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.registry.Put(uint64(t.ID), t)
	o.mu.Unlock()

	o.emit(event.Event{Kind: event.Enqueue, CPU: t.CPU(), TaskID: uint64(t.ID), Prio: t.Prio})
	return t, nil
}

// AdjustNice reweights a live task's static priority and requeues it, the
// generalization of the teacher's AdjustPriority to policy-aware priority
// inheritance-safe recomputation.
func (o *Orchestrator) AdjustNice(id task.ID, nice int) error {
	o.mu.Lock()
	v, found := o.registry.Get(uint64(id))
	o.mu.Unlock()
	if !found {
		return fmt.Errorf("sched: no such task %d", id)
	}
	t := v.(*task.Task)
	return core.SetPolicy(o.core, t, t.Policy, t.RTPriority, nice, false, t.CPU())
}

// Run drives every CPU's dispatch loop until ctx is cancelled, the
// multi-CPU generalization of the teacher's single loop goroutine plus its
// event-consuming Run body.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.clock.Start(o.tickInterval)
	defer o.clock.Stop()

	var wg sync.WaitGroup
	for c := range o.core.RQs {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			o.runCPU(ctx, cpu)
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(o.events)
		close(done)
	}()

	for ev := range o.events {
		o.logEvent(ev)
	}
	<-done

	if o.csvFile != nil {
		o.csvWriter.Flush()
		o.csvFile.Close()
	}
	if o.jsonFile != nil {
		o.jsonFile.Close()
	}
	return ctx.Err()
}

// runCPU is one CPU's dispatch loop: schedule, run the chosen task until it
// blocks, finishes, or a periodic SchedulerTick trims its timeslice to
// nothing, then schedule again (spec §4.6/§4.8, ported from the teacher's
// loop's dispatch/watch/requeue shape, generalized off ranTicks-counting to
// need_resched polling since BMQ tracks remaining nanoseconds, not ticks).
func (o *Orchestrator) runCPU(ctx context.Context, cpu int) {
	hostcpu.Pin(cpu)
	defer hostcpu.Unpin()

	r := o.core.RQs[cpu]
	prev := r.Idle()
	voluntaryBlock := false
	signalCancels := false

	for ctx.Err() == nil {
		next := core.Schedule(o.core, cpu, prev, voluntaryBlock, signalCancels)
		voluntaryBlock, signalCancels = false, false

		if next == r.Idle() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.tickInterval):
			}
			prev = r.Idle()
			continue
		}

		o.emit(event.Event{Kind: event.Dispatch, CPU: cpu, TaskID: uint64(next.ID), Prio: next.Prio})

		outcome := o.runOne(ctx, cpu, next)
		switch outcome {
		case runFinished:
			o.emit(event.Event{Kind: event.Finish, CPU: cpu, TaskID: uint64(next.ID)})
			// SchedExit already dequeues next and resets r.curr to idle, so
			// the following Schedule call should see idle as prev, not the
			// now-dead task.
			core.SchedExit(o.core, next)
			o.mu.Lock()
			o.registry.Remove(uint64(next.ID))
			o.mu.Unlock()
			prev = r.Idle()
		case runBlocked:
			o.emit(event.Event{Kind: event.Preempt, CPU: cpu, TaskID: uint64(next.ID)})
			next.SetState(task.StateInterruptibleSleep)
			voluntaryBlock = true
			prev = next
		case runPreempted:
			o.emit(event.Event{Kind: event.Preempt, CPU: cpu, TaskID: uint64(next.ID)})
			prev = next
		}

		if o.core.Topo.HasSMT() {
			balance.SGBalanceCheck(o.core.RQs, cpu, o.core.WM, o.core.Topo, o.core.Stopper)
		}
	}
}

type runOutcome int

const (
	runFinished runOutcome = iota
	runBlocked
	runPreempted
)

// runOne executes t.Run under a context cancelled the moment SchedulerTick
// observes t's timeslice has dropped below the resched threshold, then
// classifies how the run ended.
func (o *Orchestrator) runOne(ctx context.Context, cpu int, t *task.Task) runOutcome {
	r := o.core.RQs[cpu]
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- t.Run(runCtx) }()

	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-result:
			if err == nil {
				return runFinished
			}
			if err == context.Canceled {
				return runPreempted
			}
			return runBlocked
		case <-ticker.C:
			core.SchedulerTick(o.core, cpu)
			if r.NeedResched() {
				cancel()
			}
		}
	}
}

// logEvent prints a human-readable line and, for each sink that is enabled,
// a CSV record and a JSON record for ev, the generalization of the teacher's handleEvent.
func (o *Orchestrator) logEvent(ev event.Event) {
	if ev.Kind == event.Tick {
		return
	}
	fmt.Printf("%s cpu=%d %-9s task=%d prio=%d\n",
		ev.Time.Format("15:04:05.000"), ev.CPU, ev.Kind.String(), ev.TaskID, ev.Prio)

	if o.csvWriter != nil {
		rec := []string{
			ev.Time.Format(time.RFC3339Nano),
			strconv.Itoa(ev.CPU),
			ev.Kind.String(),
			strconv.FormatUint(ev.TaskID, 10),
			strconv.Itoa(ev.Prio),
			strconv.FormatInt(ev.RanTicks, 10),
		}
		o.csvWriter.Write(rec)
		o.csvWriter.Flush()
	}

	if o.jsonFile != nil {
		if b, err := sonnet.Marshal(ev); err == nil {
			o.jsonFile.Write(append(b, '\n'))
		}
	}
}
