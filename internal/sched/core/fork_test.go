package core

import (
	"testing"

	"bmqsched/internal/sched/cpuset"
	"bmqsched/internal/sched/prio"
	"bmqsched/internal/sched/rq"
	"bmqsched/internal/sched/task"
)

func TestSchedForkInheritsParentAndHalvesTimeslice(t *testing.T) {
	c, _ := buildCore(1, nil)

	parent := newFullMaskTask(1, task.Normal, 5, 0, 1)
	parent.Prio = prio.NormalPrio(parent, c.Cfg)
	parent.TimeSliceNS = c.Cfg.TimesliceNS
	parent.BoostPrio = -8

	child := &task.Task{ID: 2}
	SchedFork(c, child, parent)

	if child.Policy != parent.Policy {
		t.Fatalf("child.Policy = %v, want %v", child.Policy, parent.Policy)
	}
	if child.StaticPrio != parent.StaticPrio {
		t.Fatalf("child.StaticPrio = %d, want %d", child.StaticPrio, parent.StaticPrio)
	}
	if !cpuset.Equal(child.CPUsMask, parent.CPUsMask) {
		t.Fatalf("child.CPUsMask = %v, want %v", child.CPUsMask.Members(), parent.CPUsMask.Members())
	}
	if child.BoostPrio != c.Cfg.MaxAdj {
		t.Fatalf("child.BoostPrio = %d, want MaxAdj (%d): a fresh child starts fully deboosted", child.BoostPrio, c.Cfg.MaxAdj)
	}
	if child.TimeSliceNS != parent.TimeSliceNS/2 {
		t.Fatalf("child.TimeSliceNS = %d, want half of parent's (%d)", child.TimeSliceNS, parent.TimeSliceNS/2)
	}
	if child.State() != task.StateNew {
		t.Fatalf("child.State() = %v, want StateNew", child.State())
	}
	if child.OnRQ() != task.OnRQOff {
		t.Fatalf("child.OnRQ() = %v, want OnRQOff: not yet linked anywhere", child.OnRQ())
	}
	if child.CPU() != -1 {
		t.Fatalf("child.CPU() = %d, want -1: not yet placed", child.CPU())
	}
}

func TestSchedForkRTChildStartsUnboosted(t *testing.T) {
	c, _ := buildCore(1, nil)

	parent := newFullMaskTask(1, task.FIFO, 0, 50, 1)
	child := &task.Task{ID: 2}
	SchedFork(c, child, parent)

	if child.BoostPrio != 0 {
		t.Fatalf("RT child.BoostPrio = %d, want 0: RT policies never carry a boost adjustment", child.BoostPrio)
	}
	if child.RTPriority != parent.RTPriority {
		t.Fatalf("child.RTPriority = %d, want %d", child.RTPriority, parent.RTPriority)
	}
}

func TestSchedForkFloorsZeroTimesliceToHalfDefault(t *testing.T) {
	c, _ := buildCore(1, nil)

	parent := newFullMaskTask(1, task.Normal, 0, 0, 1)
	parent.TimeSliceNS = 0
	child := &task.Task{ID: 2}
	SchedFork(c, child, parent)

	if child.TimeSliceNS != c.Cfg.TimesliceNS/2 {
		t.Fatalf("child.TimeSliceNS = %d, want default/2 (%d) when parent had none left", child.TimeSliceNS, c.Cfg.TimesliceNS/2)
	}
}

// WakeUpNewTask must work from CPU -1: a child has never run anywhere until
// this call places it for the first time (spec §6 wake_up_new_task).
func TestWakeUpNewTaskPlacesChildFromNoPriorCPU(t *testing.T) {
	numCPUs := 2
	c, _ := buildCore(numCPUs, nil)

	parent := newFullMaskTask(1, task.Normal, 0, 0, numCPUs)
	parent.Prio = prio.NormalPrio(parent, c.Cfg)
	child := &task.Task{ID: 2}
	SchedFork(c, child, parent)

	if err := WakeUpNewTask(c, child); err != nil {
		t.Fatalf("WakeUpNewTask() error = %v", err)
	}

	dst := child.CPU()
	if dst != 0 && dst != 1 {
		t.Fatalf("child.CPU() = %d, want 0 or 1", dst)
	}
	if child.State() != task.StateRunning {
		t.Fatalf("child.State() = %v, want StateRunning", child.State())
	}
	if got := c.RQs[dst].NrRunning(); got != 1 {
		t.Fatalf("destination rq.NrRunning() = %d, want 1", got)
	}
}

func TestWakeUpNewTaskPreemptsIdleTarget(t *testing.T) {
	c, _ := buildCore(1, nil)
	r := c.RQs[0]
	r.ClearNeedResched()

	parent := newFullMaskTask(1, task.Normal, 0, 0, 1)
	parent.Prio = prio.NormalPrio(parent, c.Cfg)
	child := &task.Task{ID: 2}
	SchedFork(c, child, parent)

	if err := WakeUpNewTask(c, child); err != nil {
		t.Fatalf("WakeUpNewTask() error = %v", err)
	}
	if !r.NeedResched() {
		t.Fatalf("expected need_resched set: only CPU was idle before the child arrived")
	}
}

func TestSchedExitDequeuesQueuedTask(t *testing.T) {
	c, _ := buildCore(1, nil)
	r := c.RQs[0]

	tTask := newFullMaskTask(1, task.Normal, 0, 0, 1)
	tTask.Prio = prio.NormalPrio(tTask, c.Cfg)
	tTask.SetCPU(0)
	r.Enqueue(tTask, rq.EnqueueWakeup)

	SchedExit(c, tTask)

	if r.NrRunning() != 0 {
		t.Fatalf("rq.NrRunning() = %d, want 0", r.NrRunning())
	}
	if tTask.OnRQ() != task.OnRQOff {
		t.Fatalf("OnRQ() = %v, want OnRQOff", tTask.OnRQ())
	}
	if tTask.State() != task.StateDead {
		t.Fatalf("State() = %v, want StateDead", tTask.State())
	}
}

func TestSchedExitSwitchesCurrentToIdle(t *testing.T) {
	c, _ := buildCore(1, nil)
	r := c.RQs[0]

	tTask := newFullMaskTask(1, task.Normal, 0, 0, 1)
	tTask.Prio = prio.NormalPrio(tTask, c.Cfg)
	tTask.SetCPU(0)
	r.Enqueue(tTask, rq.EnqueueWakeup)
	r.SetCurrent(tTask)
	tTask.SetOnCPU(true)

	SchedExit(c, tTask)

	if r.Current() != r.Idle() {
		t.Fatalf("rq.Current() should be idle after the running task exits")
	}
	if tTask.OnCPU() {
		t.Fatalf("OnCPU() should be false after exit")
	}
}

func TestSchedExitNeverQueuedIsNoop(t *testing.T) {
	c, _ := buildCore(1, nil)

	tTask := newFullMaskTask(1, task.Normal, 0, 0, 1)
	// Exiting before ever being placed: CPU is still -1.
	SchedExit(c, tTask)

	if tTask.State() != task.StateDead {
		t.Fatalf("State() = %v, want StateDead", tTask.State())
	}
}
