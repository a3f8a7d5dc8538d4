package sched

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"bmqsched/internal/sched/config"
	"bmqsched/internal/sched/cpuset"
	"bmqsched/internal/sched/task"
)

func testCfg(numCPUs int) config.Config {
	cfg := config.Load("")
	cfg.CPUs = make([]config.CPUDescriptor, numCPUs)
	for i := range cfg.CPUs {
		cfg.CPUs[i] = config.CPUDescriptor{ID: i, SMT: i, LLC: i, Die: i}
	}
	return cfg
}

func TestNewBuildsOneRQPerCPU(t *testing.T) {
	o := New(testCfg(4))
	if got := len(o.core.RQs); got != 4 {
		t.Fatalf("len(core.RQs) = %d, want 4", got)
	}
	for i, r := range o.core.RQs {
		if r.CPU != i {
			t.Fatalf("RQs[%d].CPU = %d, want %d", i, r.CPU, i)
		}
	}
}

func TestNewDefaultsToOneCPUWhenDescriptorsEmpty(t *testing.T) {
	cfg := config.Load("")
	cfg.CPUs = nil
	o := New(cfg)
	if got := len(o.core.RQs); got != 1 {
		t.Fatalf("len(core.RQs) = %d, want 1", got)
	}
}

func TestSpawnPlacesAndRegistersTask(t *testing.T) {
	o := New(testCfg(2))

	tk, err := o.Spawn(task.Normal, 0, 0, cpuset.Set{}, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if tk.State() != task.StateRunning {
		t.Fatalf("spawned task.State() = %v, want StateRunning", tk.State())
	}
	if dst := tk.CPU(); dst != 0 && dst != 1 {
		t.Fatalf("spawned task.CPU() = %d, want 0 or 1", dst)
	}

	o.mu.Lock()
	_, found := o.registry.Get(uint64(tk.ID))
	o.mu.Unlock()
	if !found {
		t.Fatalf("spawned task should be present in the registry")
	}

	select {
	case ev := <-o.events:
		if ev.TaskID != uint64(tk.ID) {
			t.Fatalf("event.TaskID = %d, want %d", ev.TaskID, tk.ID)
		}
	default:
		t.Fatalf("expected an Enqueue event on the events channel")
	}
}

func TestSpawnDefaultsCPUSetToAllWhenEmpty(t *testing.T) {
	o := New(testCfg(3))

	tk, err := o.Spawn(task.Normal, 0, 0, cpuset.Set{}, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if got := tk.NrCPUsAllowed; got != 3 {
		t.Fatalf("NrCPUsAllowed = %d, want 3 (defaulted to every CPU)", got)
	}
}

func TestAdjustNiceRecomputesPriority(t *testing.T) {
	o := New(testCfg(1))
	tk, err := o.Spawn(task.Normal, 0, 0, cpuset.Set{}, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	before := tk.Prio

	if err := o.AdjustNice(tk.ID, 10); err != nil {
		t.Fatalf("AdjustNice() error = %v", err)
	}
	if tk.Prio == before {
		t.Fatalf("Prio unchanged after raising nice from 0 to 10, want it to have moved")
	}
}

func TestAdjustNiceUnknownTaskErrors(t *testing.T) {
	o := New(testCfg(1))
	if err := o.AdjustNice(task.ID(99999), 0); err == nil {
		t.Fatalf("expected an error for an unregistered task id")
	}
}

func TestEnableCSVLoggingWritesHeader(t *testing.T) {
	o := New(testCfg(1))
	path := filepath.Join(t.TempDir(), "events.csv")

	if err := o.EnableCSVLogging(path); err != nil {
		t.Fatalf("EnableCSVLogging() error = %v", err)
	}
	o.csvFile.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading csv: %v", err)
	}
	want := "timestamp,cpu,event,task_id,prio,ran_ticks\n"
	if string(data) != want {
		t.Fatalf("csv header = %q, want %q", string(data), want)
	}
}
