// Command ticksched drives a small multi-CPU BMQ scheduler demo: it loads a
// topology/tuning config, spawns a handful of tasks of mixed policy and
// priority across the CPUs it describes, and prints the resulting
// enqueue/dispatch/preempt/finish trace until the -for duration elapses.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"bmqsched/internal/job"
	"bmqsched/internal/sched"
	"bmqsched/internal/sched/config"
	"bmqsched/internal/sched/cpuset"
	"bmqsched/internal/sched/task"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to scheduler config YAML")
	csvPath := flag.String("csv", "", "optional CSV trace output path")
	jsonPath := flag.String("json", "", "optional newline-delimited JSON trace output path")
	runFor := flag.Duration("for", 3*time.Second, "how long to run before cancelling stragglers")
	flag.Parse()

	cfg := config.Load(*configPath)
	if len(cfg.CPUs) == 0 {
		cfg.CPUs = []config.CPUDescriptor{
			{ID: 0, SMT: 0, LLC: 0, Die: 0, HasSMT: true},
			{ID: 1, SMT: 0, LLC: 0, Die: 0, HasSMT: true},
			{ID: 2, SMT: 1, LLC: 0, Die: 0},
			{ID: 3, SMT: 2, LLC: 1, Die: 0},
		}
	}
	fmt.Printf("loaded config: %d CPUs, timeslice=%dns, migration_cap=%d\n",
		len(cfg.CPUs), cfg.TimesliceNS, cfg.MigrationCap)

	orc := sched.New(cfg)

	if *csvPath != "" {
		if err := orc.EnableCSVLogging(*csvPath); err != nil {
			log.Fatalf("enable csv logging: %v", err)
		}
	}
	if *jsonPath != "" {
		if err := orc.EnableJSONLogging(*jsonPath); err != nil {
			log.Fatalf("enable json logging: %v", err)
		}
	}

	numCPUs := len(cfg.CPUs)
	allCPUs := cpuset.New(numCPUs)
	for c := 0; c < numCPUs; c++ {
		allCPUs.Set(c)
	}

	spawn := func(policy task.Policy, nice, rtPrio int, ms int64) {
		if _, err := orc.Spawn(policy, nice, rtPrio, allCPUs, job.SleepWork(ms)); err != nil {
			log.Printf("spawn failed: %v", err)
		}
	}

	// A handful of batch workers competing for CPU time, one interactive
	// task that should win preemption, and one FIFO task pinned at the
	// front of the bitmap.
	spawn(task.Normal, 0, 0, 250)
	spawn(task.Normal, 0, 0, 250)
	spawn(task.Normal, 5, 0, 400)
	spawn(task.Batch, 10, 0, 600)
	spawn(task.Normal, -5, 0, 120)
	spawn(task.FIFO, 0, 10, 80)

	ctx, cancel := context.WithTimeout(context.Background(), *runFor)
	defer cancel()

	if err := orc.Run(ctx); err != nil && err != context.DeadlineExceeded && err != context.Canceled {
		log.Fatalf("scheduler run: %v", err)
	}
}
