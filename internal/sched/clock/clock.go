// Package clock declares the monotonic per-CPU time source the scheduler
// core consumes (spec §6: now_ns). The core treats time as an external
// collaborator; this package also ships a tick-driven implementation built
// the same way the teacher's TickClock drove its single global clock.
package clock

import (
	"sync/atomic"
	"time"
)

// Source is a monotonic per-CPU clock: strictly non-decreasing across calls
// on a given CPU.
type Source interface {
	NowNS(cpu int) uint64
}

// TickSource drives NowNS off a shared ticker, one counter per CPU, the way
// the teacher's tickclock.go drove a single global tick count. Every tick
// advances every CPU's counter by tickNS, so all CPUs share one notion of
// elapsed time while still exposing a per-CPU read.
type TickSource struct {
	tickNS int64
	counts []atomic.Int64
	stop   chan struct{}
}

// NewTickSource builds a clock for numCPUs CPUs advancing by tickNS per
// tick.
func NewTickSource(numCPUs int, tickNS int64) *TickSource {
	return &TickSource{
		tickNS: tickNS,
		counts: make([]atomic.Int64, numCPUs),
		stop:   make(chan struct{}),
	}
}

// Start begins emitting ticks at the given interval, mirroring the
// teacher's TickClock.Start goroutine shape.
func (c *TickSource) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for i := range c.counts {
					c.counts[i].Add(c.tickNS)
				}
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts tick emission.
func (c *TickSource) Stop() { close(c.stop) }

// NowNS implements Source.
func (c *TickSource) NowNS(cpu int) uint64 { return uint64(c.counts[cpu].Load()) }

// Advance manually advances every CPU's clock by ns, for deterministic
// tests that don't want to wait on a real ticker.
func (c *TickSource) Advance(ns int64) {
	for i := range c.counts {
		c.counts[i].Add(ns)
	}
}
