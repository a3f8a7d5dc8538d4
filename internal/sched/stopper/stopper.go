// Package stopper declares the synchronous forced-migration primitive the
// core dispatches to (spec §6: stop_one_cpu) and an in-process
// implementation for the demo driver and tests that runs each activation
// synchronously on the caller's goroutine.
package stopper

import "sync"

// Stopper synchronously forces cpu to execute fn at a priority higher than
// any scheduler-controlled task. A real kernel stopper preempts whatever is
// running; this in-process stand-in just serializes fn calls per CPU.
type Stopper interface {
	Run(cpu int, fn func())
}

// Inline runs fn synchronously on the caller's goroutine, one mutex per CPU
// to model "only one stopper activation in flight per CPU" without
// requiring an actual dedicated OS thread per CPU.
type Inline struct {
	mu []sync.Mutex
}

// NewInline builds a Stopper for numCPUs CPUs.
func NewInline(numCPUs int) *Inline {
	return &Inline{mu: make([]sync.Mutex, numCPUs)}
}

// Run implements Stopper.
func (s *Inline) Run(cpu int, fn func()) {
	s.mu[cpu].Lock()
	defer s.mu[cpu].Unlock()
	fn()
}
