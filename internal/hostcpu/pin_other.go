//go:build !linux

package hostcpu

import "runtime"

// Pin is a no-op outside Linux: sched_setaffinity has no portable
// equivalent, so the demo driver just runs unpinned.
func Pin(core int) {}

// Unpin is a no-op outside Linux.
func Unpin() {}

// Available reports runtime.NumCPU when real affinity queries aren't
// available.
func Available() int { return runtime.NumCPU() }
