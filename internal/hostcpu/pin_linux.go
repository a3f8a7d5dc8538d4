//go:build linux

// Package hostcpu pins the calling goroutine's OS thread to a real CPU core,
// so the demo driver's per-CPU dispatch loops actually run on distinct
// cores instead of hopping around under the Go scheduler. Grounded on
// ab180-lrmr's cpu_affinity_linux.go (unix.SchedGetaffinity/SchedSetaffinity
// plus runtime.LockOSThread).
package hostcpu

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// Pin locks the calling goroutine to its current OS thread and restricts
// that thread to logical CPU core. Errors are swallowed (matching
// ab180-lrmr's own "warn and continue" stance): a container or cgroup that
// forbids the syscall shouldn't crash the demo, it should just run
// unpinned.
func Pin(core int) {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	_ = unix.SchedSetaffinity(0, &set)
}

// Unpin widens the thread's affinity back to CPUs 0..runtime.NumCPU()-1 and
// releases the OS-thread lock.
func Unpin() {
	defer runtime.UnlockOSThread()

	var set unix.CPUSet
	set.Zero()
	for c := 0; c < runtime.NumCPU(); c++ {
		set.Set(c)
	}
	_ = unix.SchedSetaffinity(0, &set)
}

// Available reports how many CPUs the current process may run on.
func Available() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return runtime.NumCPU()
	}
	return set.Count()
}
