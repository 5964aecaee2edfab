//go:build linux

// File: core/concurrency/affinity_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// CPU pinning for event-loop goroutines through sched_setaffinity(2).

package concurrency

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// PinToCPU locks the calling goroutine to its OS thread and binds that thread
// to cpu. A negative cpu only locks the thread.
func PinToCPU(cpu int) error {
	runtime.LockOSThread()
	if cpu < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu % runtime.NumCPU())
	return unix.SchedSetaffinity(0, &set)
}

// Unpin releases the OS thread lock taken by PinToCPU.
func Unpin() {
	runtime.UnlockOSThread()
}
