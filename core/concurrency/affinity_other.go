//go:build !linux

// File: core/concurrency/affinity_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import "runtime"

// PinToCPU locks the calling goroutine to its OS thread. Binding to a CPU is
// not supported on this platform.
func PinToCPU(cpu int) error {
	runtime.LockOSThread()
	if cpu < 0 {
		return nil
	}
	return ErrAffinityNotSupported
}

// Unpin releases the OS thread lock taken by PinToCPU.
func Unpin() {
	runtime.UnlockOSThread()
}
