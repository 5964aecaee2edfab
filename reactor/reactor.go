// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral poller contract.

package reactor

import (
	"errors"
	"time"
)

// ErrNotSupported is returned on platforms without a poller implementation.
var ErrNotSupported = errors.New("reactor: platform not supported")

// Interest is a set of readiness conditions.
type Interest uint8

const (
	// Read reports readable or peer-closed descriptors.
	Read Interest = 1 << iota
	// Write reports descriptors whose send buffer has room.
	Write
)

// Has reports whether all bits of o are set.
func (i Interest) Has(o Interest) bool { return i&o == o }

func (i Interest) String() string {
	switch i {
	case 0:
		return "none"
	case Read:
		return "read"
	case Write:
		return "write"
	case Read | Write:
		return "read|write"
	}
	return "invalid"
}

// Event is one readiness notification.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	// Hangup is set on error or peer shutdown; the descriptor should be read
	// to observe the condition.
	Hangup bool
}

// Poller multiplexes readiness over many descriptors.
type Poller interface {
	Add(fd int, interest Interest) error
	Modify(fd int, interest Interest) error
	Remove(fd int) error
	// Wait blocks up to timeout (negative: forever) and fills events.
	// Wakeup-only returns report zero events.
	Wait(events []Event, timeout time.Duration) (int, error)
	// Wakeup interrupts a concurrent Wait; safe from any goroutine.
	Wakeup() error
	Close() error
}
