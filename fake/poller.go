// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"errors"
	"sync"
	"time"

	"github.com/momentics/hioload-io/reactor"
)

// ErrUnknownFd is returned for descriptors that were never added.
var ErrUnknownFd = errors.New("fake poller: unknown fd")

// Poller is a level-triggered poller over fake sockets.
type Poller struct {
	mu       sync.Mutex
	sockets  map[int]*Socket
	interest map[int]reactor.Interest
	modifies int
	wake     chan struct{}
	closed   bool
}

// NewPoller creates an empty poller.
func NewPoller() *Poller {
	return &Poller{
		sockets:  make(map[int]*Socket),
		interest: make(map[int]reactor.Interest),
		wake:     make(chan struct{}, 1),
	}
}

// Track lets the poller observe s once its descriptor is added.
func (p *Poller) Track(s *Socket) {
	p.mu.Lock()
	p.sockets[s.fd] = s
	p.mu.Unlock()
	s.mu.Lock()
	s.notify = func() { p.Wakeup() }
	s.mu.Unlock()
}

func (p *Poller) Add(fd int, interest reactor.Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interest[fd] = interest
	return nil
}

func (p *Poller) Modify(fd int, interest reactor.Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interest[fd]; !ok {
		return ErrUnknownFd
	}
	p.interest[fd] = interest
	p.modifies++
	return nil
}

func (p *Poller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interest[fd]; !ok {
		return ErrUnknownFd
	}
	delete(p.interest, fd)
	return nil
}

// Interest returns the registered interest of fd.
func (p *Poller) Interest(fd int) (reactor.Interest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.interest[fd]
	return i, ok
}

// Modifies returns how many interest changes were made.
func (p *Poller) Modifies() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modifies
}

func (p *Poller) collect(events []reactor.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for fd, in := range p.interest {
		if n == len(events) {
			break
		}
		s := p.sockets[fd]
		if s == nil {
			continue
		}
		r := in.Has(reactor.Read) && s.readable()
		w := in.Has(reactor.Write) && s.writable()
		if r || w {
			events[n] = reactor.Event{Fd: fd, Readable: r, Writable: w}
			n++
		}
	}
	return n
}

func (p *Poller) Wait(events []reactor.Event, timeout time.Duration) (int, error) {
	if n := p.collect(events); n > 0 || timeout == 0 {
		return n, nil
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-p.wake:
	case <-timer:
	}
	return p.collect(events), nil
}

func (p *Poller) Wakeup() error {
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (p *Poller) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
