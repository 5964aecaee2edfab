//go:build linux

// File: transport/acceptor_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Acceptor polls a listening socket on its own goroutine and registers every
// accepted connection with the next event loop.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-io/core/channel"
	"github.com/momentics/hioload-io/core/concurrency"
	"github.com/momentics/hioload-io/reactor"
)

var (
	// ErrAcceptorClosed is returned by Serve after Close.
	ErrAcceptorClosed  = errors.New("transport: acceptor closed")
	ErrAcceptorServing = errors.New("transport: acceptor already serving")
)

const defaultBacklog = 1024

type acceptorOptions struct {
	backlog int
	cpu     int
	log     zerolog.Logger
}

// AcceptorOption configures Listen.
type AcceptorOption func(*acceptorOptions)

// WithBacklog sets the listen(2) backlog.
func WithBacklog(n int) AcceptorOption {
	return func(o *acceptorOptions) { o.backlog = n }
}

// WithAcceptCPU pins the accept goroutine to cpu.
func WithAcceptCPU(cpu int) AcceptorOption {
	return func(o *acceptorOptions) { o.cpu = cpu }
}

// WithAcceptorLogger sets the logger.
func WithAcceptorLogger(log zerolog.Logger) AcceptorOption {
	return func(o *acceptorOptions) { o.log = log }
}

// Acceptor accepts connections for one channel context.
type Acceptor struct {
	fd      int
	addr    net.Addr
	poller  reactor.Poller
	reg     Registrar
	ctx     *channel.Context
	opts    acceptorOptions
	closed  atomic.Bool
	serving atomic.Bool
	done    chan struct{}
}

// Listen binds addr and returns an acceptor ready to Serve.
func Listen(addr string, reg Registrar, ctx *channel.Context, opts ...AcceptorOption) (*Acceptor, error) {
	o := acceptorOptions{backlog: defaultBacklog, cpu: -1, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	sa, family, err := tcpSockaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := listenFd(fd, sa, o.backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	local, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	p, err := reactor.NewPoller()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := p.Add(fd, reactor.Read); err != nil {
		p.Close()
		unix.Close(fd)
		return nil, err
	}
	a := &Acceptor{
		fd:     fd,
		addr:   sockaddrToAddr(local),
		poller: p,
		reg:    reg,
		ctx:    ctx,
		opts:   o,
		done:   make(chan struct{}),
	}
	a.opts.log = o.log.With().Str("component", "acceptor").Stringer("addr", a.addr).Logger()
	return a, nil
}

func listenFd(fd int, sa unix.Sockaddr, backlog int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		return err
	}
	return unix.Listen(fd, backlog)
}

// Addr returns the bound address.
func (a *Acceptor) Addr() net.Addr { return a.addr }

// Serve accepts until ctx is cancelled or Close is called. Cancellation
// closes the acceptor and returns nil.
func (a *Acceptor) Serve(ctx context.Context) error {
	if !a.serving.CompareAndSwap(false, true) {
		return ErrAcceptorServing
	}
	defer close(a.done)
	if a.opts.cpu >= 0 {
		if err := concurrency.PinToCPU(a.opts.cpu); err != nil {
			a.opts.log.Warn().Err(err).Int("cpu", a.opts.cpu).Msg("accept affinity failed")
		}
		defer concurrency.Unpin()
	}
	stop := context.AfterFunc(ctx, func() { a.poller.Wakeup() })
	defer stop()

	a.opts.log.Info().Msg("accepting")
	events := make([]reactor.Event, 1)
	for {
		if ctx.Err() != nil {
			a.shutdown()
			return nil
		}
		if a.closed.Load() {
			return ErrAcceptorClosed
		}
		n, err := a.poller.Wait(events, time.Second)
		if err != nil {
			if a.closed.Load() {
				return ErrAcceptorClosed
			}
			return fmt.Errorf("accept wait: %w", err)
		}
		if n > 0 {
			a.acceptAll()
		}
	}
}

func (a *Acceptor) acceptAll() {
	for {
		nfd, _, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EBADF):
			return
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		default:
			// EMFILE and friends: back off until the next readiness event
			a.opts.log.Warn().Err(err).Msg("accept failed")
			return
		}
		sock, err := NewSocket(nfd)
		if err != nil {
			unix.Close(nfd)
			a.opts.log.Warn().Err(err).Msg("socket setup failed")
			continue
		}
		if _, err := a.reg.Register(sock, a.ctx); err != nil {
			a.opts.log.Warn().Err(err).Stringer("remote", sock.RemoteAddr()).Msg("register failed")
		}
	}
}

// Close stops accepting. Channels already accepted stay open.
func (a *Acceptor) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !a.serving.Load() {
		return a.release()
	}
	a.poller.Wakeup()
	<-a.done
	return a.release()
}

func (a *Acceptor) shutdown() {
	if a.closed.CompareAndSwap(false, true) {
		a.release()
	}
}

func (a *Acceptor) release() error {
	err := a.poller.Close()
	if cerr := unix.Close(a.fd); err == nil {
		err = cerr
	}
	return err
}
