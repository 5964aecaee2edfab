// File: core/channel/eventloop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// EventLoop is a single goroutine owning one poller and every channel
// registered on it. Other goroutines reach the loop through Dispatch, which
// queues a task and wakes the poller.

package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-io/control"
	"github.com/momentics/hioload-io/core/buffer"
	"github.com/momentics/hioload-io/core/concurrency"
	"github.com/momentics/hioload-io/core/protocol"
	"github.com/momentics/hioload-io/reactor"
)

var (
	// ErrLoopClosed is returned by Dispatch after the loop stopped.
	ErrLoopClosed = errors.New("event loop closed")
	// ErrLoopRunning is returned when Run is called twice.
	ErrLoopRunning = errors.New("event loop already running")
)

const maxEvents = 256

// EventLoop multiplexes readiness for its channels.
type EventLoop struct {
	id      int
	poller  reactor.Poller
	cfg     control.Config
	store   *control.ConfigStore
	log     zerolog.Logger
	alloc   buffer.Allocator
	shared  buffer.Allocator
	readBuf *buffer.ByteBuf
	iov     [][]byte
	events  []reactor.Event

	channels map[int]*Channel
	count    atomic.Int64
	lastIdle time.Time

	mu     sync.Mutex
	tasks  *queue.Queue
	closed bool
	drain  []func()

	goid    atomic.Uint64
	busy    atomic.Bool
	running atomic.Bool
	done    chan struct{}
}

// LoopOption configures an EventLoop.
type LoopOption func(*EventLoop)

// WithLoopID sets the loop index used in logs and for CPU pinning.
func WithLoopID(id int) LoopOption {
	return func(l *EventLoop) { l.id = id }
}

// WithLoopLogger sets the loop logger.
func WithLoopLogger(log zerolog.Logger) LoopOption {
	return func(l *EventLoop) { l.log = log }
}

// WithSharedAllocator sets the concurrent pool used off-loop, and by the loop
// itself when cfg.SharedBufferPool is set.
func WithSharedAllocator(a buffer.Allocator) LoopOption {
	return func(l *EventLoop) { l.shared = a }
}

// WithLiveConfig makes the idle sweep follow hot-reloaded idle times.
func WithLiveConfig(store *control.ConfigStore) LoopOption {
	return func(l *EventLoop) { l.store = store }
}

// NewEventLoop creates a loop over poller.
func NewEventLoop(poller reactor.Poller, cfg control.Config, opts ...LoopOption) *EventLoop {
	l := &EventLoop{
		poller:   poller,
		cfg:      cfg,
		log:      zerolog.Nop(),
		readBuf:  buffer.NewByteBuf(cfg.ReadBufferSize),
		iov:      make([][]byte, cfg.WriteBatch),
		events:   make([]reactor.Event, maxEvents),
		channels: make(map[int]*Channel),
		tasks:    queue.New(),
		done:     make(chan struct{}),
		lastIdle: time.Now(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.shared == nil {
		l.shared = buffer.NewSharedAllocator(cfg.BufferUnit, cfg.BufferPoolSize)
	}
	if cfg.SharedBufferPool {
		l.alloc = l.shared
	} else {
		l.alloc = buffer.NewLoopAllocator(cfg.BufferUnit, cfg.BufferPoolSize)
	}
	l.log = l.log.With().Int("loop", l.id).Logger()
	return l
}

// ID returns the loop index.
func (l *EventLoop) ID() int { return l.id }

// ChannelCount returns the number of attached channels.
func (l *EventLoop) ChannelCount() int { return int(l.count.Load()) }

// Allocator returns the loop-confined pool.
func (l *EventLoop) Allocator() buffer.Allocator { return l.alloc }

// Done is closed once Run returned.
func (l *EventLoop) Done() <-chan struct{} { return l.done }

// InEventLoop reports whether the caller runs on this loop's goroutine.
func (l *EventLoop) InEventLoop() bool {
	// an idle loop sits in Wait, so no caller can be the loop itself
	if !l.busy.Load() {
		return false
	}
	return l.goid.Load() == concurrency.GoroutineID()
}

// Dispatch runs task on the loop goroutine.
func (l *EventLoop) Dispatch(task func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.tasks.Add(task)
	l.mu.Unlock()
	return l.poller.Wakeup()
}

// Register binds sock to this loop under ctx. The returned channel is usable
// immediately; attachment to the poller happens on the loop.
func (l *EventLoop) Register(sock Socket, ctx *Context) (*Channel, error) {
	ch := newChannel(l, ctx, sock)
	if l.InEventLoop() {
		l.attach(ch)
		return ch, nil
	}
	if err := l.Dispatch(func() { l.attach(ch) }); err != nil {
		sock.Close()
		return nil, fmt.Errorf("register: %w", err)
	}
	return ch, nil
}

func (l *EventLoop) attach(ch *Channel) {
	if err := l.poller.Add(ch.fd, reactor.Read); err != nil {
		ch.log.Error().Err(err).Msg("poller add failed")
		ch.opened.Store(false)
		ch.sock.Close()
		return
	}
	l.channels[ch.fd] = ch
	l.count.Add(1)
	ch.attached = true
	ch.interest = reactor.Read
	ch.ctx.metrics.ChannelsOpened.Add(1)
	ch.log.Debug().Stringer("conn", ch).Msg("channel opened")

	if init, ok := ch.codec.(protocol.Initializer); ok {
		if err := init.InitChannel(ch); err != nil {
			ch.log.Error().Err(err).Msg("codec init failed")
			ch.close0()
			return
		}
	}
	if ch.ctx.ssl != nil {
		engine, err := ch.ctx.ssl.NewEngine(ch)
		if err != nil {
			ch.log.Error().Err(err).Msg("ssl engine init failed")
			ch.close0()
			return
		}
		ch.ssl = engine
		if engine.IsClient() {
			hello := protocol.NewRawFuture(buffer.Wrap(nil))
			hello.SetNeedSsl(true)
			ch.FlushFuture(hello)
		}
	}
	for _, lis := range ch.ctx.listeners {
		if err := ch.fireOpened(lis); err != nil {
			ch.log.Error().Err(err).Msg("open listener failed")
			ch.close0()
			return
		}
	}
}

func (l *EventLoop) detach(ch *Channel) {
	if !ch.attached {
		return
	}
	ch.attached = false
	if l.channels[ch.fd] == ch {
		delete(l.channels, ch.fd)
		l.count.Add(-1)
	}
	if err := l.poller.Remove(ch.fd); err != nil {
		ch.log.Debug().Err(err).Msg("poller remove")
	}
}

// Run drives the loop until ctx is cancelled. On exit every channel is closed.
func (l *EventLoop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer close(l.done)
	cpu := -1
	if l.cfg.PinLoops {
		cpu = l.id
	}
	if err := concurrency.PinToCPU(cpu); err != nil {
		l.log.Warn().Err(err).Msg("cpu pinning unavailable")
	}
	defer concurrency.Unpin()
	l.goid.Store(concurrency.GoroutineID())
	stop := context.AfterFunc(ctx, func() { l.poller.Wakeup() })
	defer stop()
	defer l.shutdown()

	for ctx.Err() == nil {
		n, err := l.poller.Wait(l.events, l.pollTimeout())
		l.busy.Store(true)
		if err != nil {
			return fmt.Errorf("loop %d: %w", l.id, err)
		}
		for i := 0; i < n; i++ {
			l.handle(l.events[i])
		}
		l.runTasks()
		l.sweepIdle(time.Now())
		l.busy.Store(false)
	}
	return nil
}

func (l *EventLoop) pollTimeout() time.Duration {
	l.mu.Lock()
	pending := l.tasks.Length() > 0
	l.mu.Unlock()
	if pending {
		return 0
	}
	idle := l.idleTime()
	if idle <= 0 {
		return -1
	}
	if d := time.Until(l.lastIdle.Add(idle)); d > 0 {
		return d
	}
	return 0
}

func (l *EventLoop) idleTime() time.Duration {
	if l.store != nil {
		return l.store.Snapshot().IdleTime
	}
	return l.cfg.IdleTime
}

func (l *EventLoop) handle(ev reactor.Event) {
	ch := l.channels[ev.Fd]
	if ch == nil {
		return
	}
	if ev.Readable || ev.Hangup {
		if err := ch.read(); err != nil {
			ch.closeOnError(err)
			return
		}
	}
	if ev.Writable && ch.IsOpened() {
		if err := ch.write(false); err != nil {
			ch.closeOnError(err)
		}
	}
}

func (l *EventLoop) runTasks() {
	l.mu.Lock()
	for l.tasks.Length() > 0 {
		l.drain = append(l.drain, l.tasks.Remove().(func()))
	}
	l.mu.Unlock()
	for i, task := range l.drain {
		l.safeRun(task)
		l.drain[i] = nil
	}
	l.drain = l.drain[:0]
}

func (l *EventLoop) safeRun(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("loop task panicked")
		}
	}()
	task()
}

func (l *EventLoop) sweepIdle(now time.Time) {
	idle := l.idleTime()
	if idle <= 0 || now.Sub(l.lastIdle) < idle {
		return
	}
	lastIdle := l.lastIdle
	l.lastIdle = now
	for _, ch := range l.channels {
		for _, lis := range ch.ctx.idleListeners {
			l.fireIdle(lis, ch, lastIdle, now)
		}
	}
}

func (l *EventLoop) fireIdle(lis ChannelIdleListener, ch *Channel, lastIdle, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("idle listener panicked")
		}
	}()
	lis.ChannelIdled(ch, lastIdle, now)
}

func (l *EventLoop) shutdown() {
	l.busy.Store(true)
	l.runTasks()
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	for _, ch := range l.channels {
		ch.close0()
	}
	l.runTasks()
	l.busy.Store(false)
	if err := l.poller.Close(); err != nil {
		l.log.Debug().Err(err).Msg("poller close")
	}
}
