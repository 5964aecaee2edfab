// File: core/channel/group.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// EventLoopGroup owns a fixed set of loops and hands them out round-robin.

package channel

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-io/control"
	"github.com/momentics/hioload-io/core/buffer"
	"github.com/momentics/hioload-io/reactor"
)

// PollerFactory creates one poller per loop.
type PollerFactory func() (reactor.Poller, error)

// EventLoopGroup runs several event loops.
type EventLoopGroup struct {
	loops  []*EventLoop
	shared buffer.Allocator
	next   atomic.Uint64
	probes *control.DebugProbes
}

type groupOptions struct {
	newPoller PollerFactory
	log       zerolog.Logger
	store     *control.ConfigStore
	probes    *control.DebugProbes
}

// GroupOption configures an EventLoopGroup.
type GroupOption func(*groupOptions)

// WithPollerFactory replaces the platform poller.
func WithPollerFactory(f PollerFactory) GroupOption {
	return func(o *groupOptions) { o.newPoller = f }
}

// WithGroupLogger sets the logger given to every loop.
func WithGroupLogger(log zerolog.Logger) GroupOption {
	return func(o *groupOptions) { o.log = log }
}

// WithConfigStore lets loops follow hot-reloaded settings.
func WithConfigStore(store *control.ConfigStore) GroupOption {
	return func(o *groupOptions) { o.store = store }
}

// WithProbes registers per-loop probes on dp.
func WithProbes(dp *control.DebugProbes) GroupOption {
	return func(o *groupOptions) { o.probes = dp }
}

// NewEventLoopGroup creates cfg.EventLoops loops.
func NewEventLoopGroup(cfg control.Config, opts ...GroupOption) (*EventLoopGroup, error) {
	o := groupOptions{newPoller: reactor.NewPoller, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store != nil {
		cfg = o.store.Snapshot()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &EventLoopGroup{
		shared: buffer.NewSharedAllocator(cfg.BufferUnit, cfg.BufferPoolSize),
		probes: o.probes,
	}
	for i := 0; i < cfg.EventLoops; i++ {
		p, err := o.newPoller()
		if err != nil {
			g.closePollers()
			return nil, fmt.Errorf("loop %d poller: %w", i, err)
		}
		l := NewEventLoop(p, cfg,
			WithLoopID(i),
			WithLoopLogger(o.log),
			WithSharedAllocator(g.shared),
			WithLiveConfig(o.store),
		)
		g.loops = append(g.loops, l)
		if g.probes != nil {
			g.probes.RegisterProbe(fmt.Sprintf("loop.%d.channels", i), func() any { return l.ChannelCount() })
		}
	}
	if g.probes != nil {
		g.probes.RegisterProbe("buffers.shared", func() any { return g.shared.Stats() })
	}
	return g, nil
}

func (g *EventLoopGroup) closePollers() {
	for _, l := range g.loops {
		l.poller.Close()
	}
}

// Next returns the next loop in round-robin order.
func (g *EventLoopGroup) Next() *EventLoop {
	i := g.next.Add(1) - 1
	return g.loops[i%uint64(len(g.loops))]
}

// Loops returns every loop.
func (g *EventLoopGroup) Loops() []*EventLoop { return g.loops }

// SharedAllocator returns the pool shared by all loops.
func (g *EventLoopGroup) SharedAllocator() buffer.Allocator { return g.shared }

// Register binds sock to the next loop.
func (g *EventLoopGroup) Register(sock Socket, ctx *Context) (*Channel, error) {
	return g.Next().Register(sock, ctx)
}

// Run runs every loop until ctx is cancelled or one loop fails.
func (g *EventLoopGroup) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, l := range g.loops {
		l := l
		eg.Go(func() error { return l.Run(ctx) })
	}
	err := eg.Wait()
	if g.probes != nil {
		for i := range g.loops {
			g.probes.UnregisterProbe(fmt.Sprintf("loop.%d.channels", i))
		}
	}
	return err
}
