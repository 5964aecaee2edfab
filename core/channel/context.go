// File: core/channel/context.go
// Package channel implements the connection engine: channels with buffered
// partial reads and writes, the event loops that own them, and the group that
// runs the loops.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package channel

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-io/control"
	"github.com/momentics/hioload-io/core/concurrency"
	"github.com/momentics/hioload-io/core/protocol"
)

// Context is the per-service configuration shared by every channel it
// accepts or connects: codec, handler, listeners, TLS and worker dispatch.
type Context struct {
	codec         protocol.ProtocolCodec
	handler       IoEventHandle
	listeners     []ChannelEventListener
	idleListeners []ChannelIdleListener
	ssl           SslContext
	logger        zerolog.Logger
	metrics       *control.MetricsRegistry
	workers       *concurrency.ExecutorGroup
	workerCount   int
	ownWorkers    bool
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the base logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Context) { c.logger = l }
}

// WithMetrics shares a metrics registry.
func WithMetrics(m *control.MetricsRegistry) Option {
	return func(c *Context) { c.metrics = m }
}

// WithListener adds an open/close listener.
func WithListener(l ChannelEventListener) Option {
	return func(c *Context) { c.listeners = append(c.listeners, l) }
}

// WithIdleListener adds a listener fired by the idle sweep.
func WithIdleListener(l ChannelIdleListener) Option {
	return func(c *Context) { c.idleListeners = append(c.idleListeners, l) }
}

// WithSsl enables TLS through an external engine.
func WithSsl(s SslContext) Option {
	return func(c *Context) { c.ssl = s }
}

// WithExecutorGroup dispatches decoded futures to the given workers.
func WithExecutorGroup(g *concurrency.ExecutorGroup) Option {
	return func(c *Context) { c.workers = g }
}

// WithWorkers dispatches decoded futures to n workers owned by the context.
func WithWorkers(n int) Option {
	return func(c *Context) { c.workerCount = n }
}

// NewContext binds a codec and a handler.
func NewContext(codec protocol.ProtocolCodec, handler IoEventHandle, opts ...Option) *Context {
	c := &Context{
		codec:   codec,
		handler: handler,
		logger:  zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = control.NewMetricsRegistry()
	}
	if c.workers == nil && c.workerCount > 0 {
		log := c.logger
		c.workers = concurrency.NewExecutorGroup(c.workerCount, func(r any) {
			log.Error().Interface("panic", r).Msg("worker task panicked")
		})
		c.ownWorkers = true
	}
	c.logger = c.logger.With().Str("component", "channel").Str("protocol", codec.ProtocolID()).Logger()
	return c
}

// Codec returns the protocol codec.
func (c *Context) Codec() protocol.ProtocolCodec { return c.codec }

// Handler returns the application handler.
func (c *Context) Handler() IoEventHandle { return c.handler }

// Metrics returns the shared counters.
func (c *Context) Metrics() *control.MetricsRegistry { return c.metrics }

// Logger returns the context logger.
func (c *Context) Logger() *zerolog.Logger { return &c.logger }

// SslEnabled reports whether channels of this context use TLS.
func (c *Context) SslEnabled() bool { return c.ssl != nil }

// Close stops workers owned by the context.
func (c *Context) Close() {
	if c.ownWorkers {
		c.workers.Close()
	}
}

func (c *Context) nextWorker() *concurrency.Worker {
	if c.workers == nil {
		return nil
	}
	return c.workers.Next()
}
