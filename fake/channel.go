// Package fake
// Author: momentics <momentics@gmail.com>
//
// Codec-facing channel for exercising codecs without an event loop.

package fake

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-io/core/buffer"
	"github.com/momentics/hioload-io/core/protocol"
)

// Channel implements protocol.Channel and records flushed futures.
type Channel struct {
	id      int
	alloc   buffer.Allocator
	log     zerolog.Logger
	mu      sync.Mutex
	attrs   map[any]any
	flushed []protocol.Future
}

// NewChannel creates a channel backed by a small loop allocator.
func NewChannel(id int) *Channel {
	return &Channel{
		id:    id,
		alloc: buffer.NewLoopAllocator(4096, 16),
		log:   zerolog.Nop(),
		attrs: make(map[any]any),
	}
}

func (c *Channel) ID() int                     { return c.id }
func (c *Channel) Allocator() buffer.Allocator { return c.alloc }
func (c *Channel) Logger() *zerolog.Logger     { return &c.log }

func (c *Channel) Attribute(key any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attrs[key]
}

func (c *Channel) SetAttribute(key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value == nil {
		delete(c.attrs, key)
		return
	}
	c.attrs[key] = value
}

// Flush records f without encoding it.
func (c *Channel) Flush(f protocol.Future) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushed = append(c.flushed, f)
}

// Flushed returns every future passed to Flush.
func (c *Channel) Flushed() []protocol.Future {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Future(nil), c.flushed...)
}
