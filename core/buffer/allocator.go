// File: core/buffer/allocator.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Allocators hand out fixed-unit ByteBufs and take them back on a matching
// release version. LoopAllocator is owned by a single event loop and takes no
// locks; SharedAllocator serves several loops through a lock-free free list.

package buffer

import (
	"sync/atomic"

	"github.com/momentics/hioload-io/core/concurrency"
)

// DefaultUnit is the pooled buffer size used when none is configured.
const DefaultUnit = 16 * 1024

// Allocator issues pooled buffers.
type Allocator interface {
	// Allocate returns a cleared buffer with capacity of at least size.
	Allocate(size int) *ByteBuf
	// Release takes b back if version is its live release version.
	Release(b *ByteBuf, version uint64) bool
	// Stats returns allocation counters.
	Stats() Stats
}

// Stats aggregates buffer allocation and reuse counters.
type Stats struct {
	Unit       int
	TotalAlloc int64
	TotalFree  int64
	InUse      int64
	Unpooled   int64
}

type counters struct {
	alloc    atomic.Int64
	free     atomic.Int64
	unpooled atomic.Int64
}

func (c *counters) snapshot(unit int) Stats {
	a, f := c.alloc.Load(), c.free.Load()
	return Stats{Unit: unit, TotalAlloc: a, TotalFree: f, InUse: a - f, Unpooled: c.unpooled.Load()}
}

// LoopAllocator is a free-list allocator confined to one goroutine.
type LoopAllocator struct {
	unit  int
	limit int
	free  []*ByteBuf
	stats counters
}

// NewLoopAllocator creates an allocator of unit-sized buffers keeping at most
// limit idle buffers.
func NewLoopAllocator(unit, limit int) *LoopAllocator {
	if unit <= 0 {
		unit = DefaultUnit
	}
	return &LoopAllocator{unit: unit, limit: limit, free: make([]*ByteBuf, 0, limit)}
}

// Allocate implements Allocator.
func (a *LoopAllocator) Allocate(size int) *ByteBuf {
	if size > a.unit {
		a.stats.unpooled.Add(1)
		return NewByteBuf(size)
	}
	a.stats.alloc.Add(1)
	if n := len(a.free); n > 0 {
		b := a.free[n-1]
		a.free[n-1] = nil
		a.free = a.free[:n-1]
		return b.reissue()
	}
	b := NewByteBuf(a.unit)
	b.owner = a
	return b
}

// Release implements Allocator.
func (a *LoopAllocator) Release(b *ByteBuf, version uint64) bool {
	if !b.retire(version) {
		return false
	}
	a.stats.free.Add(1)
	if len(a.free) < a.limit {
		a.free = append(a.free, b)
	}
	return true
}

// Stats implements Allocator.
func (a *LoopAllocator) Stats() Stats { return a.stats.snapshot(a.unit) }

// SharedAllocator is safe for use by several event loops.
type SharedAllocator struct {
	unit  int
	queue *concurrency.LockFreeQueue[*ByteBuf]
	stats counters
}

// NewSharedAllocator creates a concurrent allocator of unit-sized buffers.
func NewSharedAllocator(unit, limit int) *SharedAllocator {
	if unit <= 0 {
		unit = DefaultUnit
	}
	return &SharedAllocator{unit: unit, queue: concurrency.NewLockFreeQueue[*ByteBuf](limit)}
}

// Allocate implements Allocator.
func (a *SharedAllocator) Allocate(size int) *ByteBuf {
	if size > a.unit {
		a.stats.unpooled.Add(1)
		return NewByteBuf(size)
	}
	a.stats.alloc.Add(1)
	if b, ok := a.queue.Dequeue(); ok {
		return b.reissue()
	}
	b := NewByteBuf(a.unit)
	b.owner = a
	return b
}

// Release implements Allocator.
func (a *SharedAllocator) Release(b *ByteBuf, version uint64) bool {
	if !b.retire(version) {
		return false
	}
	a.stats.free.Add(1)
	// a full free list drops the buffer to the GC
	a.queue.Enqueue(b)
	return true
}

// Stats implements Allocator.
func (a *SharedAllocator) Stats() Stats { return a.stats.snapshot(a.unit) }
