// File: core/channel/channel_write.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Write path. Futures go out through a batch of at most WriteBatch entries
// written with one scatter write; whatever does not fit waits in the overflow
// queue. A partial write keeps the unwritten tail at the front of the batch
// and adds write interest; a fully drained channel goes back to read interest.

package channel

import (
	"github.com/momentics/hioload-io/core/buffer"
	"github.com/momentics/hioload-io/core/protocol"
	"github.com/momentics/hioload-io/reactor"
)

// Flush encodes f with the channel codec and queues it for writing. Flushing
// an already flushed future is a no-op.
func (c *Channel) Flush(f protocol.Future) {
	if f == nil || f.Flushed() {
		return
	}
	if !c.IsOpened() {
		c.exceptionCaught(f, protocol.NewError(protocol.KindTransport, "flush", protocol.ErrClosedChannel))
		return
	}
	f.MarkFlushed()
	f.SetNeedSsl(c.ssl != nil)
	if err := c.codec.Encode(c, f); err != nil {
		c.exceptionCaught(f, protocol.NewError(protocol.KindEncode, "encode", err))
		return
	}
	c.FlushFuture(f)
}

// FlushAll encodes and queues futures as one batch. If any future fails to
// encode, every future is reported and the channel is closed.
func (c *Channel) FlushAll(futures []protocol.Future) {
	if len(futures) == 0 {
		return
	}
	if !c.IsOpened() {
		err := protocol.NewError(protocol.KindTransport, "flush", protocol.ErrClosedChannel)
		for _, f := range futures {
			c.exceptionCaught(f, err)
		}
		return
	}
	for _, f := range futures {
		f.MarkFlushed()
		f.SetNeedSsl(c.ssl != nil)
		if err := c.codec.Encode(c, f); err != nil {
			err = protocol.NewError(protocol.KindEncode, "encode", err)
			for _, g := range futures {
				c.releaseFuture(g)
				c.exceptionCaught(g, err)
			}
			c.Close()
			return
		}
	}
	c.flushFutures(futures)
}

// FlushFuture queues an already encoded future.
func (c *Channel) FlushFuture(f protocol.Future) {
	if c.loop.InEventLoop() {
		if !c.IsOpened() {
			c.rejectClosed(f)
			return
		}
		c.closeLock.Lock()
		idle := c.writeLen == 0 && c.overflow.Length() == 0
		if !idle {
			c.overflow.Add(f)
		}
		c.closeLock.Unlock()
		if idle {
			c.writeFutures[0] = f
			c.writeLen = 1
		}
		if err := c.write(false); err != nil {
			c.closeOnError(err)
		}
		return
	}
	c.closeLock.Lock()
	if !c.opened.Load() {
		c.closeLock.Unlock()
		c.rejectClosed(f)
		return
	}
	c.overflow.Add(f)
	first := c.overflow.Length() == 1
	c.closeLock.Unlock()
	if first {
		c.scheduleWrite()
	}
}

func (c *Channel) flushFutures(futures []protocol.Future) {
	if c.loop.InEventLoop() {
		if !c.IsOpened() {
			for _, f := range futures {
				c.rejectClosed(f)
			}
			return
		}
		c.closeLock.Lock()
		for _, f := range futures {
			c.overflow.Add(f)
		}
		c.closeLock.Unlock()
		if err := c.write(false); err != nil {
			c.closeOnError(err)
		}
		return
	}
	c.closeLock.Lock()
	if !c.opened.Load() {
		c.closeLock.Unlock()
		for _, f := range futures {
			c.rejectClosed(f)
		}
		return
	}
	first := c.overflow.Length() == 0
	for _, f := range futures {
		c.overflow.Add(f)
	}
	c.closeLock.Unlock()
	if first {
		c.scheduleWrite()
	}
}

func (c *Channel) rejectClosed(f protocol.Future) {
	c.releaseFuture(f)
	c.exceptionCaught(f, protocol.NewError(protocol.KindTransport, "flush", protocol.ErrClosedChannel))
}

func (c *Channel) scheduleWrite() {
	if err := c.loop.Dispatch(c.writeTask); err != nil {
		// the loop is gone; close0 will not run there anymore
		c.log.Debug().Err(err).Msg("write pass not scheduled")
	}
}

func (c *Channel) writeTask() {
	if !c.IsOpened() {
		return
	}
	if err := c.write(false); err != nil {
		c.closeOnError(err)
	}
}

// write drains the batch and the overflow queue until the socket stops
// accepting bytes. locked is true when the caller already holds closeLock.
func (c *Channel) write(locked bool) error {
	if !locked {
		defer c.reportDropped()
	}
	width := len(c.writeFutures)
	iov := c.loop.iov
	for {
		n := c.writeLen
		if n < width {
			if !locked {
				c.closeLock.Lock()
			}
			for n < width && c.overflow.Length() > 0 {
				c.writeFutures[n] = c.overflow.Remove().(protocol.Future)
				n++
			}
			if !locked {
				c.closeLock.Unlock()
			}
		}
		c.writeLen = n
		if n == 0 {
			return c.setInterest(reactor.Read)
		}
		if err := c.wrapBatch(); err != nil {
			return err
		}
		n = c.writeLen
		for i := 0; i < n; i++ {
			iov[i] = c.writeFutures[i].ByteBuf().Bytes()
		}
		written, err := c.sock.Writev(iov[:n])
		clear(iov[:n])
		if err != nil {
			return protocol.NewError(protocol.KindTransport, "write", err)
		}
		c.ctx.metrics.BytesWritten.Add(int64(written))
		for i := 0; i < n; i++ {
			f := c.writeFutures[i]
			b := f.ByteBuf()
			if rem := b.Remaining(); written >= rem {
				written -= rem
				b.Skip(rem)
				c.writeFutures[i] = nil
				c.releaseFuture(f)
				c.ctx.metrics.FuturesFlushed.Add(1)
				continue
			}
			b.Skip(written)
			k := copy(c.writeFutures, c.writeFutures[i:n])
			clear(c.writeFutures[k:n])
			c.writeLen = k
			return c.setInterest(reactor.Read | reactor.Write)
		}
		c.writeLen = 0
		if n < width {
			return c.setInterest(reactor.Read)
		}
	}
}

// wrapBatch encrypts every batched future still holding plaintext. Once the
// engine failed, no further future is wrapped: it is released and dropped from
// the batch so plaintext never reaches the socket.
func (c *Channel) wrapBatch() error {
	var first error
	k := 0
	for i := 0; i < c.writeLen; i++ {
		f := c.writeFutures[i]
		c.writeFutures[i] = nil
		if f.NeedSsl() {
			var err error = protocol.NewError(protocol.KindTransport, "ssl wrap", ErrSslEngineFailed)
			if !c.sslFailed {
				err = c.wrap(f)
			}
			if err != nil {
				c.sslFailed = true
				c.releaseFuture(f)
				c.dropped = append(c.dropped, failedWrite{f: f, err: err})
				if first == nil {
					first = err
				}
				continue
			}
		}
		c.writeFutures[k] = f
		k++
	}
	c.writeLen = k
	return first
}

// wrap replaces the plaintext buffer of f with TLS records.
func (c *Channel) wrap(f protocol.Future) error {
	var plain []byte
	if b := f.ByteBuf(); b != nil {
		plain = b.Bytes()
	}
	cipher, err := c.ssl.Wrap(plain)
	if err != nil {
		return protocol.NewError(protocol.KindTransport, "ssl wrap", err)
	}
	f.Release()
	f.SetByteBuf(buffer.Wrap(cipher))
	f.SetNeedSsl(false)
	return nil
}

type failedWrite struct {
	f   protocol.Future
	err error
}

// reportDropped hands futures dropped by the write path to the handler. It
// must run without closeLock held.
func (c *Channel) reportDropped() {
	dropped := c.dropped
	c.dropped = nil
	for _, d := range dropped {
		c.exceptionCaught(d.f, d.err)
	}
}

func (c *Channel) setInterest(i reactor.Interest) error {
	if c.interest == i || !c.attached {
		return nil
	}
	if err := c.loop.poller.Modify(c.fd, i); err != nil {
		return protocol.NewError(protocol.KindTransport, "interest", err)
	}
	c.interest = i
	return nil
}
