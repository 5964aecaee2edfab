// File: core/channel/channel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Channel is one connection bound to one event loop for its whole life.
// All read-side state and the in-flight write batch are touched only by that
// loop; the overflow write queue and the open flag are shared with other
// goroutines under closeLock.

package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/momentics/hioload-io/core/buffer"
	"github.com/momentics/hioload-io/core/concurrency"
	"github.com/momentics/hioload-io/core/protocol"
	"github.com/momentics/hioload-io/reactor"
)

var tracer = otel.Tracer("github.com/momentics/hioload-io/core/channel")

var nextChannelID atomic.Int64

// Socket is a non-blocking stream socket.
type Socket interface {
	Fd() int
	// Read returns (0, nil) when no data is available and io.EOF once the
	// peer closed its side.
	Read(p []byte) (int, error)
	// Writev gathers bufs into one write and returns the bytes accepted;
	// (0, nil) means the send buffer is full.
	Writev(bufs [][]byte) (int, error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

type leftover struct {
	buf     *buffer.ByteBuf
	version uint64
}

func (l *leftover) release() {
	if l.buf != nil {
		l.buf.Release(l.version)
		l.buf = nil
	}
}

func (l *leftover) len() int {
	if l.buf == nil {
		return 0
	}
	return l.buf.Remaining()
}

// Channel is a registered connection.
type Channel struct {
	id      int
	fd      int
	loop    *EventLoop
	ctx     *Context
	sock    Socket
	codec   protocol.ProtocolCodec
	handler IoEventHandle
	worker  *concurrency.Worker
	log     zerolog.Logger
	ssl     SslEngine

	closeLock sync.Mutex
	opened    atomic.Bool
	overflow  *queue.Queue

	attached       bool
	inputShutdown  bool
	readFuture     protocol.Future
	sslReadFuture  *sslRecordFuture
	remaining      leftover
	plainRemaining leftover
	writeFutures   []protocol.Future
	writeLen       int
	sslFailed      bool
	dropped        []failedWrite
	interest       reactor.Interest
	lastAccess     atomic.Int64

	attrMu sync.Mutex
	attrs  map[any]any
}

func newChannel(loop *EventLoop, ctx *Context, sock Socket) *Channel {
	id := int(nextChannelID.Add(1))
	c := &Channel{
		id:           id,
		fd:           sock.Fd(),
		loop:         loop,
		ctx:          ctx,
		sock:         sock,
		codec:        ctx.codec,
		handler:      ctx.handler,
		worker:       ctx.nextWorker(),
		overflow:     queue.New(),
		writeFutures: make([]protocol.Future, loop.cfg.WriteBatch),
	}
	c.log = ctx.logger.With().Int("channel", id).Int("loop", loop.id).Logger()
	c.opened.Store(true)
	c.lastAccess.Store(time.Now().UnixNano())
	return c
}

// ID returns the process-unique channel id.
func (c *Channel) ID() int { return c.id }

// Loop returns the owning event loop.
func (c *Channel) Loop() *EventLoop { return c.loop }

// Context returns the service context.
func (c *Channel) Context() *Context { return c.ctx }

// Codec returns the protocol codec.
func (c *Channel) Codec() protocol.ProtocolCodec { return c.codec }

// Logger returns the channel-scoped logger.
func (c *Channel) Logger() *zerolog.Logger { return &c.log }

// IsOpened reports whether the channel still accepts writes.
func (c *Channel) IsOpened() bool { return c.opened.Load() }

// SslEngine returns the TLS engine, nil for plaintext channels.
func (c *Channel) SslEngine() SslEngine { return c.ssl }

// LastAccess returns the time of the last inbound read.
func (c *Channel) LastAccess() time.Time { return time.Unix(0, c.lastAccess.Load()) }

// RemoteAddr returns the peer address.
func (c *Channel) RemoteAddr() net.Addr { return c.sock.RemoteAddr() }

// LocalAddr returns the local address.
func (c *Channel) LocalAddr() net.Addr { return c.sock.LocalAddr() }

// Allocator returns the loop pool on the loop goroutine and the concurrent
// pool elsewhere.
func (c *Channel) Allocator() buffer.Allocator {
	if c.loop.InEventLoop() {
		return c.loop.alloc
	}
	return c.loop.shared
}

// Attribute returns a value stored with SetAttribute.
func (c *Channel) Attribute(key any) any {
	c.attrMu.Lock()
	defer c.attrMu.Unlock()
	return c.attrs[key]
}

// SetAttribute stores a value; nil removes the key.
func (c *Channel) SetAttribute(key, value any) {
	c.attrMu.Lock()
	defer c.attrMu.Unlock()
	if value == nil {
		delete(c.attrs, key)
		return
	}
	if c.attrs == nil {
		c.attrs = make(map[any]any)
	}
	c.attrs[key] = value
}

func (c *Channel) String() string {
	return fmt.Sprintf("[Id(0x%08x)R%s; L:%s]", c.id, addrString(c.sock.RemoteAddr()), addrString(c.sock.LocalAddr()))
}

func addrString(a net.Addr) string {
	if a == nil {
		return "?"
	}
	return a.String()
}

// read handles a readable event. Leftover bytes of an unfinished frame are
// placed ahead of the new data.
func (c *Channel) read() error {
	c.lastAccess.Store(time.Now().UnixNano())
	rem := c.remaining.len()
	buf := c.loop.readBuf
	var temp *buffer.ByteBuf
	if rem > buf.Cap()/2 {
		temp = c.loop.alloc.Allocate(rem + c.loop.cfg.ReadBufferSize)
		buf = temp
	}
	defer func() {
		if temp != nil {
			temp.Release(temp.ReleaseVersion())
		}
	}()
	buf.Clear()
	n, err := c.sock.Read(buf.Writable()[rem:])
	if err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return protocol.NewError(protocol.KindTransport, "read", err)
	}
	if n == 0 {
		return nil
	}
	if rem > 0 {
		buf.Write(c.remaining.buf.Bytes())
		c.remaining.release()
	}
	buf.Advance(n)
	c.ctx.metrics.BytesRead.Add(int64(n))
	if c.inputShutdown {
		return nil
	}
	if c.ssl != nil {
		return c.readSsl(buf)
	}
	return c.accept(buf, &c.remaining)
}

func (c *Channel) readSsl(src *buffer.ByteBuf) error {
	for src.HasRemaining() && c.IsOpened() {
		if c.sslReadFuture == nil {
			c.sslReadFuture = &sslRecordFuture{}
		}
		done, err := c.sslReadFuture.Read(src)
		if err != nil {
			return protocol.NewError(protocol.KindProtocol, "ssl record", err)
		}
		if !done {
			c.stash(&c.remaining, src)
			return nil
		}
		record := c.sslReadFuture.record
		c.sslReadFuture = nil
		plain, reply, err := c.ssl.Unwrap(record)
		if err != nil {
			return protocol.NewError(protocol.KindTransport, "ssl unwrap", err)
		}
		if len(reply) > 0 {
			c.FlushFuture(protocol.NewRawFuture(buffer.Wrap(reply)))
		}
		if len(plain) == 0 {
			continue
		}
		if err := c.accept(c.mergePlain(plain), &c.plainRemaining); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) mergePlain(plain []byte) *buffer.ByteBuf {
	rem := c.plainRemaining.len()
	if rem == 0 {
		return buffer.Wrap(plain)
	}
	b := buffer.NewByteBuf(rem + len(plain))
	b.Write(c.plainRemaining.buf.Bytes())
	b.Write(plain)
	c.plainRemaining.release()
	return b
}

// stash copies the unread bytes of src into a pooled leftover buffer.
func (c *Channel) stash(dst *leftover, src *buffer.ByteBuf) {
	n := src.Remaining()
	if n == 0 {
		return
	}
	b := c.loop.alloc.Allocate(n)
	b.Write(src.GetN(n))
	dst.buf, dst.version = b, b.ReleaseVersion()
}

// accept decodes every complete future in src.
func (c *Channel) accept(src *buffer.ByteBuf, rest *leftover) error {
	for src.HasRemaining() {
		f := c.readFuture
		if f == nil {
			var err error
			if f, err = c.codec.Decode(c, src); err != nil {
				return protocol.NewError(protocol.KindProtocol, "decode", err)
			}
		}
		done, err := f.Read(c, src)
		if err != nil {
			c.readFuture = nil
			c.releaseFuture(f)
			return protocol.NewError(protocol.KindProtocol, "read", err)
		}
		if !done {
			c.readFuture = f
			c.stash(rest, src)
			return nil
		}
		c.readFuture = nil
		c.releaseFuture(f)
		c.ctx.metrics.FuturesDecoded.Add(1)
		c.dispatch(f)
		if t, ok := f.(protocol.Terminator); ok && t.IsCloseFrame() {
			c.inputShutdown = true
			return nil
		}
		if !c.IsOpened() {
			return nil
		}
	}
	return nil
}

func (c *Channel) dispatch(f protocol.Future) {
	switch {
	case f.IsSilent():
	case f.IsHeartbeat():
		c.acceptHeartbeat(f)
	case c.worker != nil:
		if err := c.worker.Submit(func() { c.deliver(f) }); err != nil {
			c.exceptionCaught(f, protocol.NewError(protocol.KindApplication, "dispatch", err))
		}
	default:
		c.deliver(f)
	}
}

func (c *Channel) acceptHeartbeat(f protocol.Future) {
	c.ctx.metrics.Heartbeats.Add(1)
	if !f.IsPing() {
		c.log.Debug().Msg("heartbeat response received")
		return
	}
	c.log.Debug().Msg("heartbeat request received")
	if pong := c.codec.CreatePongPacket(c, f); pong != nil {
		c.Flush(pong)
	}
}

func (c *Channel) deliver(f protocol.Future) {
	_, span := tracer.Start(context.Background(), "channel.accept",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.Int("channel.id", c.id),
			attribute.String("protocol", c.codec.ProtocolID()),
		))
	if err := c.safeAccept(f); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.exceptionCaught(f, protocol.NewError(protocol.KindApplication, "accept", err))
	}
	span.End()
	if t, ok := f.(protocol.Terminator); ok && t.IsCloseFrame() {
		c.Close()
	}
}

func (c *Channel) safeAccept(f protocol.Future) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler.Accept(c, f)
}

func (c *Channel) exceptionCaught(f protocol.Future, err error) {
	c.ctx.metrics.Errors.Add(1)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).AnErr("cause", err).Msg("exception handler panicked")
		}
	}()
	c.handler.ExceptionCaught(c, f, err)
}

func (c *Channel) releaseFuture(f protocol.Future) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("future release failed")
		}
	}()
	f.Release()
}

// Close closes the channel; repeated calls are no-ops.
func (c *Channel) Close() error {
	if !c.IsOpened() {
		return nil
	}
	if c.loop.InEventLoop() {
		c.close0()
		return nil
	}
	return c.loop.Dispatch(c.close0)
}

// closeOnError closes the channel after a read or write failure.
func (c *Channel) closeOnError(err error) {
	switch kind, _ := protocol.KindOf(err); {
	case errors.Is(err, io.EOF):
		c.log.Debug().Msg("closed by peer")
	case kind == protocol.KindProtocol:
		c.log.Warn().Err(err).Msg("protocol error")
		c.exceptionCaught(nil, err)
	default:
		c.log.Debug().Err(err).Msg("transport error")
	}
	c.close0()
}

func (c *Channel) close0() {
	c.closeLock.Lock()
	if !c.opened.Load() {
		c.closeLock.Unlock()
		return
	}
	if c.ssl != nil {
		c.ssl.CloseOutbound()
		if c.ssl.IsClient() {
			notify := protocol.NewRawFuture(buffer.Wrap(nil))
			notify.SetNeedSsl(true)
			c.overflow.Add(notify)
		}
		if err := c.ssl.CloseInbound(); err != nil {
			c.log.Debug().Err(err).Msg("ssl close inbound")
		}
	}
	if c.attached {
		if err := c.write(true); err != nil {
			c.log.Debug().Err(err).Msg("final flush failed")
		}
	}
	c.opened.Store(false)
	pending := make([]protocol.Future, 0, c.writeLen+c.overflow.Length())
	pending = append(pending, c.writeFutures[:c.writeLen]...)
	clear(c.writeFutures)
	c.writeLen = 0
	for c.overflow.Length() > 0 {
		pending = append(pending, c.overflow.Remove().(protocol.Future))
	}
	c.closeLock.Unlock()
	c.reportDropped()

	if c.readFuture != nil {
		c.releaseFuture(c.readFuture)
		c.readFuture = nil
	}
	c.sslReadFuture = nil
	c.remaining.release()
	c.plainRemaining.release()
	closed := protocol.NewError(protocol.KindTransport, "flush", protocol.ErrClosedChannel)
	for _, f := range pending {
		c.releaseFuture(f)
		c.exceptionCaught(f, closed)
	}

	c.loop.detach(c)
	if err := c.sock.Close(); err != nil {
		c.log.Debug().Err(err).Msg("socket close")
	}
	c.ctx.metrics.ChannelsClosed.Add(1)
	c.log.Debug().Stringer("conn", c).Msg("channel closed")
	for _, l := range c.ctx.listeners {
		c.fireClosed(l)
	}
}

func (c *Channel) fireClosed(l ChannelEventListener) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("close listener panicked")
		}
	}()
	l.ChannelClosed(c)
}

func (c *Channel) fireOpened(l ChannelEventListener) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("open listener panic: %v", r)
		}
	}()
	return l.ChannelOpened(c)
}
