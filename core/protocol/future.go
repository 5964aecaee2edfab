// File: core/protocol/future.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Future is one protocol message, inbound or outbound. Inbound futures are
// completed by Read exactly once; outbound futures become immutable once
// flushed and stay so until released.

package protocol

import (
	"github.com/momentics/hioload-io/core/buffer"
)

// Future is the unit exchanged between codecs, channels and handlers.
type Future interface {
	// Read consumes bytes from src. It returns true once the message is
	// complete, false if more bytes are needed.
	Read(ch Channel, src *buffer.ByteBuf) (bool, error)

	ByteBuf() *buffer.ByteBuf
	SetByteBuf(b *buffer.ByteBuf)
	// Release returns any pooled buffer held by the future.
	Release()

	IsSilent() bool
	IsHeartbeat() bool
	IsPing() bool
	IsPong() bool

	Flushed() bool
	MarkFlushed()
	NeedSsl() bool
	SetNeedSsl(v bool)

	// Payload returns the decoded inbound bytes.
	Payload() []byte
	Text() string
	// Write appends outbound payload; rejected after flush.
	Write(p []byte) (int, error)
	Body() []byte
}

// Terminator is implemented by futures whose delivery ends the connection,
// such as a WebSocket close frame.
type Terminator interface {
	IsCloseFrame() bool
}

// DefaultFuture carries the state common to every future. Codec futures
// embed it and supply Read.
type DefaultFuture struct {
	buf        *buffer.ByteBuf
	bufVersion uint64
	payload    []byte
	body       []byte
	flushed    bool
	needSsl    bool
	silent     bool
	ping       bool
	pong       bool
}

// NewRawFuture wraps pre-encoded bytes for writing without a codec.
func NewRawFuture(b *buffer.ByteBuf) *DefaultFuture {
	f := &DefaultFuture{}
	f.SetByteBuf(b)
	f.flushed = true
	return f
}

// Read implements Future; a DefaultFuture never decodes.
func (f *DefaultFuture) Read(Channel, *buffer.ByteBuf) (bool, error) {
	return false, ErrNotReadable
}

func (f *DefaultFuture) ByteBuf() *buffer.ByteBuf { return f.buf }

// SetByteBuf attaches b and captures its release version.
func (f *DefaultFuture) SetByteBuf(b *buffer.ByteBuf) {
	f.buf = b
	if b != nil {
		f.bufVersion = b.ReleaseVersion()
	}
}

func (f *DefaultFuture) Release() {
	if f.buf != nil {
		f.buf.Release(f.bufVersion)
		f.buf = nil
	}
}

func (f *DefaultFuture) IsSilent() bool    { return f.silent }
func (f *DefaultFuture) SetSilent(v bool)  { f.silent = v }
func (f *DefaultFuture) IsHeartbeat() bool { return f.ping || f.pong }
func (f *DefaultFuture) IsPing() bool      { return f.ping }
func (f *DefaultFuture) IsPong() bool      { return f.pong }
func (f *DefaultFuture) SetPing()          { f.ping, f.pong = true, false }
func (f *DefaultFuture) SetPong()          { f.ping, f.pong = false, true }

func (f *DefaultFuture) Flushed() bool     { return f.flushed }
func (f *DefaultFuture) MarkFlushed()      { f.flushed = true }
func (f *DefaultFuture) NeedSsl() bool     { return f.needSsl }
func (f *DefaultFuture) SetNeedSsl(v bool) { f.needSsl = v }

func (f *DefaultFuture) Payload() []byte     { return f.payload }
func (f *DefaultFuture) SetPayload(p []byte) { f.payload = p }
func (f *DefaultFuture) Text() string        { return string(f.payload) }
func (f *DefaultFuture) Body() []byte        { return f.body }

func (f *DefaultFuture) Write(p []byte) (int, error) {
	if f.flushed {
		return 0, ErrFutureFlushed
	}
	f.body = append(f.body, p...)
	return len(p), nil
}

// WriteString appends s to the outbound payload.
func (f *DefaultFuture) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}
