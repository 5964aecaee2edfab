// File: protocol/protobase/codec.go
// Package protobase frames named messages carrying a text section and an
// optional binary section.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Wire layout, all integers big-endian:
//
//	flags u8 | name len u8 | future id u32 | text len u32 | [binary len u32]
//	name | text | binary
//
// The binary length is present only when flagBinary is set. Heartbeats
// carry flagHeartbeat (plus flagPong for replies) and empty sections.

package protobase

import (
	"fmt"

	"github.com/momentics/hioload-io/core/buffer"
	"github.com/momentics/hioload-io/core/protocol"
)

// ProtocolID names the codec.
const ProtocolID = "Protobase"

const (
	flagHeartbeat = 0x80
	flagPong      = 0x40
	flagBinary    = 0x20
	knownFlags    = flagHeartbeat | flagPong | flagBinary

	headerLen    = 10
	binLenLen    = 4
	maxNameLen   = 0xFF
	DefaultLimit = 1 << 20
)

// Codec implements protocol.ProtocolCodec.
type Codec struct {
	limit int
}

// NewCodec creates a codec rejecting messages whose text and binary sections
// together exceed limit.
func NewCodec(limit int) *Codec {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Codec{limit: limit}
}

func (c *Codec) ProtocolID() string { return ProtocolID }

func (c *Codec) Decode(protocol.Channel, *buffer.ByteBuf) (protocol.Future, error) {
	return &Future{limit: c.limit}, nil
}

func (c *Codec) Encode(ch protocol.Channel, f protocol.Future) error {
	var (
		flags   byte
		name    string
		id      uint32
		text    = f.Body()
		bin     []byte
		withBin bool
	)
	if pf, ok := f.(*Future); ok {
		name, id, bin = pf.name, pf.id, pf.writeBinary
		withBin = len(bin) > 0
	}
	if f.IsHeartbeat() {
		flags = flagHeartbeat
		if f.IsPong() {
			flags |= flagPong
		}
		name, id, text, bin, withBin = "", 0, nil, nil, false
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("%w: service name of %d bytes", protocol.ErrFrameTooLarge, len(name))
	}
	if n := len(text) + len(bin); n > c.limit {
		return fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLarge, n, c.limit)
	}

	size := headerLen + len(name) + len(text) + len(bin)
	if withBin {
		flags |= flagBinary
		size += binLenLen
	}
	b := ch.Allocator().Allocate(size)
	if err := writeFrame(b, flags, name, id, text, bin, withBin); err != nil {
		b.Release(b.ReleaseVersion())
		return err
	}
	f.SetByteBuf(b)
	return nil
}

func writeFrame(b *buffer.ByteBuf, flags byte, name string, id uint32, text, bin []byte, withBin bool) error {
	if err := b.PutByte(flags); err != nil {
		return err
	}
	if err := b.PutByte(byte(len(name))); err != nil {
		return err
	}
	if err := b.PutUint32(id); err != nil {
		return err
	}
	if err := b.PutUint32(uint32(len(text))); err != nil {
		return err
	}
	if withBin {
		if err := b.PutUint32(uint32(len(bin))); err != nil {
			return err
		}
	}
	for _, p := range [][]byte{[]byte(name), text, bin} {
		if _, err := b.Write(p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Codec) CreatePingPacket(protocol.Channel) protocol.Future {
	f := &Future{limit: c.limit}
	f.SetPing()
	return f
}

func (c *Codec) CreatePongPacket(protocol.Channel, protocol.Future) protocol.Future {
	f := &Future{limit: c.limit}
	f.SetPong()
	return f
}

// Future is one protobase message. Decoding waits for the whole message.
type Future struct {
	protocol.DefaultFuture
	limit       int
	name        string
	id          uint32
	binary      []byte
	writeBinary []byte
}

// NewFuture creates an outbound message for the named service.
func NewFuture(name string, id uint32) *Future {
	return &Future{name: name, id: id}
}

func (f *Future) ServiceName() string { return f.name }
func (f *Future) FutureID() uint32    { return f.id }
func (f *Future) Binary() []byte      { return f.binary }

// WriteBinary appends to the outbound binary section.
func (f *Future) WriteBinary(p []byte) (int, error) {
	if f.Flushed() {
		return 0, protocol.ErrFutureFlushed
	}
	f.writeBinary = append(f.writeBinary, p...)
	return len(p), nil
}

// Reply creates the response to f, addressed to the same service and id.
func (f *Future) Reply() *Future {
	return NewFuture(f.name, f.id)
}

func (f *Future) Read(_ protocol.Channel, src *buffer.ByteBuf) (bool, error) {
	if src.Remaining() < headerLen {
		return false, nil
	}
	src.Mark()
	flags := src.GetByte()
	nameLen := int(src.GetByte())
	id := src.GetUint32()
	textLen := int64(src.GetUint32())
	if flags&^knownFlags != 0 {
		return false, fmt.Errorf("%w: flags 0x%02x", protocol.ErrMalformedFrame, flags)
	}
	if flags&flagHeartbeat != 0 {
		if nameLen != 0 || textLen != 0 || flags&flagBinary != 0 {
			return false, fmt.Errorf("%w: heartbeat with payload", protocol.ErrMalformedFrame)
		}
		if flags&flagPong != 0 {
			f.SetPong()
		} else {
			f.SetPing()
		}
		return true, nil
	}
	var binLen int64
	if flags&flagBinary != 0 {
		if src.Remaining() < binLenLen {
			src.ResetToMark()
			return false, nil
		}
		binLen = int64(src.GetUint32())
	}
	if textLen+binLen > int64(f.limit) {
		return false, fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLarge, textLen+binLen, f.limit)
	}
	if int64(src.Remaining()) < int64(nameLen)+textLen+binLen {
		src.ResetToMark()
		return false, nil
	}
	f.name = string(src.GetN(nameLen))
	f.id = id
	text := make([]byte, textLen)
	copy(text, src.GetN(int(textLen)))
	f.SetPayload(text)
	if binLen > 0 {
		f.binary = make([]byte, binLen)
		copy(f.binary, src.GetN(int(binLen)))
	}
	return true, nil
}
