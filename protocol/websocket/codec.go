// File: protocol/websocket/codec.go
// Package websocket implements RFC 6455 framing as a channel codec, with an
// optional server-side HTTP upgrade in front of the first frame.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package websocket

import (
	"crypto/rand"
	"fmt"

	"github.com/momentics/hioload-io/core/buffer"
	"github.com/momentics/hioload-io/core/protocol"
)

// ProtocolID names the codec.
const ProtocolID = "WebSocket"

// DefaultLimit caps a frame payload when no limit is configured.
const DefaultLimit = 1 << 20

// Option configures a Codec.
type Option func(*Codec)

// WithClientMode masks every outgoing frame, as RFC 6455 requires of clients.
func WithClientMode() Option {
	return func(c *Codec) { c.client = true }
}

// WithHandshake expects an HTTP upgrade request before the first frame.
func WithHandshake() Option {
	return func(c *Codec) { c.handshake = true }
}

// Codec implements protocol.ProtocolCodec.
type Codec struct {
	limit     int
	client    bool
	handshake bool
}

// NewCodec creates a codec rejecting frames with payloads above limit.
func NewCodec(limit int, opts ...Option) *Codec {
	if limit <= 0 {
		limit = DefaultLimit
	}
	c := &Codec{limit: limit}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Codec) ProtocolID() string { return ProtocolID }

func (c *Codec) Decode(ch protocol.Channel, _ *buffer.ByteBuf) (protocol.Future, error) {
	if c.handshake && ch.Attribute(upgradedKey{}) == nil {
		return &upgradeFuture{}, nil
	}
	f := &Frame{limit: c.limit}
	if name, ok := ch.Attribute(ServiceNameKey{}).(string); ok {
		f.serviceName = name
	}
	return f, nil
}

func (c *Codec) Encode(ch protocol.Channel, f protocol.Future) error {
	if r, ok := f.(*handshakeResponse); ok {
		body := r.Body()
		b := ch.Allocator().Allocate(len(body))
		if _, err := b.Write(body); err != nil {
			b.Release(b.ReleaseVersion())
			return err
		}
		f.SetByteBuf(b)
		return nil
	}

	opcode := OpcodeText
	if fr, ok := f.(*Frame); ok && fr.opcode != OpcodeContinuation {
		opcode = fr.opcode
	}
	switch {
	case f.IsPing():
		opcode = OpcodePing
	case f.IsPong():
		opcode = OpcodePong
	}
	body := f.Body()
	if opcode >= OpcodeClose && len(body) > MaxControlPayloadLen {
		return fmt.Errorf("%w: control payload of %d bytes", protocol.ErrFrameTooLarge, len(body))
	}
	if len(body) > c.limit {
		return fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLarge, len(body), c.limit)
	}

	size := 2 + len(body)
	switch {
	case len(body) > 0xFFFF:
		size += 8
	case len(body) >= len16Code:
		size += 2
	}
	if c.client {
		size += 4
	}
	b := ch.Allocator().Allocate(size)
	if err := c.writeFrame(b, opcode, body); err != nil {
		b.Release(b.ReleaseVersion())
		return err
	}
	f.SetByteBuf(b)
	return nil
}

func (c *Codec) writeFrame(b *buffer.ByteBuf, opcode byte, body []byte) error {
	var maskBit byte
	if c.client {
		maskBit = MaskBit
	}
	if err := b.PutByte(FinBit | opcode); err != nil {
		return err
	}
	var err error
	switch n := len(body); {
	case n > 0xFFFF:
		if err = b.PutByte(maskBit | len64Code); err == nil {
			err = b.PutUint64(uint64(n))
		}
	case n >= len16Code:
		if err = b.PutByte(maskBit | len16Code); err == nil {
			err = b.PutUint16(uint16(n))
		}
	default:
		err = b.PutByte(maskBit | byte(n))
	}
	if err != nil {
		return err
	}
	if !c.client {
		_, err = b.Write(body)
		return err
	}
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("mask key: %w", err)
	}
	if _, err := b.Write(key[:]); err != nil {
		return err
	}
	w := b.Writable()
	if len(w) < len(body) {
		return buffer.ErrOverflow
	}
	Mask(w, body, key)
	b.Advance(len(body))
	return nil
}

func (c *Codec) CreatePingPacket(protocol.Channel) protocol.Future {
	return NewFrame(OpcodePing)
}

// CreatePongPacket echoes the ping payload, as RFC 6455 5.5.3 asks.
func (c *Codec) CreatePongPacket(_ protocol.Channel, ping protocol.Future) protocol.Future {
	f := NewFrame(OpcodePong)
	f.Write(ping.Payload())
	return f
}
