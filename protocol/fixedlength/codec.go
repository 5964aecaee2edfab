// File: protocol/fixedlength/codec.go
// Package fixedlength frames messages with a 4-byte big-endian length prefix.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Two negative lengths are reserved as heartbeats: -1 is a ping and -2 a
// pong; neither carries a payload.

package fixedlength

import (
	"fmt"

	"github.com/momentics/hioload-io/core/buffer"
	"github.com/momentics/hioload-io/core/protocol"
)

// ProtocolID names the codec.
const ProtocolID = "FixedLength"

const (
	headerLen = 4
	pingLen   = -1
	pongLen   = -2

	// DefaultLimit caps a payload when no limit is configured.
	DefaultLimit = 1 << 20
)

// Codec implements protocol.ProtocolCodec.
type Codec struct {
	limit int
}

// NewCodec creates a codec rejecting payloads larger than limit.
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
	var header int32
	var body []byte
	switch {
	case f.IsPing():
		header = pingLen
	case f.IsPong():
		header = pongLen
	default:
		body = f.Body()
		if len(body) > c.limit {
			return fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLarge, len(body), c.limit)
		}
		header = int32(len(body))
	}
	b := ch.Allocator().Allocate(headerLen + len(body))
	if err := b.PutUint32(uint32(header)); err != nil {
		b.Release(b.ReleaseVersion())
		return err
	}
	if _, err := b.Write(body); err != nil {
		b.Release(b.ReleaseVersion())
		return err
	}
	f.SetByteBuf(b)
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

// Future is one length-prefixed message. The payload may arrive over several
// reads; bytes are copied as they come.
type Future struct {
	protocol.DefaultFuture
	limit  int
	header bool
	length int
	data   []byte
}

func (f *Future) Read(_ protocol.Channel, src *buffer.ByteBuf) (bool, error) {
	if !f.header {
		if src.Remaining() < headerLen {
			return false, nil
		}
		n := int32(src.GetUint32())
		f.header = true
		switch {
		case n == pingLen:
			f.SetPing()
			return true, nil
		case n == pongLen:
			f.SetPong()
			return true, nil
		case n < 0:
			return false, fmt.Errorf("%w: length %d", protocol.ErrMalformedFrame, n)
		case int(n) > f.limit:
			return false, fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLarge, n, f.limit)
		}
		f.length = int(n)
		f.data = make([]byte, 0, f.length)
	}
	take := min(src.Remaining(), f.length-len(f.data))
	f.data = append(f.data, src.GetN(take)...)
	if len(f.data) < f.length {
		return false, nil
	}
	f.SetPayload(f.data)
	return true, nil
}
