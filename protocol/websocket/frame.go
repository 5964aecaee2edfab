// File: protocol/websocket/frame.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frame is one RFC 6455 frame. Read decodes a frame only once all of it is
// buffered; until then the read position is rewound and nothing is kept.

package websocket

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/hioload-io/core/buffer"
	"github.com/momentics/hioload-io/core/protocol"
)

// Frame is a WebSocket message future.
type Frame struct {
	protocol.DefaultFuture
	limit       int
	fin         bool
	opcode      byte
	serviceName string
}

// NewFrame creates an outbound frame with the given opcode.
func NewFrame(opcode byte) *Frame {
	f := &Frame{fin: true, opcode: opcode}
	switch opcode {
	case OpcodePing:
		f.SetPing()
	case OpcodePong:
		f.SetPong()
	}
	return f
}

// NewCloseFrame creates a close frame carrying code and reason.
func NewCloseFrame(code int, reason string) *Frame {
	f := NewFrame(OpcodeClose)
	p := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(p, uint16(code))
	copy(p[2:], reason)
	f.Write(p)
	return f
}

func (f *Frame) Fin() bool           { return f.fin }
func (f *Frame) Opcode() byte        { return f.opcode }
func (f *Frame) IsText() bool        { return f.opcode == OpcodeText }
func (f *Frame) IsBinary() bool      { return f.opcode == OpcodeBinary }
func (f *Frame) IsCloseFrame() bool  { return f.opcode == OpcodeClose }
func (f *Frame) ServiceName() string { return f.serviceName }

// CloseCode returns the status code of a close frame, CloseNoStatusRcvd if
// none was sent.
func (f *Frame) CloseCode() int {
	if p := f.Payload(); f.IsCloseFrame() && len(p) >= 2 {
		return int(binary.BigEndian.Uint16(p))
	}
	return CloseNoStatusRcvd
}

func (f *Frame) Read(_ protocol.Channel, src *buffer.ByteBuf) (bool, error) {
	if src.Remaining() < 2 {
		return false, nil
	}
	src.Mark()
	b0 := src.GetByte()
	b1 := src.GetByte()
	masked := b1&MaskBit != 0
	keyLen := 0
	if masked {
		keyLen = 4
	}
	var n int64
	switch code := b1 & LenMask; code {
	case len16Code:
		if src.Remaining() < 2 {
			src.ResetToMark()
			return false, nil
		}
		n = int64(src.GetUint16())
	case len64Code:
		if src.Remaining() < 8 {
			src.ResetToMark()
			return false, nil
		}
		n = int64(src.GetUint64())
		if n < 0 {
			return false, fmt.Errorf("%w: negative payload length", protocol.ErrMalformedFrame)
		}
	default:
		n = int64(code)
	}
	if n > int64(f.limit) {
		return false, fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLarge, n, f.limit)
	}
	if int64(src.Remaining()) < int64(keyLen)+n {
		src.ResetToMark()
		return false, nil
	}

	f.fin = b0&FinBit != 0
	f.opcode = b0 & OpcodeMask
	if err := checkHeader(b0, f.opcode, f.fin, n); err != nil {
		return false, err
	}
	switch f.opcode {
	case OpcodePing:
		f.SetPing()
	case OpcodePong:
		f.SetPong()
	}

	payload := make([]byte, n)
	if masked {
		var key [4]byte
		copy(key[:], src.GetN(4))
		Mask(payload, src.GetN(int(n)), key)
	} else {
		copy(payload, src.GetN(int(n)))
	}
	f.SetPayload(payload)
	return true, nil
}

func checkHeader(b0, opcode byte, fin bool, n int64) error {
	if b0&RsvBits != 0 {
		return fmt.Errorf("%w: reserved bits set", protocol.ErrMalformedFrame)
	}
	switch opcode {
	case OpcodeContinuation, OpcodeText, OpcodeBinary:
		return nil
	case OpcodeClose, OpcodePing, OpcodePong:
		if !fin || n > MaxControlPayloadLen {
			return fmt.Errorf("%w: bad control frame", protocol.ErrMalformedFrame)
		}
		return nil
	}
	return fmt.Errorf("%w: opcode 0x%x", protocol.ErrMalformedFrame, opcode)
}

// Mask XORs src with key applied cyclically into dst. dst may alias src and
// must be at least as long.
func Mask(dst, src []byte, key [4]byte) {
	n := len(src)
	aligned := n &^ 3
	dst = dst[:n]
	for i := 0; i < aligned; i += 4 {
		dst[i] = src[i] ^ key[0]
		dst[i+1] = src[i+1] ^ key[1]
		dst[i+2] = src[i+2] ^ key[2]
		dst[i+3] = src[i+3] ^ key[3]
	}
	for i := aligned; i < n; i++ {
		dst[i] = src[i] ^ key[i&3]
	}
}
