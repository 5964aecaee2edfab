// File: core/protocol/codec.go
// Package protocol defines the contract between the channel engine and the
// pluggable wire codecs: Futures, ProtocolCodec and the codec-facing view of a
// channel.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-io/core/buffer"
)

// Channel is the part of a connection visible to codecs and futures.
type Channel interface {
	ID() int
	Allocator() buffer.Allocator
	Attribute(key any) any
	SetAttribute(key, value any)
	// Flush encodes and queues f for writing.
	Flush(f Future)
	Logger() *zerolog.Logger
}

// ProtocolCodec frames bytes into Futures and Futures into bytes.
type ProtocolCodec interface {
	ProtocolID() string
	// Decode returns an empty Future bound to this codec; the engine then calls
	// Read on it, possibly across several readiness events.
	Decode(ch Channel, src *buffer.ByteBuf) (Future, error)
	// Encode serializes f into a buffer attached with f.SetByteBuf. On failure
	// any buffer allocated by Encode has been released.
	Encode(ch Channel, f Future) error
	// CreatePingPacket returns a heartbeat request, or nil if unsupported.
	CreatePingPacket(ch Channel) Future
	// CreatePongPacket returns the reply to ping, or nil for no reply.
	CreatePongPacket(ch Channel, ping Future) Future
}

// Initializer is implemented by codecs needing per-channel state when the
// channel opens.
type Initializer interface {
	InitChannel(ch Channel) error
}
