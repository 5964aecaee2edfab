// File: protocol/http2/codec.go
// Package http2 implements server-side HTTP/2 framing as a channel codec.
// Header blocks are joined across CONTINUATION frames and decoded once with a
// per-connection HPACK decoder; response headers are compressed with the
// golang.org/x/net encoder.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package http2

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	xhpack "golang.org/x/net/http2/hpack"

	"github.com/momentics/hioload-io/core/buffer"
	"github.com/momentics/hioload-io/core/protocol"
	"github.com/momentics/hioload-io/protocol/hpack"
)

// ProtocolID names the codec.
const ProtocolID = "HTTP2"

// Option configures a Codec.
type Option func(*Codec)

// WithMaxFrameSize sets the largest frame payload we accept and advertise.
func WithMaxFrameSize(n int) Option {
	return func(c *Codec) { c.maxFrameSize = n }
}

// WithMaxHeaderListSize sets SETTINGS_MAX_HEADER_LIST_SIZE.
func WithMaxHeaderListSize(n int64) Option {
	return func(c *Codec) { c.maxHeaderListSize = n }
}

// WithHeaderTableSize sets SETTINGS_HEADER_TABLE_SIZE for our decoder.
func WithHeaderTableSize(n int64) Option {
	return func(c *Codec) { c.headerTableSize = n }
}

// Codec implements protocol.ProtocolCodec and protocol.Initializer.
type Codec struct {
	maxFrameSize      int
	maxHeaderListSize int64
	headerTableSize   int64
}

// NewCodec creates a server codec.
func NewCodec(opts ...Option) (*Codec, error) {
	c := &Codec{
		maxFrameSize:      DefaultMaxFrameSize,
		maxHeaderListSize: hpack.DefaultHeaderListSize,
		headerTableSize:   hpack.DefaultHeaderTableSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxFrameSize < DefaultMaxFrameSize || c.maxFrameSize > MaxAllowedFrameSize {
		return nil, fmt.Errorf("http2: max frame size %d: %w", c.maxFrameSize, hpack.ErrInvalidSetting)
	}
	if _, err := c.newConn(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Codec) ProtocolID() string { return ProtocolID }

// InitChannel creates the connection state ahead of the first read.
func (c *Codec) InitChannel(ch protocol.Channel) error {
	_, err := c.connOf(ch)
	return err
}

func (c *Codec) Decode(ch protocol.Channel, _ *buffer.ByteBuf) (protocol.Future, error) {
	cn, err := c.connOf(ch)
	if err != nil {
		return nil, err
	}
	return &Frame{conn: cn}, nil
}

func (c *Codec) CreatePingPacket(protocol.Channel) protocol.Future {
	return NewPingFrame(false, [8]byte{})
}

// CreatePongPacket acknowledges ping with the same opaque data.
func (c *Codec) CreatePongPacket(_ protocol.Channel, ping protocol.Future) protocol.Future {
	var data [8]byte
	copy(data[:], ping.Payload())
	return NewPingFrame(true, data)
}

type connKey struct{}

// conn is the per-channel HTTP/2 state. Decoding fields are touched only by
// the event loop; the encoder may be used from handler goroutines.
type conn struct {
	codec        *Codec
	decoder      *hpack.Decoder
	maxFrameSize int
	prefaceDone  bool
	lastStreamID uint32

	block          []byte
	blockStream    uint32
	blockEndStream bool
	continuing     bool

	mu               sync.Mutex
	encoder          *xhpack.Encoder
	encBuf           bytes.Buffer
	peerMaxFrameSize int
}

func (c *Codec) newConn() (*conn, error) {
	cn := &conn{
		codec:            c,
		decoder:          hpack.NewDecoderSize(c.headerTableSize),
		maxFrameSize:     c.maxFrameSize,
		peerMaxFrameSize: DefaultMaxFrameSize,
	}
	if err := cn.decoder.SetMaxHeaderListSize(c.maxHeaderListSize); err != nil {
		return nil, fmt.Errorf("http2: max header list size %d: %w", c.maxHeaderListSize, err)
	}
	cn.encoder = xhpack.NewEncoder(&cn.encBuf)
	return cn, nil
}

func (c *Codec) connOf(ch protocol.Channel) (*conn, error) {
	if cn, ok := ch.Attribute(connKey{}).(*conn); ok {
		return cn, nil
	}
	cn, err := c.newConn()
	if err != nil {
		return nil, err
	}
	ch.SetAttribute(connKey{}, cn)
	return cn, nil
}

func (cn *conn) localSettings() []Setting {
	return []Setting{
		{ID: SettingHeaderTableSize, Val: uint32(cn.codec.headerTableSize)},
		{ID: SettingEnablePush, Val: 0},
		{ID: SettingMaxFrameSize, Val: uint32(cn.maxFrameSize)},
		{ID: SettingMaxHeaderListSize, Val: uint32(cn.codec.maxHeaderListSize)},
	}
}

// applyPeer records a SETTINGS parameter sent by the client.
func (cn *conn) applyPeer(s Setting) error {
	switch s.ID {
	case SettingHeaderTableSize:
		cn.mu.Lock()
		cn.encoder.SetMaxDynamicTableSizeLimit(s.Val)
		cn.mu.Unlock()
	case SettingEnablePush:
		if s.Val > 1 {
			return ErrBadSetting
		}
	case SettingInitialWindowSize:
		if s.Val > streamIDMask {
			return ErrBadSetting
		}
	case SettingMaxFrameSize:
		if s.Val < DefaultMaxFrameSize || s.Val > MaxAllowedFrameSize {
			return ErrBadSetting
		}
		cn.mu.Lock()
		cn.peerMaxFrameSize = int(s.Val)
		cn.mu.Unlock()
	}
	return nil
}

// blockLimit bounds the encoded header block buffered across CONTINUATION
// frames. A block never needs more than twice the header list it carries,
// and one full frame is always accepted.
func (cn *conn) blockLimit() int {
	return max(2*int(cn.codec.maxHeaderListSize), cn.maxFrameSize)
}

// fail queues a GOAWAY and returns the error that closes the channel.
func (cn *conn) fail(ch protocol.Channel, code ErrCode, err error) error {
	ch.Flush(NewGoAwayFrame(cn.lastStreamID, code, nil))
	return &ConnectionError{Code: code, Err: err}
}

func (c *Codec) Encode(ch protocol.Channel, f protocol.Future) error {
	fr, ok := f.(*Frame)
	if !ok {
		return ErrUnsupportedFuture
	}
	cn, err := c.connOf(ch)
	if err != nil {
		return err
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()

	var out []byte
	switch fr.typ {
	case FrameHeaders:
		cn.encBuf.Reset()
		for _, hf := range fr.headers {
			if err := cn.encoder.WriteField(xhpack.HeaderField{Name: hf.Name, Value: hf.Value, Sensitive: hf.Sensitive}); err != nil {
				return err
			}
		}
		out = cn.appendHeaders(out, fr, cn.encBuf.Bytes())
	case FrameData:
		out = cn.appendData(out, fr)
	case FramePing:
		var data [pingPayloadLen]byte
		copy(data[:], fr.Body())
		out = appendFrame(out, FramePing, fr.flags, 0, data[:])
	case FrameSettings:
		p := make([]byte, 0, len(fr.settings)*settingLen)
		for _, s := range fr.settings {
			p = binary.BigEndian.AppendUint16(p, uint16(s.ID))
			p = binary.BigEndian.AppendUint32(p, s.Val)
		}
		out = appendFrame(out, FrameSettings, fr.flags, 0, p)
	case FrameGoAway:
		p := binary.BigEndian.AppendUint32(nil, fr.lastID&streamIDMask)
		p = binary.BigEndian.AppendUint32(p, uint32(fr.code))
		out = appendFrame(out, FrameGoAway, 0, 0, append(p, fr.Body()...))
	case FrameRSTStream:
		out = appendFrame(out, FrameRSTStream, 0, fr.streamID, binary.BigEndian.AppendUint32(nil, uint32(fr.code)))
	case FrameWindowUpdate:
		out = appendFrame(out, FrameWindowUpdate, 0, fr.streamID, binary.BigEndian.AppendUint32(nil, fr.increment&streamIDMask))
	default:
		return fmt.Errorf("%w: cannot send %v", ErrUnsupportedFuture, fr.typ)
	}

	b := ch.Allocator().Allocate(len(out))
	if _, err := b.Write(out); err != nil {
		b.Release(b.ReleaseVersion())
		return err
	}
	f.SetByteBuf(b)
	return nil
}

// appendHeaders splits block into HEADERS and CONTINUATION frames no larger
// than the peer accepts.
func (cn *conn) appendHeaders(out []byte, fr *Frame, block []byte) []byte {
	typ, flags := FrameHeaders, fr.flags&FlagEndStream
	for {
		n := min(len(block), cn.peerMaxFrameSize)
		fl := flags
		if n == len(block) {
			fl |= FlagEndHeaders
		}
		out = appendFrame(out, typ, fl, fr.streamID, block[:n])
		block = block[n:]
		if len(block) == 0 {
			return out
		}
		typ, flags = FrameContinuation, 0
	}
}

// appendData splits the body into DATA frames; only the last carries
// END_STREAM.
func (cn *conn) appendData(out []byte, fr *Frame) []byte {
	body := fr.Body()
	for {
		n := min(len(body), cn.peerMaxFrameSize)
		var fl Flags
		if n == len(body) {
			fl = fr.flags & FlagEndStream
		}
		out = appendFrame(out, FrameData, fl, fr.streamID, body[:n])
		body = body[n:]
		if len(body) == 0 {
			return out
		}
	}
}

func appendFrame(out []byte, typ FrameType, flags Flags, streamID uint32, payload []byte) []byte {
	n := len(payload)
	out = append(out, byte(n>>16), byte(n>>8), byte(n), byte(typ), byte(flags))
	out = binary.BigEndian.AppendUint32(out, streamID&streamIDMask)
	return append(out, payload...)
}
