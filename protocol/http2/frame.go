// File: protocol/http2/frame.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frame is one HTTP/2 frame, or a whole header block once HEADERS and its
// CONTINUATION frames have been joined. A frame is decoded only when all of
// it is buffered.

package http2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/momentics/hioload-io/core/buffer"
	"github.com/momentics/hioload-io/core/protocol"
	"github.com/momentics/hioload-io/protocol/hpack"
)

// Frame is an HTTP/2 message future.
type Frame struct {
	protocol.DefaultFuture
	conn *conn

	typ       FrameType
	flags     Flags
	streamID  uint32
	headers   []hpack.HeaderField
	settings  []Setting
	code      ErrCode
	lastID    uint32
	increment uint32
	streamErr error
}

// NewHeadersFrame creates an outbound header block for streamID.
func NewHeadersFrame(streamID uint32, fields []hpack.HeaderField, endStream bool) *Frame {
	f := &Frame{typ: FrameHeaders, streamID: streamID, headers: fields}
	if endStream {
		f.flags = FlagEndStream
	}
	return f
}

// NewDataFrame creates an outbound DATA frame; its payload is added with Write.
func NewDataFrame(streamID uint32, endStream bool) *Frame {
	f := &Frame{typ: FrameData, streamID: streamID}
	if endStream {
		f.flags = FlagEndStream
	}
	return f
}

// NewPingFrame creates a PING, or its acknowledgement when ack is set.
func NewPingFrame(ack bool, data [8]byte) *Frame {
	f := &Frame{typ: FramePing}
	if ack {
		f.flags = FlagAck
		f.SetPong()
	} else {
		f.SetPing()
	}
	f.Write(data[:])
	return f
}

func NewSettingsFrame(settings ...Setting) *Frame {
	return &Frame{typ: FrameSettings, settings: settings}
}

func NewSettingsAck() *Frame {
	return &Frame{typ: FrameSettings, flags: FlagAck}
}

// NewGoAwayFrame creates a GOAWAY; debug is optional.
func NewGoAwayFrame(lastStreamID uint32, code ErrCode, debug []byte) *Frame {
	f := &Frame{typ: FrameGoAway, lastID: lastStreamID, code: code}
	f.Write(debug)
	return f
}

func NewRSTStreamFrame(streamID uint32, code ErrCode) *Frame {
	return &Frame{typ: FrameRSTStream, streamID: streamID, code: code}
}

func NewWindowUpdateFrame(streamID, increment uint32) *Frame {
	return &Frame{typ: FrameWindowUpdate, streamID: streamID, increment: increment}
}

func (f *Frame) Type() FrameType              { return f.typ }
func (f *Frame) Flags() Flags                 { return f.flags }
func (f *Frame) StreamID() uint32             { return f.streamID }
func (f *Frame) Headers() []hpack.HeaderField { return f.headers }
func (f *Frame) Settings() []Setting          { return f.settings }
func (f *Frame) ErrCode() ErrCode             { return f.code }
func (f *Frame) LastStreamID() uint32         { return f.lastID }
func (f *Frame) Increment() uint32            { return f.increment }

// EndStream reports END_STREAM on DATA and HEADERS frames.
func (f *Frame) EndStream() bool {
	return (f.typ == FrameData || f.typ == FrameHeaders) && f.flags.Has(FlagEndStream)
}

// StreamError is set when the header block overflowed the header list
// limit. The connection survives; the stream should be reset.
func (f *Frame) StreamError() error { return f.streamErr }

// IsCloseFrame makes a received GOAWAY close the channel after delivery.
func (f *Frame) IsCloseFrame() bool { return f.typ == FrameGoAway }

// Field returns the first header named name.
func (f *Frame) Field(name string) (string, bool) {
	for _, hf := range f.headers {
		if hf.Name == name {
			return hf.Value, true
		}
	}
	return "", false
}

func (f *Frame) String() string {
	return fmt.Sprintf("[FrameHeader %v flags=0x%02x stream=%d]", f.typ, uint8(f.flags), f.streamID)
}

func (f *Frame) Read(ch protocol.Channel, src *buffer.ByteBuf) (bool, error) {
	c := f.conn
	if !c.prefaceDone {
		return f.readPreface(ch, src)
	}
	if src.Remaining() < FrameHeaderLen {
		return false, nil
	}
	src.Mark()
	length := int(src.GetByte())<<16 | int(src.GetUint16())
	f.typ = FrameType(src.GetByte())
	f.flags = Flags(src.GetByte())
	f.streamID = src.GetUint32() & streamIDMask
	if length > c.maxFrameSize {
		return false, c.fail(ch, ErrCodeFrameSize,
			fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLarge, length, c.maxFrameSize))
	}
	if src.Remaining() < length {
		src.ResetToMark()
		return false, nil
	}
	if err := f.parse(ch, src.GetN(length)); err != nil {
		return false, err
	}
	return true, nil
}

// readPreface consumes the client preface and answers with our SETTINGS.
func (f *Frame) readPreface(ch protocol.Channel, src *buffer.ByteBuf) (bool, error) {
	if src.Remaining() < len(ClientPreface) {
		if !bytes.HasPrefix(ClientPreface, src.Bytes()) {
			return false, f.conn.fail(ch, ErrCodeProtocol, ErrBadPreface)
		}
		return false, nil
	}
	if !bytes.Equal(src.GetN(len(ClientPreface)), ClientPreface) {
		return false, f.conn.fail(ch, ErrCodeProtocol, ErrBadPreface)
	}
	f.conn.prefaceDone = true
	ch.Flush(NewSettingsFrame(f.conn.localSettings()...))
	f.SetSilent(true)
	return true, nil
}

// parse interprets a complete payload. p aliases the read buffer.
func (f *Frame) parse(ch protocol.Channel, p []byte) error {
	c := f.conn
	if c.continuing && (f.typ != FrameContinuation || f.streamID != c.blockStream) {
		return c.fail(ch, ErrCodeProtocol, ErrExpectedContinuation)
	}
	switch f.typ {
	case FrameData:
		if f.streamID == 0 {
			return c.fail(ch, ErrCodeProtocol, ErrStreamZero)
		}
		body, err := unpad(f.flags, p)
		if err != nil {
			return c.fail(ch, ErrCodeProtocol, err)
		}
		f.SetPayload(bytes.Clone(body))
		if len(p) > 0 {
			// no flow control of our own: hand the window straight back
			ch.Flush(NewWindowUpdateFrame(0, uint32(len(p))))
			if !f.flags.Has(FlagEndStream) {
				ch.Flush(NewWindowUpdateFrame(f.streamID, uint32(len(p))))
			}
		}

	case FrameHeaders:
		if f.streamID == 0 {
			return c.fail(ch, ErrCodeProtocol, ErrStreamZero)
		}
		body, err := unpad(f.flags, p)
		if err != nil {
			return c.fail(ch, ErrCodeProtocol, err)
		}
		if f.flags.Has(FlagPriority) {
			if len(body) < 5 {
				return c.fail(ch, ErrCodeFrameSize, ErrFrameSize)
			}
			body = body[5:]
		}
		c.block = append(c.block[:0], body...)
		c.blockStream = f.streamID
		c.blockEndStream = f.flags.Has(FlagEndStream)
		c.lastStreamID = max(c.lastStreamID, f.streamID)
		return f.endHeaders(ch)

	case FrameContinuation:
		if !c.continuing {
			return c.fail(ch, ErrCodeProtocol, ErrUnexpectedContinuation)
		}
		if len(c.block)+len(p) > c.blockLimit() {
			c.block, c.continuing = nil, false
			return c.fail(ch, ErrCodeEnhanceYourCalm, ErrHeaderBlockTooLarge)
		}
		c.block = append(c.block, p...)
		return f.endHeaders(ch)

	case FramePing:
		if f.streamID != 0 {
			return c.fail(ch, ErrCodeProtocol, ErrStreamNonZero)
		}
		if len(p) != pingPayloadLen {
			return c.fail(ch, ErrCodeFrameSize, ErrFrameSize)
		}
		f.SetPayload(bytes.Clone(p))
		if f.flags.Has(FlagAck) {
			f.SetPong()
		} else {
			f.SetPing()
		}

	case FrameSettings:
		if f.streamID != 0 {
			return c.fail(ch, ErrCodeProtocol, ErrStreamNonZero)
		}
		f.SetSilent(true)
		if f.flags.Has(FlagAck) {
			if len(p) != 0 {
				return c.fail(ch, ErrCodeFrameSize, ErrFrameSize)
			}
			return nil
		}
		if len(p)%settingLen != 0 {
			return c.fail(ch, ErrCodeFrameSize, ErrFrameSize)
		}
		for ; len(p) > 0; p = p[settingLen:] {
			s := Setting{ID: SettingID(binary.BigEndian.Uint16(p)), Val: binary.BigEndian.Uint32(p[2:])}
			if err := c.applyPeer(s); err != nil {
				return c.fail(ch, ErrCodeProtocol, err)
			}
			f.settings = append(f.settings, s)
		}
		ch.Flush(NewSettingsAck())

	case FrameGoAway:
		if f.streamID != 0 {
			return c.fail(ch, ErrCodeProtocol, ErrStreamNonZero)
		}
		if len(p) < 8 {
			return c.fail(ch, ErrCodeFrameSize, ErrFrameSize)
		}
		f.lastID = binary.BigEndian.Uint32(p) & streamIDMask
		f.code = ErrCode(binary.BigEndian.Uint32(p[4:]))
		f.SetPayload(bytes.Clone(p[8:]))

	case FrameRSTStream:
		if f.streamID == 0 {
			return c.fail(ch, ErrCodeProtocol, ErrStreamZero)
		}
		if len(p) != 4 {
			return c.fail(ch, ErrCodeFrameSize, ErrFrameSize)
		}
		f.code = ErrCode(binary.BigEndian.Uint32(p))

	case FrameWindowUpdate:
		if len(p) != 4 {
			return c.fail(ch, ErrCodeFrameSize, ErrFrameSize)
		}
		f.increment = binary.BigEndian.Uint32(p) & streamIDMask
		f.SetSilent(true)

	case FramePriority:
		if len(p) != 5 {
			return c.fail(ch, ErrCodeFrameSize, ErrFrameSize)
		}
		f.SetSilent(true)

	case FramePushPromise:
		return c.fail(ch, ErrCodeProtocol, ErrPushPromise)

	default:
		// unknown frame types are ignored
		f.SetSilent(true)
	}
	return nil
}

// endHeaders decodes the joined block once END_HEADERS arrives; until then
// the fragments are silent.
func (f *Frame) endHeaders(ch protocol.Channel) error {
	c := f.conn
	if !f.flags.Has(FlagEndHeaders) {
		c.continuing = true
		f.SetSilent(true)
		return nil
	}
	c.continuing = false
	f.typ = FrameHeaders
	f.streamID = c.blockStream
	f.flags = FlagEndHeaders
	if c.blockEndStream {
		f.flags |= FlagEndStream
	}

	fields, err := c.decoder.Decode(f.streamID, c.block)
	var lse *hpack.HeaderListSizeError
	switch {
	case errors.As(err, &lse):
		f.streamErr = err
	case err != nil:
		return c.fail(ch, ErrCodeCompression, err)
	}
	f.headers = fields
	return nil
}

func unpad(flags Flags, p []byte) ([]byte, error) {
	if !flags.Has(FlagPadded) {
		return p, nil
	}
	if len(p) == 0 {
		return nil, ErrBadPadding
	}
	pad := int(p[0])
	if pad > len(p)-1 {
		return nil, ErrBadPadding
	}
	return p[1 : len(p)-pad], nil
}
