package websocket_test

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-io/core/buffer"
	"github.com/momentics/hioload-io/core/protocol"
	"github.com/momentics/hioload-io/fake"
	"github.com/momentics/hioload-io/protocol/websocket"
)

// clientFrame builds a masked frame the way a browser would.
func clientFrame(opcode byte, payload []byte, key [4]byte) []byte {
	var out []byte
	out = append(out, 0x80|opcode)
	switch n := len(payload); {
	case n > 0xFFFF:
		out = append(out, 0x80|127)
		out = binary.BigEndian.AppendUint64(out, uint64(n))
	case n >= 126:
		out = append(out, 0x80|126)
		out = binary.BigEndian.AppendUint16(out, uint16(n))
	default:
		out = append(out, 0x80|byte(n))
	}
	out = append(out, key[:]...)
	masked := make([]byte, len(payload))
	websocket.Mask(masked, payload, key)
	return append(out, masked...)
}

func decode(t *testing.T, codec *websocket.Codec, ch protocol.Channel, raw []byte) (*websocket.Frame, *buffer.ByteBuf, bool, error) {
	t.Helper()
	f, err := codec.Decode(ch, nil)
	require.NoError(t, err)
	src := buffer.Wrap(raw)
	done, err := f.Read(ch, src)
	return f.(*websocket.Frame), src, done, err
}

func TestFrame_MaskedHello(t *testing.T) {
	codec := websocket.NewCodec(0)
	ch := fake.NewChannel(1)
	raw := []byte{0x81, 0x85, 0x01, 0x02, 0x03, 0x04}
	for i, b := range []byte("hello") {
		raw = append(raw, b^byte(i%4+1))
	}

	f, src, done, err := decode(t, codec, ch, raw)
	require.NoError(t, err)
	require.True(t, done)
	require.Zero(t, src.Remaining())
	require.Equal(t, "hello", f.Text())
	require.True(t, f.Fin())
	require.True(t, f.IsText())
	require.False(t, f.IsCloseFrame())
	require.False(t, f.IsHeartbeat())
}

func TestFrame_LengthBoundaries(t *testing.T) {
	codec := websocket.NewCodec(1 << 17)
	ch := fake.NewChannel(1)
	key := [4]byte{9, 8, 7, 6}

	for _, tc := range []struct {
		n      int
		header int
	}{
		{125, 2},
		{126, 4},
		{65535, 4},
		{65536, 10},
	} {
		payload := bytes.Repeat([]byte{'z'}, tc.n)
		raw := clientFrame(websocket.OpcodeBinary, payload, key)
		require.Len(t, raw, tc.header+4+tc.n, "length %d", tc.n)

		f, _, done, err := decode(t, codec, ch, raw)
		require.NoError(t, err)
		require.True(t, done)
		require.True(t, f.IsBinary())
		require.Equal(t, payload, f.Payload())

		// our own encoder picks the same field width
		out := websocket.NewFrame(websocket.OpcodeBinary)
		_, _ = out.Write(payload)
		require.NoError(t, codec.Encode(ch, out))
		require.Equal(t, tc.header+tc.n, out.ByteBuf().Remaining())
		out.Release()
	}
}

func TestFrame_OverLimitCheckedBeforePayload(t *testing.T) {
	codec := websocket.NewCodec(1000)
	ch := fake.NewChannel(1)

	// header announces 4096 bytes, none of which is buffered
	raw := []byte{0x82, 126, 0x10, 0x00}
	_, _, _, err := decode(t, codec, ch, raw)
	require.ErrorIs(t, err, protocol.ErrFrameTooLarge)

	raw = []byte{0x82, 127, 0x80, 0, 0, 0, 0, 0, 0, 0}
	_, _, _, err = decode(t, codec, ch, raw)
	require.ErrorIs(t, err, protocol.ErrMalformedFrame)
}

func TestFrame_PartialResumption(t *testing.T) {
	codec := websocket.NewCodec(1 << 17)
	ch := fake.NewChannel(1)
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	raw := clientFrame(websocket.OpcodeText, payload, [4]byte{0xA, 0xB, 0xC, 0xD})

	for split := 0; split < len(raw); split++ {
		f, err := codec.Decode(ch, nil)
		require.NoError(t, err)
		first := buffer.Wrap(raw[:split])
		done, err := f.Read(ch, first)
		require.NoError(t, err)
		require.False(t, done, "split %d", split)
		require.Equal(t, split, first.Remaining(), "split %d consumed bytes", split)

		done, err = f.Read(ch, buffer.Wrap(raw))
		require.NoError(t, err)
		require.True(t, done)
		require.Equal(t, payload, f.Payload())
	}
}

func TestFrame_Heartbeats(t *testing.T) {
	codec := websocket.NewCodec(0)
	ch := fake.NewChannel(1)

	ping, _, done, err := decode(t, codec, ch, clientFrame(websocket.OpcodePing, []byte("p1"), [4]byte{1, 1, 1, 1}))
	require.NoError(t, err)
	require.True(t, done)
	require.True(t, ping.IsPing())

	pong := codec.CreatePongPacket(ch, ping)
	require.True(t, pong.IsPong())
	require.NoError(t, codec.Encode(ch, pong))
	require.Equal(t, []byte{0x8A, 0x02, 'p', '1'}, pong.ByteBuf().Bytes())

	p := codec.CreatePingPacket(ch)
	require.NoError(t, codec.Encode(ch, p))
	require.Equal(t, []byte{0x89, 0x00}, p.ByteBuf().Bytes())
}

func TestFrame_ProtocolViolations(t *testing.T) {
	codec := websocket.NewCodec(0)
	ch := fake.NewChannel(1)

	for name, raw := range map[string][]byte{
		"reserved bits":      {0xC1, 0x00},
		"unknown opcode":     {0x83, 0x00},
		"fragmented control": {0x09, 0x00},
		"oversized control":  append([]byte{0x89, 126, 0, 126}, make([]byte, 126)...),
	} {
		_, _, _, err := decode(t, codec, ch, raw)
		require.ErrorIs(t, err, protocol.ErrMalformedFrame, name)
	}
}

func TestFrame_CloseFrame(t *testing.T) {
	codec := websocket.NewCodec(0)
	ch := fake.NewChannel(1)

	out := websocket.NewCloseFrame(websocket.CloseGoingAway, "bye")
	require.NoError(t, codec.Encode(ch, out))

	f, _, done, err := decode(t, codec, ch, out.ByteBuf().Bytes())
	require.NoError(t, err)
	require.True(t, done)
	require.True(t, f.IsCloseFrame())
	require.Equal(t, websocket.CloseGoingAway, f.CloseCode())
	require.Equal(t, "bye", string(f.Payload()[2:]))
}

func TestMask_MatchesNaive(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for n := 0; n < 70; n++ {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(r.Intn(256))
		}
		key := [4]byte{byte(r.Intn(256)), byte(r.Intn(256)), byte(r.Intn(256)), byte(r.Intn(256))}

		want := make([]byte, n)
		for i := range payload {
			want[i] = payload[i] ^ key[i%4]
		}
		got := make([]byte, n)
		websocket.Mask(got, payload, key)
		require.Equal(t, want, got)

		// in place, and back again
		websocket.Mask(got, got, key)
		require.Equal(t, payload, got)
	}
}

func TestCodec_ClientModeMasks(t *testing.T) {
	client := websocket.NewCodec(0, websocket.WithClientMode())
	server := websocket.NewCodec(0)
	ch := fake.NewChannel(1)

	out := websocket.NewFrame(websocket.OpcodeText)
	_, _ = out.WriteString("from client")
	require.NoError(t, client.Encode(ch, out))
	raw := out.ByteBuf().Bytes()
	require.NotZero(t, raw[1]&websocket.MaskBit)

	f, _, done, err := decode(t, server, ch, raw)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, "from client", f.Text())
}

func TestCodec_EncodeLimits(t *testing.T) {
	codec := websocket.NewCodec(10)
	ch := fake.NewChannel(1)

	big := websocket.NewFrame(websocket.OpcodeText)
	_, _ = big.Write(make([]byte, 11))
	require.ErrorIs(t, codec.Encode(ch, big), protocol.ErrFrameTooLarge)

	ctl := websocket.NewFrame(websocket.OpcodePing)
	_, _ = ctl.Write(make([]byte, 126))
	require.ErrorIs(t, websocket.NewCodec(0).Encode(ch, ctl), protocol.ErrFrameTooLarge)
	require.Zero(t, ch.Allocator().Stats().InUse)
}

func TestCodec_Handshake(t *testing.T) {
	codec := websocket.NewCodec(0, websocket.WithHandshake())
	ch := fake.NewChannel(1)

	req := strings.Join([]string{
		"GET /chat HTTP/1.1",
		"Host: example.com",
		"Upgrade: websocket",
		"Connection: keep-alive, Upgrade",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version: 13",
		"", "",
	}, "\r\n")
	first := clientFrame(websocket.OpcodeText, []byte("hi"), [4]byte{1, 2, 3, 4})
	stream := append([]byte(req), first...)

	up, err := codec.Decode(ch, nil)
	require.NoError(t, err)

	// headers still incomplete
	done, err := up.Read(ch, buffer.Wrap(stream[:20]))
	require.NoError(t, err)
	require.False(t, done)

	src := buffer.Wrap(stream)
	done, err = up.Read(ch, src)
	require.NoError(t, err)
	require.True(t, done)
	require.True(t, up.IsSilent())
	require.Equal(t, len(first), src.Remaining())

	flushed := ch.Flushed()
	require.Len(t, flushed, 1)
	require.NoError(t, codec.Encode(ch, flushed[0]))
	resp := string(flushed[0].ByteBuf().Bytes())
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 101 Switching Protocols\r\n"))
	require.Contains(t, resp, "Sec-Websocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n")
	require.True(t, strings.HasSuffix(resp, "\r\n\r\n"))

	f, err := codec.Decode(ch, src)
	require.NoError(t, err)
	done, err = f.Read(ch, src)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, "hi", f.Text())
	require.Equal(t, "/chat", f.(*websocket.Frame).ServiceName())
}

// cappedAllocator never hands out more than 64 bytes.
type cappedAllocator struct {
	*buffer.LoopAllocator
}

func (a cappedAllocator) Allocate(size int) *buffer.ByteBuf {
	return a.LoopAllocator.Allocate(min(size, 64))
}

type cappedChannel struct {
	*fake.Channel
	alloc cappedAllocator
}

func (c *cappedChannel) Allocator() buffer.Allocator { return c.alloc }

func TestCodec_HandshakeResponseEncodeFailureReleases(t *testing.T) {
	codec := websocket.NewCodec(0, websocket.WithHandshake())
	ch := &cappedChannel{
		Channel: fake.NewChannel(1),
		alloc:   cappedAllocator{buffer.NewLoopAllocator(64, 4)},
	}
	req := "GET / HTTP/1.1\r\nHost: h\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n"

	up, err := codec.Decode(ch, nil)
	require.NoError(t, err)
	done, err := up.Read(ch, buffer.Wrap([]byte(req)))
	require.NoError(t, err)
	require.True(t, done)

	flushed := ch.Flushed()
	require.Len(t, flushed, 1)
	require.ErrorIs(t, codec.Encode(ch, flushed[0]), buffer.ErrOverflow)
	require.Nil(t, flushed[0].ByteBuf())
	stats := ch.alloc.Stats()
	require.Equal(t, int64(1), stats.TotalAlloc)
	require.Zero(t, stats.InUse)
}

func TestParseUpgrade_Rejects(t *testing.T) {
	base := http.Header{}
	base.Set("Upgrade", "websocket")
	base.Set("Connection", "Upgrade")
	base.Set("Sec-WebSocket-Version", "13")
	base.Set("Sec-WebSocket-Key", "x3JJHMbDL1EzLkh9GBhXDw==")

	build := func(mut func(h http.Header)) string {
		h := base.Clone()
		mut(h)
		var b strings.Builder
		b.WriteString("GET / HTTP/1.1\r\nHost: h\r\n")
		_ = h.Write(&b)
		b.WriteString("\r\n")
		return b.String()
	}

	_, err := websocket.ParseUpgrade(strings.NewReader(build(func(http.Header) {})))
	require.NoError(t, err)
	_, err = websocket.ParseUpgrade(strings.NewReader(build(func(h http.Header) { h.Del("Upgrade") })))
	require.ErrorIs(t, err, websocket.ErrInvalidUpgradeHeaders)
	_, err = websocket.ParseUpgrade(strings.NewReader(build(func(h http.Header) { h.Set("Sec-WebSocket-Version", "8") })))
	require.ErrorIs(t, err, websocket.ErrBadWebSocketVersion)
	_, err = websocket.ParseUpgrade(strings.NewReader(build(func(h http.Header) { h.Del("Sec-WebSocket-Key") })))
	require.ErrorIs(t, err, websocket.ErrMissingWebSocketKey)
}
