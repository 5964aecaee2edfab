package channel_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-io/core/channel"
	"github.com/momentics/hioload-io/core/protocol"
	"github.com/momentics/hioload-io/fake"
	"github.com/momentics/hioload-io/protocol/fixedlength"
	"github.com/momentics/hioload-io/protocol/websocket"
	"github.com/momentics/hioload-io/reactor"
)

func newContext(r *recorder, opts ...channel.Option) *channel.Context {
	opts = append([]channel.Option{
		channel.WithLogger(zerolog.Nop()),
		channel.WithListener(r),
	}, opts...)
	return channel.NewContext(fixedlength.NewCodec(64), r, opts...)
}

func TestChannel_EchoInline(t *testing.T) {
	h := startLoop(t, testConfig())
	r := &recorder{echo: "re:"}
	ctx := newContext(r)
	sock, ch := h.connect(t, 3, ctx)

	sock.AddRecvData(frame("ping1"))
	require.Eventually(t, func() bool {
		return bytes.Equal(sock.SentData(), frame("re:ping1"))
	}, waitFor, tick)
	require.Equal(t, []string{"ping1"}, r.Texts())
	require.True(t, ch.IsOpened())
	require.Equal(t, int64(1), ctx.Metrics().FuturesDecoded.Load())
	require.Equal(t, int64(1), ctx.Metrics().FuturesFlushed.Load())
}

func TestChannel_PartialFrameAcrossReads(t *testing.T) {
	h := startLoop(t, testConfig())
	r := &recorder{}
	sock, _ := h.connect(t, 3, newContext(r))

	raw := frames("hello", "world", "again")
	sock.AddRecvData(raw[:3])
	require.Never(t, func() bool { return len(r.Texts()) > 0 }, 50*time.Millisecond, tick)

	sock.AddRecvData(raw[3:12])
	require.Eventually(t, func() bool { return len(r.Texts()) == 1 }, waitFor, tick)

	sock.AddRecvData(raw[12:])
	require.Eventually(t, func() bool { return len(r.Texts()) == 3 }, waitFor, tick)
	require.Equal(t, []string{"hello", "world", "again"}, r.Texts())
}

func TestChannel_FrameLargerThanReadBuffer(t *testing.T) {
	cfg := testConfig()
	cfg.ReadBufferSize = 64
	h := startLoop(t, cfg)
	r := &recorder{}
	ctx := channel.NewContext(fixedlength.NewCodec(1024), r, channel.WithLogger(zerolog.Nop()))
	sock, _ := h.connect(t, 3, ctx)

	payload := string(bytes.Repeat([]byte("x"), 300))
	raw := frame(payload)
	sock.AddRecvData(raw[:40])
	require.Never(t, func() bool { return len(r.Texts()) > 0 }, 30*time.Millisecond, tick)
	sock.AddRecvData(raw[40:])
	require.Eventually(t, func() bool { return len(r.Texts()) == 1 }, waitFor, tick)
	require.Equal(t, payload, r.Texts()[0])
}

func TestChannel_BackpressureKeepsOrder(t *testing.T) {
	h := startLoop(t, testConfig())
	r := &recorder{}
	sock, ch := h.connect(t, 3, newContext(r))
	sock.SetChunk(-1)

	var want []byte
	for _, s := range []string{"first", "second", "third", "fourth", "fifth", "sixth"} {
		f := &fixedlength.Future{}
		_, err := f.WriteString(s)
		require.NoError(t, err)
		ch.Flush(f)
		want = append(want, frame(s)...)
	}
	require.Eventually(t, func() bool { return sock.Writes() > 0 }, waitFor, tick)
	require.Empty(t, sock.SentData())
	require.Eventually(t, func() bool {
		i, _ := h.poller.Interest(3)
		return i.Has(reactor.Write)
	}, waitFor, tick)

	sock.SetChunk(3)
	require.Eventually(t, func() bool { return bytes.Equal(sock.SentData(), want) }, waitFor, tick)
	require.Eventually(t, func() bool {
		i, _ := h.poller.Interest(3)
		return i == reactor.Read
	}, waitFor, tick)
	require.Empty(t, r.Errors())
	require.Eventually(t, func() bool { return h.shared.Stats().InUse == 0 }, waitFor, tick)
}

func TestChannel_CloseFailsPendingWrites(t *testing.T) {
	h := startLoop(t, testConfig())
	r := &recorder{}
	sock, ch := h.connect(t, 3, newContext(r))
	sock.SetChunk(-1)

	for i := 0; i < 6; i++ {
		f := &fixedlength.Future{}
		_, _ = f.WriteString("pending")
		ch.Flush(f)
	}
	require.Eventually(t, func() bool { return sock.Writes() > 0 }, waitFor, tick)

	require.NoError(t, ch.Close())
	require.Eventually(t, func() bool { return !ch.IsOpened() && r.Closed() == 1 }, waitFor, tick)
	require.NoError(t, ch.Close())

	errs := r.Errors()
	require.Len(t, errs, 6)
	for _, err := range errs {
		require.ErrorIs(t, err, protocol.ErrClosedChannel)
	}
	require.Equal(t, int64(0), h.shared.Stats().InUse)
	require.Equal(t, 1, sock.CloseCount())
	require.Equal(t, 1, r.Closed())

	// writes after close are reported and never queued
	late := &fixedlength.Future{}
	_, _ = late.WriteString("late")
	ch.Flush(late)
	require.Len(t, r.Errors(), 7)
	require.ErrorIs(t, r.Errors()[6], protocol.ErrClosedChannel)
	_, attached := h.poller.Interest(3)
	require.False(t, attached)
	require.Zero(t, h.loop.ChannelCount())
}

func TestChannel_PingIsAnsweredWithPong(t *testing.T) {
	h := startLoop(t, testConfig())
	r := &recorder{}
	ctx := newContext(r)
	sock, _ := h.connect(t, 3, ctx)

	sock.AddRecvData([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	require.Eventually(t, func() bool {
		return bytes.Equal(sock.SentData(), []byte{0xFF, 0xFF, 0xFF, 0xFE})
	}, waitFor, tick)
	require.Empty(t, r.Texts())
	require.Equal(t, int64(1), ctx.Metrics().Heartbeats.Load())

	// a pong needs no answer
	sock.AddRecvData([]byte{0xFF, 0xFF, 0xFF, 0xFE})
	require.Eventually(t, func() bool { return ctx.Metrics().Heartbeats.Load() == 2 }, waitFor, tick)
	require.Len(t, sock.SentData(), 4)
}

func TestChannel_WorkersPreserveOrder(t *testing.T) {
	h := startLoop(t, testConfig())
	r := &recorder{echo: ">"}
	ctx := newContext(r, channel.WithWorkers(2))
	defer ctx.Close()
	sock, _ := h.connect(t, 3, ctx)

	var in []string
	var want []byte
	for i := 0; i < 40; i++ {
		s := string(rune('a'+i%26)) + string(rune('0'+i%10))
		in = append(in, s)
		want = append(want, frame(">"+s)...)
	}
	sock.AddRecvData(frames(in...))
	require.Eventually(t, func() bool { return bytes.Equal(sock.SentData(), want) }, waitFor, tick)
	require.Equal(t, in, r.Texts())
}

func TestChannel_DecodeErrorCloses(t *testing.T) {
	h := startLoop(t, testConfig())
	r := &recorder{}
	sock, ch := h.connect(t, 3, newContext(r))

	sock.AddRecvData([]byte{0xFF, 0xFF, 0xFF, 0xF0})
	require.Eventually(t, func() bool { return !ch.IsOpened() && r.Closed() == 1 }, waitFor, tick)
	errs := r.Errors()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], protocol.ErrMalformedFrame)
	kind, ok := protocol.KindOf(errs[0])
	require.True(t, ok)
	require.Equal(t, protocol.KindProtocol, kind)
	require.True(t, sock.IsClosed())
}

func TestChannel_PeerCloseIsQuiet(t *testing.T) {
	h := startLoop(t, testConfig())
	r := &recorder{}
	sock, ch := h.connect(t, 3, newContext(r))

	sock.AddRecvData(frame("bye"))
	sock.SetEOF()
	require.Eventually(t, func() bool { return !ch.IsOpened() && r.Closed() == 1 }, waitFor, tick)
	require.Equal(t, []string{"bye"}, r.Texts())
	require.Empty(t, r.Errors())
}

func TestChannel_HandlerFailureIsReported(t *testing.T) {
	h := startLoop(t, testConfig())
	boom := errors.New("boom")
	calls := 0
	r := &recorder{accept: func(*channel.Channel, protocol.Future) error {
		calls++
		if calls == 1 {
			return boom
		}
		panic("handler bug")
	}}
	sock, ch := h.connect(t, 3, newContext(r))

	sock.AddRecvData(frames("one", "two"))
	require.Eventually(t, func() bool { return len(r.Errors()) == 2 }, waitFor, tick)
	errs := r.Errors()
	require.ErrorIs(t, errs[0], boom)
	kind, _ := protocol.KindOf(errs[1])
	require.Equal(t, protocol.KindApplication, kind)
	require.True(t, ch.IsOpened())
}

func TestChannel_FlushAllEncodeFailureCloses(t *testing.T) {
	h := startLoop(t, testConfig())
	r := &recorder{}
	sock, ch := h.connect(t, 3, newContext(r))

	ok := &fixedlength.Future{}
	_, _ = ok.WriteString("fits")
	big := &fixedlength.Future{}
	_, _ = big.Write(make([]byte, 65))
	ch.FlushAll([]protocol.Future{ok, big})

	require.Eventually(t, func() bool { return !ch.IsOpened() }, waitFor, tick)
	errs := r.Errors()
	require.Len(t, errs, 2)
	for _, err := range errs {
		kind, _ := protocol.KindOf(err)
		require.Equal(t, protocol.KindEncode, kind)
	}
	require.Empty(t, sock.SentData())
	require.Equal(t, int64(0), h.shared.Stats().InUse)
}

func TestChannel_FlushAllWritesInOrder(t *testing.T) {
	h := startLoop(t, testConfig())
	r := &recorder{}
	sock, ch := h.connect(t, 3, newContext(r))

	var batch []protocol.Future
	var want []byte
	for _, s := range []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff"} {
		f := &fixedlength.Future{}
		_, _ = f.WriteString(s)
		batch = append(batch, f)
		want = append(want, frame(s)...)
	}
	ch.FlushAll(batch)
	require.Eventually(t, func() bool { return bytes.Equal(sock.SentData(), want) }, waitFor, tick)
}

func TestChannel_Attributes(t *testing.T) {
	h := startLoop(t, testConfig())
	_, ch := h.connect(t, 3, newContext(&recorder{}))

	type key struct{}
	require.Nil(t, ch.Attribute(key{}))
	ch.SetAttribute(key{}, 42)
	require.Equal(t, 42, ch.Attribute(key{}))
	ch.SetAttribute(key{}, nil)
	require.Nil(t, ch.Attribute(key{}))
	require.Contains(t, ch.String(), "peer:3")
}

func TestChannel_TLSClientHandshakeAndCloseNotify(t *testing.T) {
	h := startLoop(t, testConfig())
	r := &recorder{}
	ssl := &fake.SslContext{Client: true, Key: 0x5A}
	sock, ch := h.connect(t, 3, newContext(r, channel.WithSsl(ssl)))

	require.Eventually(t, func() bool { return len(sock.SentData()) > 0 }, waitFor, tick)
	types, payloads, err := fake.SplitRecords(0x5A, sock.SentData())
	require.NoError(t, err)
	require.Equal(t, []byte{fake.RecordHandshake}, types)
	require.Equal(t, "hello", string(payloads[0]))

	require.NoError(t, ch.Close())
	require.Eventually(t, func() bool { return !ch.IsOpened() }, waitFor, tick)
	types, _, err = fake.SplitRecords(0x5A, sock.SentData())
	require.NoError(t, err)
	require.Equal(t, []byte{fake.RecordHandshake, fake.RecordAlert}, types)
}

func TestChannel_TLSServerRecordsSplitAcrossReads(t *testing.T) {
	h := startLoop(t, testConfig())
	r := &recorder{echo: "re:"}
	ssl := &fake.SslContext{Key: 0x33}
	sock, _ := h.connect(t, 3, newContext(r, channel.WithSsl(ssl)))

	in := append(fake.SealRecord(fake.RecordHandshake, 0x33, []byte("hello")),
		fake.SealRecord(fake.RecordAppData, 0x33, frame("hi"))...)
	// the second plaintext frame is split over two records
	second := frame("there")
	in = append(in, fake.SealRecord(fake.RecordAppData, 0x33, second[:2])...)
	in = append(in, fake.SealRecord(fake.RecordAppData, 0x33, second[2:])...)

	sock.AddRecvData(in[:7])
	require.Never(t, func() bool { return len(sock.SentData()) > 0 }, 30*time.Millisecond, tick)
	sock.AddRecvData(in[7:20])
	sock.AddRecvData(in[20:])

	require.Eventually(t, func() bool { return len(r.Texts()) == 2 }, waitFor, tick)
	require.Equal(t, []string{"hi", "there"}, r.Texts())
	require.Eventually(t, func() bool {
		types, _, err := fake.SplitRecords(0x33, sock.SentData())
		return err == nil && len(types) == 3
	}, waitFor, tick)
	types, payloads, err := fake.SplitRecords(0x33, sock.SentData())
	require.NoError(t, err)
	require.Equal(t, []byte{fake.RecordHandshake, fake.RecordAppData, fake.RecordAppData}, types)
	require.Equal(t, "welcome", string(payloads[0]))
	require.Equal(t, frame("re:hi"), payloads[1])
	require.Equal(t, frame("re:there"), payloads[2])
}

var errSealFailed = errors.New("seal failed")

// sealFailingSsl hands out engines that refuse to wrap any plaintext
// containing "secret".
type sealFailingSsl struct {
	fake.SslContext
}

func (s *sealFailingSsl) NewEngine(ch *channel.Channel) (channel.SslEngine, error) {
	e, err := s.SslContext.NewEngine(ch)
	if err != nil {
		return nil, err
	}
	return &sealFailingEngine{SslEngine: e}, nil
}

type sealFailingEngine struct {
	channel.SslEngine
}

func (e *sealFailingEngine) Wrap(plain []byte) ([]byte, error) {
	if bytes.Contains(plain, []byte("secret")) {
		return nil, errSealFailed
	}
	return e.SslEngine.Wrap(plain)
}

func TestChannel_TLSWrapFailureNeverSendsPlaintext(t *testing.T) {
	h := startLoop(t, testConfig())
	r := &recorder{echo: "secret:"}
	ssl := &sealFailingSsl{SslContext: fake.SslContext{Key: 0x33}}
	sock, ch := h.connect(t, 3, newContext(r, channel.WithSsl(ssl)))

	in := append(fake.SealRecord(fake.RecordHandshake, 0x33, []byte("hello")),
		fake.SealRecord(fake.RecordAppData, 0x33, frame("hi"))...)
	sock.AddRecvData(in)

	require.Eventually(t, func() bool { return !ch.IsOpened() && r.Closed() == 1 }, waitFor, tick)
	require.Equal(t, []string{"hi"}, r.Texts())

	sent := sock.SentData()
	require.NotContains(t, string(sent), "secret")
	types, payloads, err := fake.SplitRecords(0x33, sent)
	require.NoError(t, err)
	require.Equal(t, []byte{fake.RecordHandshake}, types)
	require.Equal(t, "welcome", string(payloads[0]))

	errs := r.Errors()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], errSealFailed)
	kind, _ := protocol.KindOf(errs[0])
	require.Equal(t, protocol.KindTransport, kind)
	require.Equal(t, int64(0), h.loop.Allocator().Stats().InUse)
}

func TestChannel_WebSocketLeftoverAndCloseFrame(t *testing.T) {
	cfg := testConfig()
	cfg.ReadBufferSize = 64
	h := startLoop(t, cfg)
	r := &recorder{}
	ctx := channel.NewContext(websocket.NewCodec(4096), r,
		channel.WithLogger(zerolog.Nop()), channel.WithListener(r))
	sock, ch := h.connect(t, 3, ctx)

	payload := bytes.Repeat([]byte("w"), 100)
	raw := append([]byte{0x81, 126, 0, 100}, payload...)
	// more than half of the read buffer stays pending
	sock.AddRecvData(raw[:50])
	require.Never(t, func() bool { return len(r.Texts()) > 0 }, 30*time.Millisecond, tick)
	sock.AddRecvData(raw[50:])
	require.Eventually(t, func() bool { return len(r.Texts()) == 1 }, waitFor, tick)
	require.Equal(t, string(payload), r.Texts()[0])

	sock.AddRecvData([]byte{0x88, 0x02, 0x03, 0xE8})
	require.Eventually(t, func() bool { return !ch.IsOpened() && r.Closed() == 1 }, waitFor, tick)
	require.Len(t, r.Texts(), 2)
	require.Empty(t, r.Errors())
}
