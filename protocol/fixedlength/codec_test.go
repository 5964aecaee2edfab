package fixedlength_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-io/core/buffer"
	"github.com/momentics/hioload-io/core/protocol"
	"github.com/momentics/hioload-io/fake"
	"github.com/momentics/hioload-io/protocol/fixedlength"
)

func frame(payload string) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func TestFuture_ResumesAcrossReads(t *testing.T) {
	codec := fixedlength.NewCodec(0)
	ch := fake.NewChannel(1)
	raw := frame("hello world")

	f, err := codec.Decode(ch, nil)
	require.NoError(t, err)

	// header split: nothing consumed
	src := buffer.Wrap(raw[:3])
	done, err := f.Read(ch, src)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, 3, src.Remaining())

	src = buffer.Wrap(raw[:7])
	done, err = f.Read(ch, src)
	require.NoError(t, err)
	require.False(t, done)
	require.Zero(t, src.Remaining())

	done, err = f.Read(ch, buffer.Wrap(raw[7:]))
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, "hello world", f.Text())
}

func TestFuture_Heartbeats(t *testing.T) {
	codec := fixedlength.NewCodec(0)
	ch := fake.NewChannel(1)

	for _, tc := range []struct {
		header int32
		ping   bool
	}{{-1, true}, {-2, false}} {
		var raw [4]byte
		binary.BigEndian.PutUint32(raw[:], uint32(tc.header))
		f, _ := codec.Decode(ch, nil)
		done, err := f.Read(ch, buffer.Wrap(raw[:]))
		require.NoError(t, err)
		require.True(t, done)
		require.True(t, f.IsHeartbeat())
		require.Equal(t, tc.ping, f.IsPing())
	}
}

func TestFuture_Limit(t *testing.T) {
	codec := fixedlength.NewCodec(8)
	ch := fake.NewChannel(1)
	f, _ := codec.Decode(ch, nil)
	_, err := f.Read(ch, buffer.Wrap(frame("123456789")))
	require.ErrorIs(t, err, protocol.ErrFrameTooLarge)

	var neg [4]byte
	binary.BigEndian.PutUint32(neg[:], uint32(0xFFFFFFF0))
	f, _ = codec.Decode(ch, nil)
	_, err = f.Read(ch, buffer.Wrap(neg[:]))
	require.ErrorIs(t, err, protocol.ErrMalformedFrame)
}

func TestCodec_Encode(t *testing.T) {
	codec := fixedlength.NewCodec(16)
	ch := fake.NewChannel(1)

	f := &fixedlength.Future{}
	_, err := f.WriteString("abc")
	require.NoError(t, err)
	require.NoError(t, codec.Encode(ch, f))
	require.Equal(t, frame("abc"), f.ByteBuf().Bytes())

	ping := codec.CreatePingPacket(ch)
	require.NoError(t, codec.Encode(ch, ping))
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, ping.ByteBuf().Bytes())

	pong := codec.CreatePongPacket(ch, ping)
	require.NoError(t, codec.Encode(ch, pong))
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFE}, pong.ByteBuf().Bytes())

	big := &fixedlength.Future{}
	_, _ = big.Write(make([]byte, 17))
	require.ErrorIs(t, codec.Encode(ch, big), protocol.ErrFrameTooLarge)
	require.Equal(t, int64(3), ch.Allocator().Stats().TotalAlloc)
}
