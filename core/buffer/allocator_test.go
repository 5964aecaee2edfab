package buffer_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-io/core/buffer"
)

func TestLoopAllocator_ReleaseVersion(t *testing.T) {
	a := buffer.NewLoopAllocator(64, 4)

	b := a.Allocate(16)
	v := b.ReleaseVersion()
	require.True(t, b.Release(v))
	require.False(t, b.Release(v), "second release with same version must be a no-op")

	again := a.Allocate(16)
	require.Same(t, b, again, "released buffer is re-issued")
	require.NotEqual(t, v, again.ReleaseVersion())

	_, err := again.Write([]byte("owner"))
	require.NoError(t, err)
	require.False(t, again.Release(v), "stale holder must not release the new owner")
	require.Equal(t, []byte("owner"), again.Bytes())

	st := a.Stats()
	require.Equal(t, int64(2), st.TotalAlloc)
	require.Equal(t, int64(1), st.TotalFree)
	require.Equal(t, int64(1), st.InUse)
}

func TestLoopAllocator_Unpooled(t *testing.T) {
	a := buffer.NewLoopAllocator(8, 4)
	b := a.Allocate(100)
	require.GreaterOrEqual(t, b.Cap(), 100)
	v := b.ReleaseVersion()
	require.True(t, b.Release(v))
	require.False(t, b.Release(v))
	require.Equal(t, int64(1), a.Stats().Unpooled)
}

func TestSharedAllocator_Concurrent(t *testing.T) {
	a := buffer.NewSharedAllocator(32, 64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b := a.Allocate(32)
				v := b.ReleaseVersion()
				_ = b.PutUint32(uint32(i))
				if !b.Release(v) {
					t.Errorf("release failed")
					return
				}
				// b may already belong to another goroutine
				if b.Release(v) {
					t.Errorf("stale release accepted")
					return
				}
			}
		}()
	}
	wg.Wait()
	st := a.Stats()
	require.Equal(t, int64(8000), st.TotalAlloc)
	require.Equal(t, int64(0), st.InUse)
}

func TestByteBuf_Cursors(t *testing.T) {
	b := buffer.NewByteBuf(16)
	require.NoError(t, b.PutUint16(0xBEEF))
	require.NoError(t, b.PutUint32(7))
	require.Equal(t, 6, b.Remaining())

	b.Mark()
	require.Equal(t, uint16(0xBEEF), b.GetUint16())
	b.ResetToMark()
	require.Equal(t, uint16(0xBEEF), b.GetUint16())
	require.Equal(t, uint32(7), b.GetUint32())
	require.False(t, b.HasRemaining())

	_, err := b.Write(make([]byte, 11))
	require.ErrorIs(t, err, buffer.ErrOverflow)

	_, err = b.Write([]byte{1, 2})
	require.NoError(t, err)
	b.Compact()
	require.Equal(t, 0, b.Position())
	require.Equal(t, []byte{1, 2}, b.Bytes())
}
