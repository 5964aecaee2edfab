package hpack

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeULE128_Bounds(t *testing.T) {
	pos := 0
	v, err := decodeULE128([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x06}, &pos, 0x7F)
	require.NoError(t, err)
	require.Equal(t, 1879048318, v)
	require.Equal(t, 5, pos)

	pos = 0
	_, err = decodeULE128([]byte{0x80, 0x80, 0x80, 0x80, 0x07}, &pos, 0x7F)
	require.ErrorIs(t, err, ErrDecompression)

	pos = 0
	_, err = decodeULE128([]byte{0x80, 0x80}, &pos, 0x7F)
	require.ErrorIs(t, err, ErrDecompression)

	pos = 1
	v, err = decodeULE128([]byte{0x00, 0x45}, &pos, 31)
	require.NoError(t, err)
	require.Equal(t, 100, v)
}
