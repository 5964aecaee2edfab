package hpack_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	xhpack "golang.org/x/net/http2/hpack"

	"github.com/momentics/hioload-io/protocol/hpack"
)

func encode(t *testing.T, enc *xhpack.Encoder, buf *bytes.Buffer, fields ...xhpack.HeaderField) []byte {
	t.Helper()
	buf.Reset()
	for _, f := range fields {
		require.NoError(t, enc.WriteField(f))
	}
	return append([]byte(nil), buf.Bytes()...)
}

func TestDecoder_StaticIndex(t *testing.T) {
	d := hpack.NewDecoder()
	got, err := d.Decode(1, []byte{0x82, 0x87})
	require.NoError(t, err)
	require.Equal(t, []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
	}, got)
	require.Zero(t, d.Table().Len())
}

func TestDecoder_RoundTripWithEncoder(t *testing.T) {
	var buf bytes.Buffer
	enc := xhpack.NewEncoder(&buf)
	fields := []xhpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":authority", Value: "www.example.com"},
		{Name: "custom-key", Value: "custom-value"},
		{Name: "password", Value: "secret", Sensitive: true},
	}
	want := []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":authority", Value: "www.example.com"},
		{Name: "custom-key", Value: "custom-value"},
		{Name: "password", Value: "secret", Sensitive: true},
	}

	d := hpack.NewDecoder()
	first := encode(t, enc, &buf, fields...)
	got, err := d.Decode(1, first)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, 2, d.Table().Len())
	newest, ok := d.Table().Entry(1)
	require.True(t, ok)
	require.Equal(t, "custom-key", newest.Name)

	// the second block refers to the dynamic table
	block := encode(t, enc, &buf, fields...)
	require.Less(t, len(block), len(first))
	got, err = d.Decode(3, block)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecoder_EvictionInvalidatesIndex(t *testing.T) {
	d := hpack.NewDecoderSize(64)
	block := []byte{
		0x40, 0x04, 'a', 'a', 'a', 'a', 0x04, 'b', 'b', 'b', 'b',
		0x40, 0x04, 'c', 'c', 'c', 'c', 0x04, 'd', 'd', 'd', 'd',
	}
	got, err := d.Decode(1, block)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 1, d.Table().Len())
	require.Equal(t, int64(40), d.Table().Size())

	got, err = d.Decode(1, []byte{0xBE})
	require.NoError(t, err)
	require.Equal(t, []hpack.HeaderField{{Name: "cccc", Value: "dddd"}}, got)

	_, err = d.Decode(1, []byte{0xBF})
	require.ErrorIs(t, err, hpack.ErrIllegalIndex)
	require.ErrorIs(t, err, hpack.ErrCompression)
}

func TestDecoder_IllegalIndex(t *testing.T) {
	d := hpack.NewDecoder()
	_, err := d.Decode(1, []byte{0x80})
	require.ErrorIs(t, err, hpack.ErrIllegalIndex)

	// 127 through the integer continuation
	_, err = d.Decode(1, []byte{0xFF, 0x00})
	require.ErrorIs(t, err, hpack.ErrIllegalIndex)
}

func TestDecoder_HeaderListSize(t *testing.T) {
	d := hpack.NewDecoder()
	require.NoError(t, d.SetMaxHeaderListSize(10))
	require.Equal(t, int64(10), d.MaxHeaderListSize())

	_, err := d.Decode(5, []byte{0x82})
	require.NoError(t, err)

	_, err = d.Decode(5, []byte{0x82, 0x82})
	var lse *hpack.HeaderListSizeError
	require.ErrorAs(t, err, &lse)
	require.Equal(t, uint32(5), lse.StreamID)
	require.NotErrorIs(t, err, hpack.ErrCompression)

	_, err = d.Decode(7, []byte{0x00, 0x06, 'a', 'b', 'c', 'd', 'e', 'f', 0x06, 'g', 'h', 'i', 'j', 'k', 'l'})
	require.ErrorAs(t, err, &lse)
	require.Equal(t, uint32(7), lse.StreamID)

	require.ErrorIs(t, d.SetMaxHeaderListSize(-1), hpack.ErrInvalidSetting)
}

func TestDecoder_TableSizeUpdate(t *testing.T) {
	d := hpack.NewDecoder()
	require.NoError(t, d.SetMaxHeaderTableSize(100))
	require.Equal(t, int64(100), d.MaxHeaderTableSize())

	_, err := d.Decode(1, []byte{0x82})
	require.ErrorIs(t, err, hpack.ErrTableSizeChangeRequired)

	got, err := d.Decode(1, []byte{0x3F, 0x45, 0x82})
	require.NoError(t, err)
	require.Len(t, got, 1)

	// 4097 exceeds what we advertised
	_, err = d.Decode(1, []byte{0x3F, 0xE2, 0x1F})
	require.ErrorIs(t, err, hpack.ErrInvalidTableSize)

	require.ErrorIs(t, d.SetMaxHeaderTableSize(-1), hpack.ErrInvalidSetting)
}

func TestDecoder_Huffman(t *testing.T) {
	value := "www.example.com"
	enc := xhpack.AppendHuffmanString(nil, value)
	require.Less(t, len(enc), 0x7F)
	block := append([]byte{0x41, 0x80 | byte(len(enc))}, enc...)

	d := hpack.NewDecoder()
	got, err := d.Decode(1, block)
	require.NoError(t, err)
	require.Equal(t, []hpack.HeaderField{{Name: ":authority", Value: value}}, got)

	// bad padding
	_, err = d.Decode(1, []byte{0x40, 0x81, 0x00, 0x00})
	require.ErrorIs(t, err, hpack.ErrDecompression)
}

func TestDecoder_IncompleteBlock(t *testing.T) {
	for name, block := range map[string][]byte{
		"name":    {0x40, 0x04, 'a'},
		"value":   {0x40, 0x01, 'a'},
		"integer": {0xFF},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := hpack.NewDecoder().Decode(1, block)
			require.ErrorIs(t, err, hpack.ErrCompression)
		})
	}
}

func TestDecoder_EmptyValue(t *testing.T) {
	got, err := hpack.NewDecoder().Decode(1, []byte{0x00, 0x01, 'x', 0x00})
	require.NoError(t, err)
	require.Equal(t, []hpack.HeaderField{{Name: "x"}}, got)
}

func TestDynamicTable_CapacityAndOversize(t *testing.T) {
	tbl := hpack.NewDynamicTable(100)
	for i := 0; i < 20; i++ {
		tbl.Add(hpack.HeaderField{Name: "n", Value: string(rune('a' + i))})
	}
	require.Equal(t, 2, tbl.Len())
	e, ok := tbl.Entry(1)
	require.True(t, ok)
	require.Equal(t, "t", e.Value)

	tbl.SetCapacity(40)
	require.Equal(t, 1, tbl.Len())
	tbl.Add(hpack.HeaderField{Name: "long-name", Value: "long-value"})
	require.Zero(t, tbl.Len())
	require.Zero(t, tbl.Size())
}
