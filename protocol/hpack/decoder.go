// File: protocol/hpack/decoder.go
// Package hpack decodes RFC 7541 header blocks. The decoder keeps the
// per-connection dynamic table and consumes one complete header block per
// call; the framing layer is expected to join CONTINUATION fragments first.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hpack

import (
	"math"

	"golang.org/x/net/http2/hpack"
)

// Settings bounds and defaults (RFC 7540 6.5.2).
const (
	DefaultHeaderTableSize = 4096
	DefaultHeaderListSize  = 8192
	MinHeaderTableSize     = 0
	MaxHeaderTableSize     = math.MaxUint32
	MinHeaderListSize      = 0
	MaxHeaderListSize      = math.MaxUint32
)

type state uint8

const (
	readHeaderRepresentation state = iota
	readMaxDynamicTableSize
	readIndexedHeader
	readIndexedHeaderName
	readLiteralHeaderNameLengthPrefix
	readLiteralHeaderNameLength
	readLiteralHeaderName
	readLiteralHeaderValueLengthPrefix
	readLiteralHeaderValueLength
	readLiteralHeaderValue
)

type indexType uint8

const (
	indexNone indexType = iota
	indexIncremental
	indexNever
)

// Decoder is not safe for concurrent use; one decoder serves one connection.
type Decoder struct {
	table                 *DynamicTable
	maxHeaderListSize     int64
	maxTableSize          int64
	encoderMaxTableSize   int64
	tableSizeChangeNeeded bool
}

// NewDecoder creates a decoder with the default table and list sizes.
func NewDecoder() *Decoder {
	return NewDecoderSize(DefaultHeaderTableSize)
}

// NewDecoderSize creates a decoder whose table starts at tableSize bytes.
func NewDecoderSize(tableSize int64) *Decoder {
	return &Decoder{
		table:               NewDynamicTable(tableSize),
		maxHeaderListSize:   DefaultHeaderListSize,
		maxTableSize:        tableSize,
		encoderMaxTableSize: tableSize,
	}
}

// Table exposes the dynamic table.
func (d *Decoder) Table() *DynamicTable { return d.table }

// MaxHeaderListSize returns the per-block header list limit.
func (d *Decoder) MaxHeaderListSize() int64 { return d.maxHeaderListSize }

// MaxHeaderTableSize returns the current dynamic table capacity.
func (d *Decoder) MaxHeaderTableSize() int64 { return d.table.Capacity() }

// SetMaxHeaderTableSize applies our SETTINGS_HEADER_TABLE_SIZE. Shrinking
// below what the encoder uses requires the next block to open with a table
// size update.
func (d *Decoder) SetMaxHeaderTableSize(size int64) error {
	if size < MinHeaderTableSize || size > MaxHeaderTableSize {
		return ErrInvalidSetting
	}
	d.maxTableSize = size
	if size < d.encoderMaxTableSize {
		d.tableSizeChangeNeeded = true
		d.table.SetCapacity(size)
	}
	return nil
}

// SetMaxHeaderListSize applies our SETTINGS_MAX_HEADER_LIST_SIZE.
func (d *Decoder) SetMaxHeaderListSize(size int64) error {
	if size < MinHeaderListSize || size > MaxHeaderListSize {
		return ErrInvalidSetting
	}
	d.maxHeaderListSize = size
	return nil
}

// block is the decoding state of one header block.
type block struct {
	streamID uint32
	max      int64
	size     int64
	fields   []HeaderField
}

func (b *block) add(hf HeaderField) error {
	b.size += int64(len(hf.Name) + len(hf.Value))
	if b.size > b.max {
		return &HeaderListSizeError{StreamID: b.streamID, Max: b.max}
	}
	b.fields = append(b.fields, hf)
	return nil
}

// exceeds reports whether n more bytes would overflow the header list.
func (b *block) exceeds(n int64) bool {
	return n > b.max-b.size
}

// Decode decodes a complete header block for streamID.
func (d *Decoder) Decode(streamID uint32, in []byte) ([]HeaderField, error) {
	var (
		blk      = block{streamID: streamID, max: d.maxHeaderListSize}
		st       = readHeaderRepresentation
		pos      int
		index    int
		nameLen  int
		valueLen int
		huffman  bool
		name     string
		kind     indexType
		err      error
	)
	for pos < len(in) {
		switch st {
		case readHeaderRepresentation:
			b := in[pos]
			pos++
			if d.tableSizeChangeNeeded && b&0xE0 != 0x20 {
				return nil, ErrTableSizeChangeRequired
			}
			switch {
			case b&0x80 != 0:
				// indexed header field
				index = int(b & 0x7F)
				switch index {
				case 0:
					return nil, ErrIllegalIndex
				case 0x7F:
					st = readIndexedHeader
				default:
					if err = d.indexHeader(&blk, index); err != nil {
						return nil, err
					}
				}
			case b&0x40 != 0:
				// literal with incremental indexing
				kind = indexIncremental
				index = int(b & 0x3F)
				switch index {
				case 0:
					st = readLiteralHeaderNameLengthPrefix
				case 0x3F:
					st = readIndexedHeaderName
				default:
					if name, err = d.readName(index); err != nil {
						return nil, err
					}
					st = readLiteralHeaderValueLengthPrefix
				}
			case b&0x20 != 0:
				// dynamic table size update
				index = int(b & 0x1F)
				if index == 0x1F {
					st = readMaxDynamicTableSize
				} else if err = d.setDynamicTableSize(int64(index)); err != nil {
					return nil, err
				}
			default:
				// literal without indexing or never indexed
				kind = indexNone
				if b&0x10 != 0 {
					kind = indexNever
				}
				index = int(b & 0x0F)
				switch index {
				case 0:
					st = readLiteralHeaderNameLengthPrefix
				case 0x0F:
					st = readIndexedHeaderName
				default:
					if name, err = d.readName(index); err != nil {
						return nil, err
					}
					st = readLiteralHeaderValueLengthPrefix
				}
			}

		case readMaxDynamicTableSize:
			if index, err = decodeULE128(in, &pos, index); err != nil {
				return nil, err
			}
			if err = d.setDynamicTableSize(int64(index)); err != nil {
				return nil, err
			}
			st = readHeaderRepresentation

		case readIndexedHeader:
			if index, err = decodeULE128(in, &pos, index); err != nil {
				return nil, err
			}
			if err = d.indexHeader(&blk, index); err != nil {
				return nil, err
			}
			st = readHeaderRepresentation

		case readIndexedHeaderName:
			if index, err = decodeULE128(in, &pos, index); err != nil {
				return nil, err
			}
			if name, err = d.readName(index); err != nil {
				return nil, err
			}
			st = readLiteralHeaderValueLengthPrefix

		case readLiteralHeaderNameLengthPrefix:
			b := in[pos]
			pos++
			huffman = b&0x80 != 0
			index = int(b & 0x7F)
			if index == 0x7F {
				st = readLiteralHeaderNameLength
				break
			}
			if blk.exceeds(int64(index)) {
				return nil, &HeaderListSizeError{StreamID: streamID, Max: blk.max}
			}
			nameLen = index
			st = readLiteralHeaderName

		case readLiteralHeaderNameLength:
			if nameLen, err = decodeULE128(in, &pos, index); err != nil {
				return nil, err
			}
			if blk.exceeds(int64(nameLen)) {
				return nil, &HeaderListSizeError{StreamID: streamID, Max: blk.max}
			}
			st = readLiteralHeaderName

		case readLiteralHeaderName:
			if name, err = readString(in, &pos, nameLen, huffman); err != nil {
				return nil, err
			}
			st = readLiteralHeaderValueLengthPrefix

		case readLiteralHeaderValueLengthPrefix:
			b := in[pos]
			pos++
			huffman = b&0x80 != 0
			index = int(b & 0x7F)
			switch index {
			case 0x7F:
				st = readLiteralHeaderValueLength
			case 0:
				if err = d.insertHeader(&blk, HeaderField{Name: name}, kind); err != nil {
					return nil, err
				}
				st = readHeaderRepresentation
			default:
				if blk.exceeds(int64(index) + int64(len(name))) {
					return nil, &HeaderListSizeError{StreamID: streamID, Max: blk.max}
				}
				valueLen = index
				st = readLiteralHeaderValue
			}

		case readLiteralHeaderValueLength:
			if valueLen, err = decodeULE128(in, &pos, index); err != nil {
				return nil, err
			}
			if blk.exceeds(int64(valueLen) + int64(len(name))) {
				return nil, &HeaderListSizeError{StreamID: streamID, Max: blk.max}
			}
			st = readLiteralHeaderValue

		case readLiteralHeaderValue:
			var value string
			if value, err = readString(in, &pos, valueLen, huffman); err != nil {
				return nil, err
			}
			if err = d.insertHeader(&blk, HeaderField{Name: name, Value: value}, kind); err != nil {
				return nil, err
			}
			st = readHeaderRepresentation
		}
	}
	if st != readHeaderRepresentation {
		return nil, ErrIncompleteBlock
	}
	return blk.fields, nil
}

func (d *Decoder) setDynamicTableSize(size int64) error {
	if size > d.maxTableSize {
		return ErrInvalidTableSize
	}
	d.encoderMaxTableSize = size
	d.tableSizeChangeNeeded = false
	d.table.SetCapacity(size)
	return nil
}

func (d *Decoder) lookup(index int) (HeaderField, error) {
	if hf, ok := StaticEntry(index); ok {
		return hf, nil
	}
	if hf, ok := d.table.Entry(index - StaticTableLen); ok {
		return hf, nil
	}
	return HeaderField{}, ErrIllegalIndex
}

func (d *Decoder) readName(index int) (string, error) {
	hf, err := d.lookup(index)
	return hf.Name, err
}

func (d *Decoder) indexHeader(blk *block, index int) error {
	hf, err := d.lookup(index)
	if err != nil {
		return err
	}
	return blk.add(hf)
}

func (d *Decoder) insertHeader(blk *block, hf HeaderField, kind indexType) error {
	hf.Sensitive = kind == indexNever
	if err := blk.add(hf); err != nil {
		return err
	}
	if kind == indexIncremental {
		d.table.Add(hf)
	}
	return nil
}

func readString(in []byte, pos *int, n int, huffman bool) (string, error) {
	if len(in)-*pos < n {
		return "", ErrIncompleteBlock
	}
	raw := in[*pos : *pos+n]
	*pos += n
	if !huffman {
		return string(raw), nil
	}
	s, err := hpack.HuffmanDecodeToString(raw)
	if err != nil {
		return "", ErrDecompression
	}
	return s, nil
}

// decodeULE128 continues a prefixed integer whose prefix value is result.
// Values past what a signed 32-bit integer holds are rejected.
func decodeULE128(in []byte, pos *int, result int) (int, error) {
	for shift := 0; *pos < len(in); shift += 7 {
		b := in[*pos]
		*pos++
		if shift == 28 && (b&0x80 != 0 || b > 6) {
			return 0, ErrDecompression
		}
		if b&0x80 == 0 {
			return result + int(b&0x7F)<<shift, nil
		}
		result += int(b&0x7F) << shift
	}
	return 0, ErrDecompression
}
