// File: core/buffer/bytebuf.go
// Package buffer implements cursor-based byte buffers with pooled storage.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A ByteBuf carries a release version. Holders capture the version when they
// take ownership and present it on Release; a stale version is ignored, so a
// double release or a release by a holder whose buffer was already re-issued
// cannot corrupt the new owner's data.

package buffer

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
)

// ErrOverflow is returned when a write does not fit the buffer capacity.
var ErrOverflow = errors.New("buffer: write exceeds capacity")

// ByteBuf is a byte buffer with independent read and write cursors.
//
// Bytes in [r, w) are readable; bytes in [w, cap) are writable.
type ByteBuf struct {
	data    []byte
	r, w    int
	mark    int
	version atomic.Uint64
	owner   Allocator
}

// NewByteBuf allocates an unpooled buffer of the given capacity.
func NewByteBuf(capacity int) *ByteBuf {
	return &ByteBuf{data: make([]byte, capacity), mark: -1}
}

// Wrap returns an unpooled buffer whose readable region is p.
func Wrap(p []byte) *ByteBuf {
	return &ByteBuf{data: p, w: len(p), mark: -1}
}

// Cap returns the storage capacity.
func (b *ByteBuf) Cap() int { return len(b.data) }

// Remaining returns the number of unread bytes.
func (b *ByteBuf) Remaining() int { return b.w - b.r }

// HasRemaining reports whether unread bytes are left.
func (b *ByteBuf) HasRemaining() bool { return b.w > b.r }

// Bytes returns the unread region without copying.
func (b *ByteBuf) Bytes() []byte { return b.data[b.r:b.w] }

// Position returns the read cursor.
func (b *ByteBuf) Position() int { return b.r }

// Writable returns the free region after the write cursor.
func (b *ByteBuf) Writable() []byte { return b.data[b.w:] }

// Advance moves the write cursor after n bytes were placed into Writable.
func (b *ByteBuf) Advance(n int) { b.w += n }

// Skip consumes n unread bytes.
func (b *ByteBuf) Skip(n int) { b.r += n }

// Mark records the read cursor for a later ResetToMark.
func (b *ByteBuf) Mark() { b.mark = b.r }

// ResetToMark rewinds the read cursor to the last mark.
func (b *ByteBuf) ResetToMark() {
	if b.mark >= 0 {
		b.r = b.mark
	}
}

// Clear empties the buffer for reuse.
func (b *ByteBuf) Clear() {
	b.r, b.w, b.mark = 0, 0, -1
}

// Compact moves unread bytes to the front of the storage.
func (b *ByteBuf) Compact() {
	n := copy(b.data, b.data[b.r:b.w])
	b.r, b.w, b.mark = 0, n, -1
}

// GetByte reads one byte.
func (b *ByteBuf) GetByte() byte {
	v := b.data[b.r]
	b.r++
	return v
}

// GetN returns the next n unread bytes as a view and consumes them.
func (b *ByteBuf) GetN(n int) []byte {
	p := b.data[b.r : b.r+n]
	b.r += n
	return p
}

// GetUint16 reads a big-endian uint16.
func (b *ByteBuf) GetUint16() uint16 {
	return binary.BigEndian.Uint16(b.GetN(2))
}

// GetUint32 reads a big-endian uint32.
func (b *ByteBuf) GetUint32() uint32 {
	return binary.BigEndian.Uint32(b.GetN(4))
}

// GetUint64 reads a big-endian uint64.
func (b *ByteBuf) GetUint64() uint64 {
	return binary.BigEndian.Uint64(b.GetN(8))
}

// Write appends p after the write cursor.
func (b *ByteBuf) Write(p []byte) (int, error) {
	if len(p) > len(b.data)-b.w {
		return 0, ErrOverflow
	}
	n := copy(b.data[b.w:], p)
	b.w += n
	return n, nil
}

// PutByte appends one byte.
func (b *ByteBuf) PutByte(v byte) error {
	if b.w >= len(b.data) {
		return ErrOverflow
	}
	b.data[b.w] = v
	b.w++
	return nil
}

// PutUint16 appends a big-endian uint16.
func (b *ByteBuf) PutUint16(v uint16) error {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	_, err := b.Write(tmp[:])
	return err
}

// PutUint32 appends a big-endian uint32.
func (b *ByteBuf) PutUint32(v uint32) error {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	_, err := b.Write(tmp[:])
	return err
}

// PutUint64 appends a big-endian uint64.
func (b *ByteBuf) PutUint64(v uint64) error {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	_, err := b.Write(tmp[:])
	return err
}

// ReleaseVersion returns the current release version. Capture it when taking
// ownership and hand it back to Release.
func (b *ByteBuf) ReleaseVersion() uint64 { return b.version.Load() }

// Release returns the buffer to its allocator if version is current.
// It reports whether this call performed the release.
func (b *ByteBuf) Release(version uint64) bool {
	if b.owner != nil {
		return b.owner.Release(b, version)
	}
	return b.version.CompareAndSwap(version, version+1)
}

// retire bumps the version if it matches; used by allocators.
func (b *ByteBuf) retire(version uint64) bool {
	return b.version.CompareAndSwap(version, version+1)
}

// reissue resets cursors before the buffer is handed out again.
func (b *ByteBuf) reissue() *ByteBuf {
	b.r, b.w, b.mark = 0, 0, -1
	return b
}
