// File: protocol/hpack/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hpack

import (
	"errors"
	"fmt"
)

// ErrCompression is the root of every connection-level decoding failure; an
// HTTP/2 endpoint answers it with COMPRESSION_ERROR.
var ErrCompression = errors.New("hpack: compression error")

var (
	ErrIllegalIndex            = fmt.Errorf("%w: illegal index value", ErrCompression)
	ErrDecompression           = fmt.Errorf("%w: decompression failure", ErrCompression)
	ErrInvalidTableSize        = fmt.Errorf("%w: invalid max dynamic table size", ErrCompression)
	ErrTableSizeChangeRequired = fmt.Errorf("%w: max dynamic table size change required", ErrCompression)
	ErrIncompleteBlock         = fmt.Errorf("%w: truncated header block", ErrCompression)
)

// ErrInvalidSetting is returned for out-of-range decoder settings.
var ErrInvalidSetting = errors.New("hpack: setting out of range")

// HeaderListSizeError aborts one header block whose decoded size exceeds the
// advertised SETTINGS_MAX_HEADER_LIST_SIZE. It concerns the stream only.
type HeaderListSizeError struct {
	StreamID uint32
	Max      int64
}

func (e *HeaderListSizeError) Error() string {
	return fmt.Sprintf("hpack: header list size of stream %d exceeds %d", e.StreamID, e.Max)
}
