// File: protocol/http2/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package http2

import (
	"errors"
	"fmt"

	"github.com/momentics/hioload-io/core/protocol"
)

var (
	ErrUnexpectedContinuation = fmt.Errorf("%w: unexpected CONTINUATION", protocol.ErrMalformedFrame)
	ErrExpectedContinuation   = fmt.Errorf("%w: expected CONTINUATION", protocol.ErrMalformedFrame)
	ErrBadPreface             = fmt.Errorf("%w: bad connection preface", protocol.ErrMalformedFrame)
	ErrBadPadding             = fmt.Errorf("%w: padding exceeds payload", protocol.ErrMalformedFrame)
	ErrStreamZero             = fmt.Errorf("%w: frame requires a stream", protocol.ErrMalformedFrame)
	ErrStreamNonZero          = fmt.Errorf("%w: frame must be on stream 0", protocol.ErrMalformedFrame)
	ErrBadSetting             = fmt.Errorf("%w: setting value out of range", protocol.ErrMalformedFrame)
	ErrPushPromise            = fmt.Errorf("%w: client sent PUSH_PROMISE", protocol.ErrMalformedFrame)
	ErrFrameSize              = fmt.Errorf("%w: bad frame length", protocol.ErrMalformedFrame)

	// ErrHeaderBlockTooLarge ends connections whose CONTINUATION frames grow a
	// header block past the buffering limit.
	ErrHeaderBlockTooLarge = fmt.Errorf("%w: header block", protocol.ErrFrameTooLarge)
)

// ErrUnsupportedFuture is returned by Encode for futures it did not create.
var ErrUnsupportedFuture = errors.New("http2: future is not an HTTP/2 frame")

// ConnectionError ends the connection. A GOAWAY carrying Code has already
// been queued when it is returned from Read.
type ConnectionError struct {
	Code ErrCode
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("http2: connection error %v: %v", e.Code, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
