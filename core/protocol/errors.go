// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error taxonomy shared by codecs and the channel engine.

package protocol

import (
	"errors"
	"fmt"
)

// Common errors used across codecs and channels.
var (
	ErrClosedChannel  = errors.New("closed channel")
	ErrFutureFlushed  = errors.New("future already flushed")
	ErrFrameTooLarge  = errors.New("frame exceeds configured limit")
	ErrNotReadable    = errors.New("future does not decode inbound data")
	ErrUnknownFuture  = errors.New("future type not supported by codec")
	ErrMalformedFrame = errors.New("malformed frame")
)

// ErrorKind classifies failures by the layer that raised them.
type ErrorKind int

const (
	// KindTransport covers socket read/write failures; the channel closes.
	KindTransport ErrorKind = iota
	// KindProtocol covers decode failures; the channel closes.
	KindProtocol
	// KindApplication covers handler failures; reported to ExceptionCaught.
	KindApplication
	// KindEncode covers encode failures; reported per future.
	KindEncode
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindApplication:
		return "application"
	case KindEncode:
		return "encode"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error wraps a cause with its kind and the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or false if it is unclassified.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
