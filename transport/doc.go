// Package transport
// Author: momentics <momentics@gmail.com>
//
// Non-blocking sockets over raw descriptors and the listen/dial plumbing that
// hands them to event loops. Linux only; other platforms get ErrNotSupported.

package transport

import (
	"errors"

	"github.com/momentics/hioload-io/core/channel"
)

// ErrNotSupported is returned on platforms without raw socket support.
var ErrNotSupported = errors.New("transport: platform not supported")

// Registrar binds sockets to an event loop. Both channel.EventLoop and
// channel.EventLoopGroup implement it.
type Registrar interface {
	Register(sock channel.Socket, ctx *channel.Context) (*channel.Channel, error)
}
