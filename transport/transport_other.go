//go:build !linux

// File: transport/transport_other.go
// Author: momentics <momentics@gmail.com>

package transport

import (
	"context"
	"net"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-io/core/channel"
)

// Acceptor is unavailable outside Linux.
type Acceptor struct{}

// AcceptorOption configures Listen.
type AcceptorOption func()

func WithBacklog(int) AcceptorOption                   { return func() {} }
func WithAcceptCPU(int) AcceptorOption                 { return func() {} }
func WithAcceptorLogger(zerolog.Logger) AcceptorOption { return func() {} }

// Listen returns ErrNotSupported.
func Listen(string, Registrar, *channel.Context, ...AcceptorOption) (*Acceptor, error) {
	return nil, ErrNotSupported
}

func (a *Acceptor) Addr() net.Addr              { return nil }
func (a *Acceptor) Serve(context.Context) error { return ErrNotSupported }
func (a *Acceptor) Close() error                { return nil }

// Dial returns ErrNotSupported.
func Dial(context.Context, string, Registrar, *channel.Context) (*channel.Channel, error) {
	return nil, ErrNotSupported
}
