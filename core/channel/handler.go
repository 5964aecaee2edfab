// File: core/channel/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Application-facing callbacks.

package channel

import (
	"time"

	"github.com/momentics/hioload-io/core/protocol"
)

// IoEventHandle receives decoded futures. Accept runs on the event loop or,
// with workers enabled, on the channel's worker; it must not release f.
type IoEventHandle interface {
	Accept(ch *Channel, f protocol.Future) error
	// ExceptionCaught reports failures. f is nil for connection-level errors.
	ExceptionCaught(ch *Channel, f protocol.Future, err error)
}

// HandlerFunc adapts a function to IoEventHandle; exceptions are logged.
type HandlerFunc func(ch *Channel, f protocol.Future) error

// Accept implements IoEventHandle.
func (fn HandlerFunc) Accept(ch *Channel, f protocol.Future) error { return fn(ch, f) }

// ExceptionCaught implements IoEventHandle.
func (fn HandlerFunc) ExceptionCaught(ch *Channel, f protocol.Future, err error) {
	ch.Logger().Error().Err(err).Msg("exception caught")
}

// ChannelEventListener observes channel lifecycle.
type ChannelEventListener interface {
	// ChannelOpened runs on the loop after registration; an error closes the channel.
	ChannelOpened(ch *Channel) error
	ChannelClosed(ch *Channel)
}

// ChannelIdleListener is fired for every channel on each idle sweep.
type ChannelIdleListener interface {
	ChannelIdled(ch *Channel, lastIdle, now time.Time)
}

// IdleCloser closes channels that saw no inbound traffic for a full idle period.
type IdleCloser struct{}

// ChannelIdled implements ChannelIdleListener.
func (IdleCloser) ChannelIdled(ch *Channel, lastIdle, _ time.Time) {
	if ch.LastAccess().Before(lastIdle) {
		ch.Logger().Debug().Msg("closing idle channel")
		ch.Close()
	}
}

type aliveKey struct{}

// AliveListener sends a codec ping to channels idle for one period and closes
// them if the next period passes without inbound traffic.
type AliveListener struct{}

// ChannelIdled implements ChannelIdleListener.
func (AliveListener) ChannelIdled(ch *Channel, lastIdle, _ time.Time) {
	if !ch.LastAccess().Before(lastIdle) {
		ch.SetAttribute(aliveKey{}, nil)
		return
	}
	if ch.Attribute(aliveKey{}) != nil {
		ch.Logger().Debug().Msg("heartbeat timed out")
		ch.Close()
		return
	}
	ping := ch.Codec().CreatePingPacket(ch)
	if ping == nil {
		return
	}
	ch.SetAttribute(aliveKey{}, true)
	ch.Logger().Debug().Msg("heartbeat request sent")
	ch.Flush(ping)
}
