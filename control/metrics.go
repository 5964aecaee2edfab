// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Engine counters shared by all loops of a group.

package control

import (
	"sync/atomic"
	"time"
)

// MetricsRegistry holds lock-free engine counters.
type MetricsRegistry struct {
	ChannelsOpened atomic.Int64
	ChannelsClosed atomic.Int64
	BytesRead      atomic.Int64
	BytesWritten   atomic.Int64
	FuturesDecoded atomic.Int64
	FuturesFlushed atomic.Int64
	Heartbeats     atomic.Int64
	Errors         atomic.Int64
	started        time.Time
}

// NewMetricsRegistry creates a zeroed registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{started: time.Now()}
}

// GetSnapshot returns the counters as a map.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	return map[string]any{
		"channels.opened": mr.ChannelsOpened.Load(),
		"channels.closed": mr.ChannelsClosed.Load(),
		"channels.active": mr.ChannelsOpened.Load() - mr.ChannelsClosed.Load(),
		"bytes.read":      mr.BytesRead.Load(),
		"bytes.written":   mr.BytesWritten.Load(),
		"futures.decoded": mr.FuturesDecoded.Load(),
		"futures.flushed": mr.FuturesFlushed.Load(),
		"heartbeats":      mr.Heartbeats.Load(),
		"errors":          mr.Errors.Load(),
		"uptime":          time.Since(mr.started),
	}
}
