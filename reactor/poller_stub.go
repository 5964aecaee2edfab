//go:build !linux

// File: reactor/poller_stub.go
// Author: momentics <momentics@gmail.com>

package reactor

// NewPoller returns ErrNotSupported outside Linux.
func NewPoller() (Poller, error) {
	return nil, ErrNotSupported
}
