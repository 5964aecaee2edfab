// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the socket, poller,
// codec channel and TLS contracts.

package fake

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// ErrSocketClosed is returned by a fake socket after Close.
var ErrSocketClosed = errors.New("fake socket is closed")

// Socket is an in-memory non-blocking socket.
type Socket struct {
	fd         int
	mu         sync.Mutex
	recv       bytes.Buffer
	eof        bool
	sent       bytes.Buffer
	chunk      int
	writes     int
	closed     bool
	readErr    error
	writeErr   error
	closeCount int
	notify     func()
}

// NewSocket creates a socket with the given descriptor number.
func NewSocket(fd int) *Socket {
	return &Socket{fd: fd}
}

// Fd implements the socket contract.
func (s *Socket) Fd() int { return s.fd }

// Read returns buffered inbound data, (0, nil) when empty, io.EOF after SetEOF.
func (s *Socket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSocketClosed
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	if s.recv.Len() == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	return s.recv.Read(p)
}

// Writev accepts at most the configured chunk per call.
func (s *Socket) Writev(bufs [][]byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSocketClosed
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.writes++
	if s.chunk < 0 {
		return 0, nil
	}
	total := 0
	for _, b := range bufs {
		n := len(b)
		if s.chunk > 0 && total+n > s.chunk {
			n = s.chunk - total
		}
		s.sent.Write(b[:n])
		total += n
		if s.chunk > 0 && total == s.chunk {
			break
		}
	}
	return total, nil
}

// Close marks the socket closed.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCount++
	return nil
}

func (s *Socket) LocalAddr() net.Addr  { return addr(fmt.Sprintf("fake:%d", s.fd)) }
func (s *Socket) RemoteAddr() net.Addr { return addr(fmt.Sprintf("peer:%d", s.fd)) }

// AddRecvData queues inbound bytes and signals readiness.
func (s *Socket) AddRecvData(data []byte) {
	s.mu.Lock()
	s.recv.Write(data)
	notify := s.notify
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// SetEOF makes reads return io.EOF once the buffered data is consumed.
func (s *Socket) SetEOF() {
	s.mu.Lock()
	s.eof = true
	notify := s.notify
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// SetChunk limits the bytes accepted per Writev: 0 unlimited, negative blocks.
func (s *Socket) SetChunk(n int) {
	s.mu.Lock()
	s.chunk = n
	notify := s.notify
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// SetReadError configures the error returned by Read.
func (s *Socket) SetReadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// SetWriteError configures the error returned by Writev.
func (s *Socket) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// SentData returns a copy of everything written so far.
func (s *Socket) SentData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.sent.Bytes())
}

// Writes returns the number of Writev calls.
func (s *Socket) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// IsClosed reports whether Close was called.
func (s *Socket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCount returns how often Close was called.
func (s *Socket) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

func (s *Socket) readable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recv.Len() > 0 || s.eof || s.readErr != nil
}

func (s *Socket) writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunk >= 0
}

type addr string

func (a addr) Network() string { return "fake" }
func (a addr) String() string  { return string(a) }
