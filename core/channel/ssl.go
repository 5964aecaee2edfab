// File: core/channel/ssl.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TLS collaborator boundary. The engine performing the cryptography lives
// outside this package; channels only frame TLS records and route bytes
// through it.

package channel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/momentics/hioload-io/core/buffer"
	"github.com/momentics/hioload-io/core/protocol"
)

// SslEngine is one TLS session bound to a channel. Calls come from the
// channel's event loop only.
type SslEngine interface {
	// Wrap turns plaintext into TLS records. An empty input yields handshake
	// or close_notify records depending on engine state.
	Wrap(plain []byte) ([]byte, error)
	// Unwrap consumes one complete TLS record. plain holds application data,
	// reply holds handshake bytes that must be sent back.
	Unwrap(record []byte) (plain, reply []byte, err error)
	CloseOutbound()
	CloseInbound() error
	IsClient() bool
}

// SslContext creates engines for new channels.
type SslContext interface {
	NewEngine(ch *Channel) (SslEngine, error)
}

// ErrSslEngineFailed is reported for futures left unwrapped after the engine
// failed; they are dropped instead of being written in plaintext.
var ErrSslEngineFailed = errors.New("ssl engine failed")

const (
	tlsHeaderLen = 5
	// RFC 8446 5.2: ciphertext may exceed 2^14 by up to 256 bytes; legacy
	// TLS 1.2 allows 2048.
	tlsMaxRecord = 1<<14 + 2048
)

// sslRecordFuture frames TLS records out of the ciphertext stream.
type sslRecordFuture struct {
	record []byte
}

func (f *sslRecordFuture) Read(src *buffer.ByteBuf) (bool, error) {
	if src.Remaining() < tlsHeaderLen {
		return false, nil
	}
	hdr := src.Bytes()[:tlsHeaderLen]
	n := int(binary.BigEndian.Uint16(hdr[3:5]))
	if n > tlsMaxRecord {
		return false, fmt.Errorf("%w: tls record of %d bytes", protocol.ErrFrameTooLarge, n)
	}
	if src.Remaining() < tlsHeaderLen+n {
		return false, nil
	}
	f.record = append([]byte(nil), src.GetN(tlsHeaderLen+n)...)
	return true, nil
}
