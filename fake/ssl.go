// Package fake
// Author: momentics <momentics@gmail.com>
//
// A toy TLS engine: real record framing, XOR "encryption", a one-message
// handshake and close_notify alerts. Enough to drive the channel TLS paths.

package fake

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/momentics/hioload-io/core/channel"
)

// TLS record content types.
const (
	RecordAlert     byte = 0x15
	RecordHandshake byte = 0x16
	RecordAppData   byte = 0x17
)

const maxFragment = 1 << 14

// ErrBadRecord is returned for records the fake engine cannot parse.
var ErrBadRecord = errors.New("fake tls: bad record")

// SslContext hands out fake engines.
type SslContext struct {
	Client bool
	Key    byte

	mu      sync.Mutex
	engines []*SslEngine
}

// NewEngine implements channel.SslContext.
func (s *SslContext) NewEngine(*channel.Channel) (channel.SslEngine, error) {
	e := &SslEngine{client: s.Client, key: s.Key}
	s.mu.Lock()
	s.engines = append(s.engines, e)
	s.mu.Unlock()
	return e, nil
}

// Engines returns every engine created so far.
func (s *SslContext) Engines() []*SslEngine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*SslEngine(nil), s.engines...)
}

// SslEngine is one fake TLS session.
type SslEngine struct {
	mu             sync.Mutex
	client         bool
	key            byte
	helloSent      bool
	outboundClosed bool
	inboundClosed  bool
	peerClosed     bool
}

func (e *SslEngine) Wrap(plain []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.outboundClosed:
		return SealRecord(RecordAlert, e.key, []byte{1, 0}), nil
	case len(plain) == 0 && e.client && !e.helloSent:
		e.helloSent = true
		return SealRecord(RecordHandshake, e.key, []byte("hello")), nil
	}
	var out []byte
	for len(plain) > 0 {
		n := min(len(plain), maxFragment)
		out = append(out, SealRecord(RecordAppData, e.key, plain[:n])...)
		plain = plain[n:]
	}
	return out, nil
}

func (e *SslEngine) Unwrap(record []byte) (plain, reply []byte, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	typ, payload, err := OpenRecord(e.key, record)
	if err != nil {
		return nil, nil, err
	}
	switch typ {
	case RecordAppData:
		return payload, nil, nil
	case RecordHandshake:
		if !e.client {
			return nil, SealRecord(RecordHandshake, e.key, []byte("welcome")), nil
		}
		return nil, nil, nil
	case RecordAlert:
		e.peerClosed = true
		return nil, nil, nil
	}
	return nil, nil, ErrBadRecord
}

func (e *SslEngine) CloseOutbound() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outboundClosed = true
}

func (e *SslEngine) CloseInbound() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inboundClosed = true
	return nil
}

func (e *SslEngine) IsClient() bool { return e.client }

// PeerClosed reports whether a close_notify alert was received.
func (e *SslEngine) PeerClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerClosed
}

// SealRecord frames payload as one TLS record, XOR-ing it with key.
func SealRecord(typ, key byte, payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	out[0], out[1], out[2] = typ, 0x03, 0x03
	binary.BigEndian.PutUint16(out[3:5], uint16(len(payload)))
	for i, b := range payload {
		out[5+i] = b ^ key
	}
	return out
}

// OpenRecord parses one complete record.
func OpenRecord(key byte, record []byte) (byte, []byte, error) {
	if len(record) < 5 || int(binary.BigEndian.Uint16(record[3:5])) != len(record)-5 {
		return 0, nil, ErrBadRecord
	}
	payload := make([]byte, len(record)-5)
	for i, b := range record[5:] {
		payload[i] = b ^ key
	}
	return record[0], payload, nil
}

// SplitRecords parses a stream of complete records.
func SplitRecords(key byte, stream []byte) (types []byte, payloads [][]byte, err error) {
	for len(stream) > 0 {
		if len(stream) < 5 {
			return nil, nil, ErrBadRecord
		}
		n := 5 + int(binary.BigEndian.Uint16(stream[3:5]))
		if n > len(stream) {
			return nil, nil, ErrBadRecord
		}
		typ, p, err := OpenRecord(key, stream[:n])
		if err != nil {
			return nil, nil, err
		}
		types = append(types, typ)
		payloads = append(payloads, p)
		stream = stream[n:]
	}
	return types, payloads, nil
}
