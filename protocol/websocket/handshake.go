// File: protocol/websocket/handshake.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server side of the RFC 6455 HTTP Upgrade: request validation,
// Sec-WebSocket-Key/Accept negotiation and the 101 response. The upgrade
// request arrives through the channel like any other message and is parsed
// once it is complete.

package websocket

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/momentics/hioload-io/core/buffer"
	"github.com/momentics/hioload-io/core/protocol"
)

// Constants used for handshake processing.
const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	HeaderConnection         = "Connection"
	HeaderUpgrade            = "Upgrade"
	HeaderSecWebSocketKey    = "Sec-WebSocket-Key"
	HeaderSecWebSocketVer    = "Sec-WebSocket-Version"
	HeaderSecWebSocketAccept = "Sec-WebSocket-Accept"
	RequiredWebSocketVersion = "13"
	MaxHandshakeHeadersSize  = 8192
)

// Errors for handshake validation.
var (
	ErrInvalidUpgradeHeaders = errors.New("invalid WebSocket upgrade headers")
	ErrMissingWebSocketKey   = errors.New("missing Sec-WebSocket-Key header")
	ErrBadWebSocketVersion   = errors.New("unsupported WebSocket version; only '13' is supported")
	ErrHandshakeTooLarge     = errors.New("handshake headers too large")
)

var headerEnd = []byte("\r\n\r\n")

// Upgrade is a validated upgrade request.
type Upgrade struct {
	// Path is the request target; it becomes the service name of every frame
	// read on the channel.
	Path string
	// Header holds the response headers for the 101 reply.
	Header http.Header
}

// ParseUpgrade reads and validates the HTTP/1.1 Upgrade request from r.
func ParseUpgrade(r io.Reader) (*Upgrade, error) {
	req, err := http.ReadRequest(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("handshake read request: %w", err)
	}

	total := 0
	for k, vs := range req.Header {
		total += len(k)
		for _, v := range vs {
			total += len(v)
		}
	}
	if total > MaxHandshakeHeadersSize {
		return nil, ErrHandshakeTooLarge
	}

	if !headerContainsToken(req.Header, HeaderConnection, "Upgrade") ||
		!headerContainsToken(req.Header, HeaderUpgrade, "websocket") {
		return nil, ErrInvalidUpgradeHeaders
	}
	if req.Header.Get(HeaderSecWebSocketVer) != RequiredWebSocketVersion {
		return nil, ErrBadWebSocketVersion
	}
	key := req.Header.Get(HeaderSecWebSocketKey)
	if key == "" {
		return nil, ErrMissingWebSocketKey
	}

	hdr := make(http.Header)
	hdr.Set(HeaderUpgrade, "websocket")
	hdr.Set(HeaderConnection, "Upgrade")
	hdr.Set(HeaderSecWebSocketAccept, AcceptKey(key))
	return &Upgrade{Path: req.URL.Path, Header: hdr}, nil
}

// AcceptKey computes Sec-WebSocket-Accept for a client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// WriteHandshakeResponse writes the HTTP/1.1 101 Switching Protocols response
// with the provided headers to w.
func WriteHandshakeResponse(w io.Writer, hdr http.Header) error {
	if _, err := io.WriteString(w, "HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		return err
	}
	if err := hdr.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// headerContainsToken checks if headerName contains the given token (case-insensitive).
func headerContainsToken(h http.Header, headerName, token string) bool {
	for _, v := range h.Values(headerName) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

type upgradedKey struct{}

// ServiceNameKey is the channel attribute holding the upgrade request path.
type ServiceNameKey struct{}

// upgradeFuture collects the upgrade request. It is silent: the handler never
// sees it, the 101 response is flushed as soon as the request is complete.
type upgradeFuture struct {
	protocol.DefaultFuture
}

func (f *upgradeFuture) Read(ch protocol.Channel, src *buffer.ByteBuf) (bool, error) {
	i := bytes.Index(src.Bytes(), headerEnd)
	if i < 0 {
		if src.Remaining() > MaxHandshakeHeadersSize {
			return false, fmt.Errorf("%w: %v", protocol.ErrMalformedFrame, ErrHandshakeTooLarge)
		}
		return false, nil
	}
	up, err := ParseUpgrade(bytes.NewReader(src.GetN(i + len(headerEnd))))
	if err != nil {
		return false, fmt.Errorf("%w: %v", protocol.ErrMalformedFrame, err)
	}
	ch.SetAttribute(upgradedKey{}, true)
	ch.SetAttribute(ServiceNameKey{}, up.Path)

	resp := &handshakeResponse{}
	if err := WriteHandshakeResponse(resp, up.Header); err != nil {
		return false, err
	}
	ch.Flush(resp)
	f.SetSilent(true)
	return true, nil
}

// handshakeResponse carries raw HTTP bytes; the codec writes its body as is.
type handshakeResponse struct {
	protocol.DefaultFuture
}
