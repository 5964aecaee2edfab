package channel_test

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-io/control"
	"github.com/momentics/hioload-io/core/buffer"
	"github.com/momentics/hioload-io/core/channel"
	"github.com/momentics/hioload-io/core/protocol"
	"github.com/momentics/hioload-io/fake"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	poller *fake.Poller
	loop   *channel.EventLoop
	shared *buffer.SharedAllocator
	errc   chan error
}

func testConfig() control.Config {
	cfg := control.DefaultConfig()
	cfg.EventLoops = 1
	cfg.WriteBatch = 4
	cfg.ReadBufferSize = 256
	cfg.BufferUnit = 256
	cfg.BufferPoolSize = 8
	cfg.IdleTime = 0
	return cfg
}

func startLoop(t *testing.T, cfg control.Config) *harness {
	t.Helper()
	h := &harness{
		poller: fake.NewPoller(),
		shared: buffer.NewSharedAllocator(cfg.BufferUnit, cfg.BufferPoolSize),
		errc:   make(chan error, 1),
	}
	h.loop = channel.NewEventLoop(h.poller, cfg, channel.WithSharedAllocator(h.shared))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.errc <- h.loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-h.errc:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("event loop did not stop")
		}
	})
	return h
}

// connect registers a fresh fake socket and waits for it to be attached.
func (h *harness) connect(t *testing.T, fd int, ctx *channel.Context) (*fake.Socket, *channel.Channel) {
	t.Helper()
	sock := fake.NewSocket(fd)
	h.poller.Track(sock)
	ch, err := h.loop.Register(sock, ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := h.poller.Interest(fd)
		return ok
	}, waitFor, tick)
	return sock, ch
}

func frame(payload string) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func frames(payloads ...string) []byte {
	var out []byte
	for _, p := range payloads {
		out = append(out, frame(p)...)
	}
	return out
}

// recorder is a handler and lifecycle listener that remembers everything.
type recorder struct {
	mu     sync.Mutex
	echo   string
	texts  []string
	errs   []error
	failed []protocol.Future
	opened int
	closed int
	accept func(ch *channel.Channel, f protocol.Future) error
}

func (r *recorder) Accept(ch *channel.Channel, f protocol.Future) error {
	r.mu.Lock()
	r.texts = append(r.texts, f.Text())
	r.mu.Unlock()
	if r.accept != nil {
		return r.accept(ch, f)
	}
	if r.echo != "" {
		if _, err := f.Write([]byte(r.echo + f.Text())); err != nil {
			return err
		}
		ch.Flush(f)
	}
	return nil
}

func (r *recorder) ExceptionCaught(_ *channel.Channel, f protocol.Future, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	r.failed = append(r.failed, f)
}

func (r *recorder) ChannelOpened(*channel.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened++
	return nil
}

func (r *recorder) ChannelClosed(*channel.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
}

func (r *recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) Closed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
