// File: cmd/hioload-echo/main.go
// Package main
// Echo server over the hioload-io engine. One codec per process, selected
// with -codec; settings come from flags and an optional JSON file that is
// re-read on SIGHUP.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-io/control"
	"github.com/momentics/hioload-io/core/channel"
	"github.com/momentics/hioload-io/core/protocol"
	"github.com/momentics/hioload-io/protocol/fixedlength"
	"github.com/momentics/hioload-io/protocol/hpack"
	"github.com/momentics/hioload-io/protocol/http2"
	"github.com/momentics/hioload-io/protocol/protobase"
	"github.com/momentics/hioload-io/protocol/websocket"
	"github.com/momentics/hioload-io/transport"
)

func main() {
	var (
		addr       = flag.String("addr", ":8300", "listen address")
		codecName  = flag.String("codec", "fixedlength", "fixedlength, protobase, websocket or http2")
		loops      = flag.Int("loops", 0, "event loops (0: one per CPU)")
		workers    = flag.Int("workers", 0, "worker goroutines (0: dispatch on the loop)")
		idle       = flag.Duration("idle", 30*time.Second, "idle sweep period (0 disables heartbeats)")
		configPath = flag.String("config", "", "JSON file of config overrides, reloaded on SIGHUP")
		stats      = flag.Duration("stats", 0, "metrics log period (0 disables)")
		debug      = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	overrides := map[string]any{"idle_time": *idle}
	if *loops > 0 {
		overrides["event_loops"] = *loops
	}
	if *workers > 0 {
		overrides["enable_workers"] = true
		overrides["workers"] = *workers
	}
	if err := run(*addr, *codecName, *configPath, *stats, overrides, log); err != nil {
		log.Fatal().Err(err).Msg("echo server failed")
	}
}

func run(addr, codecName, configPath string, stats time.Duration, overrides map[string]any, log zerolog.Logger) error {
	cfg := control.DefaultConfig()
	if err := cfg.Apply(overrides); err != nil {
		return err
	}
	if configPath != "" {
		values, err := readConfig(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Apply(values); err != nil {
			return err
		}
	}
	store, err := control.NewConfigStore(cfg)
	if err != nil {
		return err
	}
	store.OnReload(func(c control.Config) {
		log.Info().Dur("idle_time", c.IdleTime).Msg("config reloaded")
	})

	codec, handler, err := newCodec(codecName, cfg.MaxFrameSize)
	if err != nil {
		return err
	}
	metrics := control.NewMetricsRegistry()
	opts := []channel.Option{
		channel.WithLogger(log),
		channel.WithMetrics(metrics),
		channel.WithListener(connLogger{}),
	}
	if cfg.IdleTime > 0 {
		opts = append(opts, channel.WithIdleListener(channel.AliveListener{}))
	}
	if cfg.EnableWorkers {
		opts = append(opts, channel.WithWorkers(cfg.Workers))
	}
	cctx := channel.NewContext(codec, handler, opts...)
	defer cctx.Close()

	probes := control.NewDebugProbes()
	control.RegisterPlatformProbes(probes)
	group, err := channel.NewEventLoopGroup(cfg,
		channel.WithGroupLogger(log),
		channel.WithConfigStore(store),
		channel.WithProbes(probes),
	)
	if err != nil {
		return err
	}
	acceptor, err := transport.Listen(addr, group, cctx, transport.WithAcceptorLogger(log))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return group.Run(ctx) })
	eg.Go(func() error { return acceptor.Serve(ctx) })
	if configPath != "" {
		eg.Go(func() error { return reloadOnHangup(ctx, configPath, store, log) })
	}
	if stats > 0 {
		eg.Go(func() error { return logStats(ctx, stats, metrics, probes, log) })
	}
	log.Info().Str("addr", acceptor.Addr().String()).Str("codec", codec.ProtocolID()).
		Int("loops", cfg.EventLoops).Msg("echo server started")
	err = eg.Wait()
	log.Info().Msg("echo server stopped")
	return err
}

func readConfig(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	values := make(map[string]any)
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return values, nil
}

func reloadOnHangup(ctx context.Context, path string, store *control.ConfigStore, log zerolog.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
		}
		values, err := readConfig(path)
		if err == nil {
			err = store.Update(values)
		}
		if err != nil {
			log.Warn().Err(err).Msg("config reload rejected")
		}
	}
}

func logStats(ctx context.Context, every time.Duration, m *control.MetricsRegistry, dp *control.DebugProbes, log zerolog.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			log.Info().Fields(m.GetSnapshot()).Interface("probes", dp.DumpState()).Msg("stats")
		}
	}
}

type connLogger struct{}

func (connLogger) ChannelOpened(ch *channel.Channel) error {
	ch.Logger().Info().Stringer("remote", ch.RemoteAddr()).Msg("connected")
	return nil
}

func (connLogger) ChannelClosed(ch *channel.Channel) {
	ch.Logger().Info().Stringer("remote", ch.RemoteAddr()).Msg("disconnected")
}

func newCodec(name string, limit int) (protocol.ProtocolCodec, channel.IoEventHandle, error) {
	switch name {
	case "fixedlength":
		return fixedlength.NewCodec(limit), channel.HandlerFunc(echoText), nil
	case "protobase":
		return protobase.NewCodec(limit), channel.HandlerFunc(echoProtobase), nil
	case "websocket":
		return websocket.NewCodec(limit, websocket.WithHandshake()), channel.HandlerFunc(echoWebSocket), nil
	case "http2":
		codec, err := http2.NewCodec()
		return codec, channel.HandlerFunc(serveHTTP2), err
	}
	return nil, nil, fmt.Errorf("unknown codec %q", name)
}

func echoText(ch *channel.Channel, f protocol.Future) error {
	out := &protocol.DefaultFuture{}
	if _, err := out.Write(f.Payload()); err != nil {
		return err
	}
	ch.Flush(out)
	return nil
}

func echoProtobase(ch *channel.Channel, f protocol.Future) error {
	in := f.(*protobase.Future)
	out := in.Reply()
	out.Write(in.Payload())
	out.WriteBinary(in.Binary())
	ch.Flush(out)
	return nil
}

func echoWebSocket(ch *channel.Channel, f protocol.Future) error {
	in := f.(*websocket.Frame)
	if in.IsCloseFrame() {
		ch.Flush(websocket.NewCloseFrame(websocket.CloseNormalClosure, ""))
		return nil
	}
	out := websocket.NewFrame(in.Opcode())
	out.Write(in.Payload())
	ch.Flush(out)
	return nil
}

// serveHTTP2 answers every finished request with a short text body.
func serveHTTP2(ch *channel.Channel, f protocol.Future) error {
	fr := f.(*http2.Frame)
	if !fr.EndStream() {
		return nil
	}
	status := "200"
	if fr.StreamError() != nil {
		status = "431"
	}
	path, _ := fr.Field(":path")
	body := fmt.Sprintf("hioload-io %s\n", path)
	ch.FlushAll([]protocol.Future{
		http2.NewHeadersFrame(fr.StreamID(), []hpack.HeaderField{
			{Name: ":status", Value: status},
			{Name: "content-type", Value: "text/plain; charset=utf-8"},
			{Name: "content-length", Value: fmt.Sprint(len(body))},
		}, false),
		func() protocol.Future {
			d := http2.NewDataFrame(fr.StreamID(), true)
			d.WriteString(body)
			return d
		}(),
	})
	return nil
}
