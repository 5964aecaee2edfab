// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Engine configuration and a thread-safe store with hot-reload propagation.

package control

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the tunables of an event-loop group and its channels.
type Config struct {
	// EventLoops is the number of reactor goroutines.
	EventLoops int
	// PinLoops binds each loop goroutine to a CPU.
	PinLoops bool
	// WriteBatch bounds how many futures one scatter write carries.
	WriteBatch int
	// ReadBufferSize is the per-loop read buffer capacity.
	ReadBufferSize int
	// BufferUnit is the pooled buffer size.
	BufferUnit int
	// BufferPoolSize is the number of idle buffers kept per pool.
	BufferPoolSize int
	// SharedBufferPool makes all loops share one concurrent pool.
	SharedBufferPool bool
	// IdleTime is the idle-sweep period; zero disables idle handling.
	IdleTime time.Duration
	// EnableWorkers dispatches decoded futures to worker goroutines.
	EnableWorkers bool
	// Workers is the worker count when EnableWorkers is set.
	Workers int
	// EnableSsl marks outbound futures for TLS wrapping.
	EnableSsl bool
	// MaxFrameSize caps a single decoded frame.
	MaxFrameSize int
}

// DefaultConfig returns the defaults used when no overrides are given.
func DefaultConfig() Config {
	return Config{
		EventLoops:     runtime.NumCPU(),
		WriteBatch:     16,
		ReadBufferSize: 16 * 1024,
		BufferUnit:     16 * 1024,
		BufferPoolSize: 1024,
		IdleTime:       30 * time.Second,
		Workers:        runtime.NumCPU(),
		MaxFrameSize:   1 << 20,
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	switch {
	case c.EventLoops <= 0:
		return fmt.Errorf("%w: event_loops must be positive", ErrInvalidConfig)
	case c.WriteBatch <= 0:
		return fmt.Errorf("%w: write_batch must be positive", ErrInvalidConfig)
	case c.ReadBufferSize < 64:
		return fmt.Errorf("%w: read_buffer_size below 64", ErrInvalidConfig)
	case c.BufferUnit <= 0:
		return fmt.Errorf("%w: buffer_unit must be positive", ErrInvalidConfig)
	case c.BufferPoolSize < 0:
		return fmt.Errorf("%w: buffer_pool_size is negative", ErrInvalidConfig)
	case c.IdleTime < 0:
		return fmt.Errorf("%w: idle_time is negative", ErrInvalidConfig)
	case c.EnableWorkers && c.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	case c.MaxFrameSize <= 0:
		return fmt.Errorf("%w: max_frame_size must be positive", ErrInvalidConfig)
	}
	return nil
}

// Apply merges key/value overrides into c. Integers may arrive as int,
// int64 or float64 (decoded JSON); durations as time.Duration or a string
// accepted by time.ParseDuration.
func (c *Config) Apply(values map[string]any) error {
	for k, v := range values {
		var err error
		switch k {
		case "event_loops":
			c.EventLoops, err = asInt(v)
		case "pin_loops":
			c.PinLoops, err = asBool(v)
		case "write_batch":
			c.WriteBatch, err = asInt(v)
		case "read_buffer_size":
			c.ReadBufferSize, err = asInt(v)
		case "buffer_unit":
			c.BufferUnit, err = asInt(v)
		case "buffer_pool_size":
			c.BufferPoolSize, err = asInt(v)
		case "shared_buffer_pool":
			c.SharedBufferPool, err = asBool(v)
		case "idle_time":
			c.IdleTime, err = asDuration(v)
		case "enable_workers":
			c.EnableWorkers, err = asBool(v)
		case "workers":
			c.Workers, err = asInt(v)
		case "enable_ssl":
			c.EnableSsl, err = asBool(v)
		case "max_frame_size":
			c.MaxFrameSize, err = asInt(v)
		default:
			err = errors.New("unknown key")
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, k, err)
		}
	}
	return nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, fmt.Errorf("want integer, got %T", v)
}

func asBool(v any) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("want bool, got %T", v)
}

func asDuration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		return time.ParseDuration(d)
	}
	return 0, fmt.Errorf("want duration, got %T", v)
}

// ConfigStore holds the live Config with atomic snapshot and listener support.
type ConfigStore struct {
	mu        sync.Mutex
	current   atomic.Pointer[Config]
	listeners []func(Config)
}

// NewConfigStore validates cfg and makes it the live snapshot.
func NewConfigStore(cfg Config) (*ConfigStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cs := &ConfigStore{}
	cs.current.Store(&cfg)
	return cs, nil
}

// Snapshot returns the live configuration.
func (cs *ConfigStore) Snapshot() Config {
	return *cs.current.Load()
}

// Update merges values into a copy of the live config, validates it and
// publishes it. Listeners run synchronously after the swap.
func (cs *ConfigStore) Update(values map[string]any) error {
	cs.mu.Lock()
	next := *cs.current.Load()
	if err := next.Apply(values); err != nil {
		cs.mu.Unlock()
		return err
	}
	if err := next.Validate(); err != nil {
		cs.mu.Unlock()
		return err
	}
	cs.current.Store(&next)
	listeners := append([]func(Config){}, cs.listeners...)
	cs.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return nil
}

// OnReload registers a listener hook called after each successful Update.
func (cs *ConfigStore) OnReload(fn func(Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
