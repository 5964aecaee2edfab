package control_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-io/control"
)

func TestConfigStore_UpdateAndReload(t *testing.T) {
	cs, err := control.NewConfigStore(control.DefaultConfig())
	require.NoError(t, err)

	var seen control.Config
	cs.OnReload(func(c control.Config) { seen = c })

	require.NoError(t, cs.Update(map[string]any{
		"write_batch":    float64(4),
		"idle_time":      "250ms",
		"enable_workers": true,
	}))
	snap := cs.Snapshot()
	require.Equal(t, 4, snap.WriteBatch)
	require.Equal(t, 250*time.Millisecond, snap.IdleTime)
	require.True(t, snap.EnableWorkers)
	require.Equal(t, snap, seen)
}

func TestConfigStore_RejectsInvalid(t *testing.T) {
	cs, err := control.NewConfigStore(control.DefaultConfig())
	require.NoError(t, err)

	require.ErrorIs(t, cs.Update(map[string]any{"write_batch": 0}), control.ErrInvalidConfig)
	require.ErrorIs(t, cs.Update(map[string]any{"bogus": 1}), control.ErrInvalidConfig)
	require.ErrorIs(t, cs.Update(map[string]any{"pin_loops": "yes"}), control.ErrInvalidConfig)
	require.Equal(t, control.DefaultConfig().WriteBatch, cs.Snapshot().WriteBatch)

	_, err = control.NewConfigStore(control.Config{})
	require.ErrorIs(t, err, control.ErrInvalidConfig)
}

func TestMetricsAndProbes(t *testing.T) {
	m := control.NewMetricsRegistry()
	m.ChannelsOpened.Add(3)
	m.ChannelsClosed.Add(1)
	snap := m.GetSnapshot()
	require.Equal(t, int64(2), snap["channels.active"])

	dp := control.NewDebugProbes()
	control.RegisterPlatformProbes(dp)
	dp.RegisterProbe("metrics", func() any { return m.GetSnapshot()["channels.opened"] })
	state := dp.DumpState()
	require.Equal(t, int64(3), state["metrics"])
	require.Contains(t, state, "platform.cpus")
}
