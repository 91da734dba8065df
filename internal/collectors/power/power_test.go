package power

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/internal/clock"
	"beacon/internal/storage"
	"beacon/pkg/logx"
)

const uevent = `POWER_SUPPLY_NAME=BAT0
POWER_SUPPLY_STATUS=Discharging
POWER_SUPPLY_PRESENT=1
POWER_SUPPLY_VOLTAGE_NOW=11850000
POWER_SUPPLY_CAPACITY=87
`

var t0 = time.UnixMilli(1_700_000_000_000)

func setup(t *testing.T) (*Collector, *clock.Fake, *storage.Manager, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/sys/class/power_supply/BAT0/uevent", []byte(uevent), 0o644))

	clk := clock.NewFake(t0)
	mgr, err := storage.Open(storage.Config{Driver: "csv", Dir: "/data", Fs: fs, Now: clk.Now}, logx.Nop())
	require.NoError(t, err)

	c := New(Config{
		SysfsRoot: "/sys/class/power_supply",
		Supply:    "BAT0",
		Interval:  10 * time.Second,
		Fs:        fs,
		Clock:     clk,
	}, mgr, logx.Nop())
	return c, clk, mgr, fs
}

func TestInitFailsForMissingSupply(t *testing.T) {
	t.Parallel()

	c, _, mgr, _ := setup(t)
	c.cfg.Supply = "BAT9"
	assert.False(t, c.InitCollecting())
	assert.Empty(t, mgr.OpenStreams())
}

func TestSamplesEveryIntervalWhileOn(t *testing.T) {
	t.Parallel()

	c, clk, mgr, fs := setup(t)
	require.True(t, c.InitCollecting())

	c.StartCollecting()
	assert.Equal(t, uint64(1), c.Samples(), "samples immediately on start")

	clk.Advance(30 * time.Second)
	assert.Equal(t, uint64(4), c.Samples())

	c.PauseCollecting()
	assert.Zero(t, clk.Pending())
	clk.Advance(time.Minute)
	assert.Equal(t, uint64(4), c.Samples())

	require.NoError(t, c.FinishCollecting(context.Background()))
	ups, err := mgr.PendingUploads()
	require.NoError(t, err)
	require.Len(t, ups, 1)

	body, err := afero.ReadFile(fs, ups[0].Path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "timestamp,status,capacity,voltage\n1700000000000,Discharging,87,11.85\n")
}

func TestStartTwiceKeepsOneTimer(t *testing.T) {
	t.Parallel()

	c, clk, _, _ := setup(t)
	require.True(t, c.InitCollecting())
	c.StartCollecting()
	c.StartCollecting()
	assert.Equal(t, 1, clk.Pending())
	assert.Equal(t, uint64(1), c.Samples())
}

func TestParseUeventDefaults(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ps/AC/uevent", []byte("POWER_SUPPLY_ONLINE=1\n"), 0o644))
	c := New(Config{SysfsRoot: "/ps", Supply: "AC", Fs: fs}, nil, logx.Nop())
	r, err := c.read()
	require.NoError(t, err)
	assert.Equal(t, Reading{Status: "Unknown", Capacity: -1}, r)

	require.NoError(t, afero.WriteFile(fs, "/ps/AC/uevent", nil, 0o644))
	_, err = c.read()
	assert.Error(t, err)
}

func TestStaleTickAfterRestartIsDropped(t *testing.T) {
	t.Parallel()

	c, clk, _, _ := setup(t)
	require.True(t, c.InitCollecting())

	c.StartCollecting()
	c.mu.Lock()
	stale := c.gen
	c.mu.Unlock()

	// A callback from the first timer that lost the race with a pause and a
	// restart must not sample or arm a second timer.
	c.PauseCollecting()
	c.StartCollecting()
	assert.Equal(t, uint64(2), c.Samples())

	c.tick(stale)
	assert.Equal(t, uint64(2), c.Samples())
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(10 * time.Second)
	assert.Equal(t, uint64(3), c.Samples())
	assert.Equal(t, 1, clk.Pending())
}
