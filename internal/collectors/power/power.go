// Package power samples a Linux power supply (battery) from sysfs while the
// scheduler keeps it on.
package power

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"beacon/internal/clock"
	"beacon/internal/storage"
	"beacon/pkg/logx"
)

// StreamName is the storage stream the collector writes to.
const StreamName = "power"

// Header is the power stream schema.
var Header = []string{"timestamp", "status", "capacity", "voltage"}

// Stores opens and closes named sinks. *storage.Manager implements it.
type Stores interface {
	CreateStore(name string, header []string) (storage.Sink, error)
	CloseStore(ctx context.Context, name string) error
}

type Config struct {
	SysfsRoot string // usually /sys/class/power_supply
	Supply    string // e.g. BAT0
	Interval  time.Duration

	Fs    afero.Fs
	Clock clock.Clock
}

// Reading is one parsed uevent file.
type Reading struct {
	Status   string
	Capacity int     // percent, -1 when unknown
	Voltage  float64 // volts
}

type Collector struct {
	cfg    Config
	log    logx.Logger
	stores Stores

	mu      sync.Mutex
	sink    storage.Sink
	on      bool
	timer   clock.Timer
	gen     uint64
	samples uint64
}

func New(cfg Config, stores Stores, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Interval < time.Second {
		cfg.Interval = time.Second
	}
	return &Collector{cfg: cfg, log: log, stores: stores}
}

func (c *Collector) ueventPath() string {
	return filepath.Join(c.cfg.SysfsRoot, c.cfg.Supply, "uevent")
}

// InitCollecting fails when the supply cannot be read.
func (c *Collector) InitCollecting() bool {
	if _, err := c.read(); err != nil {
		c.log.Error("power supply unavailable; not initializing collection", logx.String("supply", c.cfg.Supply), logx.Err(err))
		return false
	}
	sink, err := c.stores.CreateStore(StreamName, Header)
	if err != nil {
		c.log.Error("power store open failed", logx.Err(err))
		return false
	}
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
	return true
}

// StartCollecting records a sample now and then once per Interval.
func (c *Collector) StartCollecting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.on {
		return
	}
	c.on = true
	c.log.Info("power collection on", logx.Duration("interval", c.cfg.Interval))
	c.sampleLocked()
	c.armLocked()
}

func (c *Collector) PauseCollecting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauseLocked()
}

func (c *Collector) pauseLocked() {
	if c.on {
		c.log.Info("power collection paused")
	}
	c.on = false
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.sink != nil {
		if err := c.sink.Flush(); err != nil {
			c.log.Warn("power store flush failed", logx.Err(err))
		}
	}
}

func (c *Collector) FinishCollecting(ctx context.Context) error {
	c.mu.Lock()
	c.pauseLocked()
	sink := c.sink
	c.sink = nil
	c.mu.Unlock()
	if sink == nil {
		return nil
	}
	return c.stores.CloseStore(ctx, StreamName)
}

// Samples returns the number of stored readings.
func (c *Collector) Samples() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samples
}

func (c *Collector) armLocked() {
	c.gen++
	gen := c.gen
	c.timer = c.cfg.Clock.AfterFunc(c.cfg.Interval, func() { c.tick(gen) })
}

// tick drops callbacks from timers that were stopped or replaced while the
// callback waited for the lock.
func (c *Collector) tick(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.on || gen != c.gen {
		return
	}
	c.sampleLocked()
	c.armLocked()
}

func (c *Collector) sampleLocked() {
	if c.sink == nil {
		return
	}
	r, err := c.read()
	if err != nil {
		c.log.Warn("power read failed", logx.Err(err))
		return
	}
	rec := []string{
		strconv.FormatInt(c.cfg.Clock.Now().UnixMilli(), 10),
		r.Status,
		strconv.Itoa(r.Capacity),
		strconv.FormatFloat(r.Voltage, 'f', -1, 64),
	}
	if err := c.sink.Store(rec); err != nil {
		c.log.Warn("power store failed", logx.Err(err))
		return
	}
	c.samples++
}

func (c *Collector) read() (Reading, error) {
	f, err := c.cfg.Fs.Open(c.ueventPath())
	if err != nil {
		return Reading{}, err
	}
	defer f.Close()
	return parseUevent(bufio.NewScanner(f))
}

func parseUevent(s *bufio.Scanner) (Reading, error) {
	r := Reading{Status: "Unknown", Capacity: -1}
	seen := false
	for s.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(s.Text()), "=")
		if !ok {
			continue
		}
		seen = true
		switch strings.TrimPrefix(key, "POWER_SUPPLY_") {
		case "STATUS":
			r.Status = value
		case "CAPACITY":
			if n, err := strconv.Atoi(value); err == nil {
				r.Capacity = n
			}
		case "VOLTAGE_NOW":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				// sysfs reports microvolts.
				r.Voltage = float64(n) / 1e6
			}
		}
	}
	if err := s.Err(); err != nil {
		return Reading{}, err
	}
	if !seen {
		return Reading{}, fmt.Errorf("power: empty uevent")
	}
	return r, nil
}
