package location

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"beacon/internal/storage"
	"beacon/pkg/logx"
)

// StreamName is the storage stream the collector writes to.
const StreamName = "gps"

// Header is the gps stream schema.
var Header = []string{"timestamp", "latitude", "longitude", "altitude", "accuracy"}

// Stores opens and closes named sinks. *storage.Manager implements it.
type Stores interface {
	CreateStore(name string, header []string) (storage.Sink, error)
	CloseStore(ctx context.Context, name string) error
}

type Collector struct {
	log     logx.Logger
	src     Source
	stores  Stores
	updates <-chan Update

	enabled   atomic.Bool // trigger updates requested by the scheduler
	sampling  atomic.Bool
	deferring atomic.Bool
	recorded  atomic.Uint64

	mu   sync.Mutex
	sink storage.Sink
}

// New subscribes to src's updates; call Run to consume them.
func New(src Source, stores Stores, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Collector{log: log, src: src, stores: stores, updates: src.Updates()}
}

// InitCollecting requires always-authorization and an enabled location
// service, then opens the gps stream.
func (c *Collector) InitCollecting() bool {
	perm := c.src.Permission()
	if perm != PermissionAlways || !c.src.ServicesEnabled() {
		c.log.Error("location not allowed; not initializing collection",
			logx.String("permission", perm.String()),
			logx.Bool("services_enabled", c.src.ServicesEnabled()),
		)
		return false
	}
	sink, err := c.stores.CreateStore(StreamName, Header)
	if err != nil {
		c.log.Error("location store open failed", logx.Err(err))
		return false
	}
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
	c.sampling.Store(false)
	return true
}

func (c *Collector) StartCollecting() {
	c.log.Info("location collection on")
	c.sampling.Store(true)
	c.deferring.Store(false)
	c.src.SetMode(ModeBest)
}

func (c *Collector) PauseCollecting() {
	c.log.Info("location collection paused")
	c.sampling.Store(false)
	c.src.SetMode(ModeCoarse)
	c.deferring.Store(true)

	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		if err := sink.Flush(); err != nil {
			c.log.Warn("location store flush failed", logx.Err(err))
		}
	}
}

// FinishCollecting pauses and closes the gps stream.
func (c *Collector) FinishCollecting(ctx context.Context) error {
	c.PauseCollecting()

	c.mu.Lock()
	sink := c.sink
	c.sink = nil
	c.mu.Unlock()
	if sink == nil {
		return nil
	}
	return c.stores.CloseStore(ctx, StreamName)
}

// EnableUpdates starts coarse continuous updates and reports whether the
// collector is allowed to run.
func (c *Collector) EnableUpdates() bool {
	c.src.RequestAlwaysAuthorization()
	c.src.SetMode(ModeCoarse)
	c.src.StartUpdates()
	c.enabled.Store(true)
	return c.src.Permission() == PermissionAlways && c.src.ServicesEnabled()
}

func (c *Collector) DisableUpdates() {
	c.enabled.Store(false)
	c.src.StopUpdates()
}

// Run consumes source updates until ctx ends or the feed closes.
func (c *Collector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-c.updates:
			if !ok {
				return nil
			}
			c.handle(u)
		}
	}
}

func (c *Collector) handle(u Update) {
	if u.Err != nil {
		c.deferring.Store(false)
		c.log.Debug("location feed error", logx.Err(u.Err))
	}
	if !c.enabled.Load() {
		return
	}
	if !c.sampling.Load() || len(u.Fixes) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == nil {
		return
	}
	for _, f := range u.Fixes {
		if err := c.sink.Store(record(f)); err != nil {
			c.log.Warn("location store failed", logx.Err(err))
			return
		}
		c.recorded.Add(1)
	}
}

// Sampling reports whether fixes are currently recorded.
func (c *Collector) Sampling() bool { return c.sampling.Load() }

// Deferring reports whether the source is in deferred (paused) delivery.
func (c *Collector) Deferring() bool { return c.deferring.Load() }

// Recorded returns the number of stored fixes.
func (c *Collector) Recorded() uint64 { return c.recorded.Load() }

func record(f Fix) []string {
	return []string{
		strconv.FormatInt(f.Time.UnixMilli(), 10),
		formatFloat(f.Latitude),
		formatFloat(f.Longitude),
		formatFloat(f.Altitude),
		formatFloat(f.Accuracy),
	}
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
