package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"beacon/internal/clock"
	"beacon/internal/collectors/location"
	"beacon/internal/collectors/power"
	"beacon/internal/config"
	"beacon/internal/eventbus"
	"beacon/internal/runtime/supervisor"
	"beacon/internal/services/scheduler"
	"beacon/internal/services/survey"
	"beacon/internal/services/transfer"
	"beacon/internal/storage"
	"beacon/internal/telemetry"
	"beacon/pkg/logx"
)

// Option overrides a runtime dependency, mostly for tests.
type Option func(*deps)

type deps struct {
	clock    clock.Clock
	fs       afero.Fs
	uploader transfer.Uploader
}

// WithClock drives the scheduler, collectors and file stamps from clk.
func WithClock(clk clock.Clock) Option { return func(d *deps) { d.clock = clk } }

// WithFs backs csv storage and sysfs reads with fs.
func WithFs(fs afero.Fs) Option { return func(d *deps) { d.fs = fs } }

// WithUploader replaces the S3 uploader.
func WithUploader(up transfer.Uploader) Option { return func(d *deps) { d.uploader = up } }

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	set  settings

	log   logx.Logger
	logs  *logx.Service
	clk   clock.Clock
	bus   *eventbus.MemBus
	store *storage.Manager

	metrics *telemetry.Metrics
	server  *telemetry.Server

	gpsd     *location.GPSDSource
	location *location.Collector
	power    *power.Collector

	surveys  *survey.Service
	transfer *transfer.Service
	uploader transfer.Uploader
	sched    *scheduler.Scheduler

	deviceID string
}

// CheckConfig parses and resolves the file at path without starting anything.
func CheckConfig(path string) error {
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return err
	}
	_, err = resolve(cfg)
	return err
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	d := deps{clock: clock.Real()}
	for _, o := range opts {
		o(&d)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	log = log.With(logx.String("comp", "app"))

	deviceID := strings.TrimSpace(cfg.Device.ID)
	if deviceID == "" {
		deviceID = uuid.NewString()
		log.Warn("device.id not set; using a generated id for this run", logx.String("device_id", deviceID))
	}

	bus := eventbus.New()

	sc := mapStorage(set.storage, d.clock.Now)
	sc.Fs = d.fs
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage enabled", logx.String("driver", store.Driver()), logx.String("dir", set.storage.Dir))

	metrics := telemetry.NewMetrics()
	store.OnStore(metrics.RecordStored)

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		set:      set,
		log:      log,
		logs:     logSvc,
		clk:      d.clock,
		bus:      bus,
		store:    store,
		metrics:  metrics,
		server:   telemetry.NewServer(metrics, log.With(logx.String("comp", "metrics"))),
		deviceID: deviceID,
	}
	registerGauges(metrics, log,
		gauge{"supervisor_tasks", "Running supervised goroutines.", func() float64 {
			if a.sup == nil {
				return 0
			}
			return float64(a.sup.Active())
		}},
		gauge{"eventbus_dropped_total", "Events dropped for slow subscribers.", func() float64 {
			return float64(bus.Dropped())
		}},
	)

	if set.location.Enabled {
		gc := mapGPSD(set.location)
		a.gpsd = location.NewGPSD(gc, log.With(logx.String("comp", "gpsd")))
		a.location = location.New(a.gpsd, store, log.With(logx.String("comp", "location")))
	}
	if set.power.Enabled {
		pc := mapPower(set.power)
		pc.Fs = d.fs
		pc.Clock = d.clock
		a.power = power.New(pc, store, log.With(logx.String("comp", "power")))
	}

	a.surveys = survey.New(survey.Options{Clock: d.clock, Bus: bus}, log.With(logx.String("comp", "survey")))

	a.uploader = d.uploader
	if a.uploader == nil && set.transfer.Enabled {
		up, err := transfer.NewS3Uploader(context.Background(), mapS3(set.transfer))
		if err != nil {
			_ = store.Close(context.Background())
			_ = logSvc.Close()
			return nil, fmt.Errorf("transfer: %w", err)
		}
		a.uploader = up
	}
	a.transfer = transfer.New(a.transferConfig(set.transfer), store, a.uploader, bus, log.With(logx.String("comp", "transfer")))

	schedOpts := scheduler.Options{
		Clock:     d.clock,
		Transfers: a.transfer,
		Surveys:   a.surveys,
		Bus:       bus,
		MinWake:   set.scheduler.MinWake,
		Horizon:   set.scheduler.Horizon,
	}
	if a.location != nil {
		schedOpts.Trigger = a.location
	}
	a.sched = scheduler.New(schedOpts, log.With(logx.String("comp", "scheduler")))

	return a, nil
}

// transferConfig disables uploads when no uploader could be built.
func (a *App) transferConfig(s config.TransferSettings) transfer.Config {
	tc := mapTransfer(s, a.deviceID)
	if a.uploader == nil {
		tc.Enabled = false
	}
	return tc
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// DeviceID is the id used in uploaded object keys.
func (a *App) DeviceID() string { return a.deviceID }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := resolve(cfg)
		return err
	})

	a.sup.Go("metrics.observe", func(c context.Context) error {
		return a.metrics.Observe(c, a.bus)
	})
	a.server.Apply(a.sup.Context(), mapMetrics(a.set.metrics))

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level; polls are frequent.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.location != nil {
		a.sched.RegisterService("location", a.set.location.On, a.set.location.Off, a.location)
		a.sup.Go("location.feed", a.location.Run)
	}
	if a.power != nil {
		a.sched.RegisterService("power", a.set.power.On, a.set.power.Off, a.power)
	}

	a.applySurveys(a.set.surveys)
	a.transfer.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	lastApplied := a.cfgm.Get()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Debug("config change summary", fields...)

				a.reload(c, lastApplied, newCfg, sections)
				lastApplied = newCfg
				a.log.Info("config reloaded", fields...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("device_id", a.deviceID),
		logx.Bool("location", a.location != nil),
		logx.Bool("power", a.power != nil),
		logx.Bool("transfer", a.uploader != nil && a.set.transfer.Enabled),
	)
	return nil
}

// applySurveys installs the survey set and hands its next refresh to the
// scheduler. A rejected set keeps the previous one.
func (a *App) applySurveys(s config.SurveySettings) {
	next, err := a.surveys.Apply(mapSurveys(s), s.Location)
	if err != nil {
		a.log.Warn("invalid surveys; keeping previous", logx.Err(err))
		return
	}
	a.sched.ResetNextSurveyUpdate(next)
}

// reload applies the hot-reloadable sections of newCfg. Sections that need
// a restart only log.
func (a *App) reload(ctx context.Context, oldCfg, newCfg *config.Config, sections []string) {
	set, err := resolve(newCfg)
	if err != nil {
		a.log.Warn("config reload rejected", logx.Err(err))
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogging(newCfg))
		case "surveys":
			a.applySurveys(set.surveys)
		case "transfer":
			if oldCfg != nil && oldCfg.Transfer.S3 != newCfg.Transfer.S3 {
				a.log.Warn("transfer.s3 changed; restart required for changes to take effect")
			}
			if set.transfer.Enabled && a.uploader == nil {
				a.log.Warn("transfer enabled; restart required to create the uploader")
			}
			a.transfer.Apply(a.transferConfig(set.transfer))
		case "metrics":
			a.server.Apply(ctx, mapMetrics(set.metrics))
		case "storage", "device", "scheduler", "collectors.location", "collectors.power":
			a.log.Warn(s+" config changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	a.set.surveys = set.surveys
	a.set.transfer = set.transfer
	a.set.metrics = set.metrics
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		var cancel context.CancelFunc
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			if limit > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, limit)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// The scheduler goes first: its Shutdown completes once every collector
	// has flushed and closed its stream.
	step("scheduler", 5*time.Second, func(c context.Context) error {
		return a.sched.Stop(c).Wait(c)
	})

	// Background loops only after collectors are done with the feed.
	a.sup.Cancel()

	step("transfer", 5*time.Second, a.transfer.Stop)
	step("metrics", 1*time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	step("storage", 2*time.Second, a.store.Close)
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

type gauge struct {
	name, help string
	fn         func() float64
}

// registerGauges logs and skips gauges the registry refuses.
func registerGauges(m *telemetry.Metrics, log logx.Logger, gauges ...gauge) {
	for _, g := range gauges {
		if err := m.RegisterGauge(g.name, g.help, g.fn); err != nil {
			log.Warn("metrics gauge registration failed", logx.String("gauge", g.name), logx.Err(err))
		}
	}
}
