// Package transfer uploads finished storage files. The scheduler fires
// Trigger on every poll; the service throttles and never blocks the caller.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"beacon/internal/eventbus"
	"beacon/internal/storage"
	"beacon/pkg/logx"
)

// Uploader stores one object.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.ReadSeeker, size int64) error
}

// Files is the storage side of a transfer. *storage.Manager implements it.
type Files interface {
	PendingUploads() ([]storage.Upload, error)
	OpenUpload(path string) (io.ReadSeekCloser, error)
	Remove(path string) error
}

type Config struct {
	Enabled     bool
	MinInterval time.Duration
	Burst       int
	DeviceID    string
	Prefix      string
	// RunTimeout bounds one run; 0 means 10 minutes.
	RunTimeout time.Duration
}

// Result summarizes one run.
type Result struct {
	Files  int
	Bytes  int64
	Failed int
}

type Service struct {
	log   logx.Logger
	files Files
	up    Uploader
	bus   eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	inFlight atomic.Bool
	runs     atomic.Uint64
}

func New(cfg Config, files Files, up Uploader, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	cfg = normalize(cfg)
	return &Service{
		log:     log,
		files:   files,
		up:      up,
		bus:     bus,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), cfg.Burst),
	}
}

func normalize(cfg Config) Config {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 5 * time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	return cfg
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.log.Info("transfer started",
		logx.Bool("enabled", s.cfg.Enabled),
		logx.Duration("min_interval", s.cfg.MinInterval),
		logx.Int("burst", s.cfg.Burst),
	)
}

// Stop cancels an in-flight run and waits for it, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("transfer stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("transfer stop timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// Apply updates throttling and the key layout. An in-flight run keeps its
// settings.
func (s *Service) Apply(cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.limiter.SetLimit(rate.Every(cfg.MinInterval))
	s.limiter.SetBurst(cfg.Burst)
}

// Runs returns how many runs have started.
func (s *Service) Runs() uint64 { return s.runs.Load() }

// Trigger starts a run in the background unless transfers are disabled,
// the throttle denies it, or a run is already in flight.
func (s *Service) Trigger() {
	s.mu.Lock()
	ctx, cfg := s.ctx, s.cfg
	stopped := s.cancel == nil
	s.mu.Unlock()
	if !cfg.Enabled || stopped || ctx == nil {
		return
	}
	if s.inFlight.Load() {
		s.log.Trace("transfer skipped: run in flight")
		return
	}
	if !s.limiter.Allow() {
		s.log.Trace("transfer throttled")
		return
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)
		runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
		_, _ = s.run(runCtx, cfg)
	}()
}

// RunOnce uploads everything pending synchronously, ignoring the throttle.
func (s *Service) RunOnce(ctx context.Context) (Result, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !s.inFlight.CompareAndSwap(false, true) {
		return Result{}, nil
	}
	defer s.inFlight.Store(false)
	return s.run(ctx, cfg)
}

func (s *Service) run(ctx context.Context, cfg Config) (Result, error) {
	s.runs.Add(1)
	start := time.Now()
	var res Result

	ups, err := s.files.PendingUploads()
	if err != nil {
		s.fail(res, err)
		return res, err
	}
	if len(ups) == 0 {
		s.log.Debug("transfer: nothing pending")
		return res, nil
	}

	var errs []error
	for _, u := range ups {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.uploadOne(ctx, cfg, u); err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", u.Name, err))
			s.log.Warn("upload failed", logx.String("file", u.Name), logx.Err(err))
			continue
		}
		res.Files++
		res.Bytes += u.Size
	}

	err = errors.Join(errs...)
	if err != nil {
		s.fail(res, err)
		return res, err
	}
	s.log.Info("transfer done",
		logx.Int("files", res.Files),
		logx.String("size", humanize.Bytes(uint64(res.Bytes))),
		logx.Duration("took", time.Since(start)),
	)
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TransferDone,
		Data: eventbus.TransferData{Files: res.Files, Bytes: res.Bytes},
	})
	return res, nil
}

func (s *Service) uploadOne(ctx context.Context, cfg Config, u storage.Upload) error {
	f, err := s.files.OpenUpload(u.Path)
	if err != nil {
		return err
	}
	err = s.up.Upload(ctx, ObjectKey(cfg.Prefix, cfg.DeviceID, u.Name), f, u.Size)
	_ = f.Close()
	if err != nil {
		return err
	}
	s.log.Debug("uploaded", logx.String("file", u.Name), logx.String("size", humanize.Bytes(uint64(u.Size))))
	return s.files.Remove(u.Path)
}

func (s *Service) fail(res Result, err error) {
	s.log.Error("transfer failed",
		logx.Int("files", res.Files),
		logx.Int("failed", res.Failed),
		logx.Err(err),
	)
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TransferFailed,
		Data: eventbus.TransferData{Files: res.Files, Bytes: res.Bytes, Err: err},
	})
}

// ObjectKey is <prefix>/<device>/<file>; empty parts are skipped.
func ObjectKey(prefix, device, name string) string {
	return path.Join(prefix, device, name)
}
