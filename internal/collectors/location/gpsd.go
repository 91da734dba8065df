package location

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"beacon/pkg/logx"
)

const (
	gpsdWatch        = `?WATCH={"enable":true,"json":true};` + "\n"
	gpsdDialTimeout  = 5 * time.Second
	gpsdMaxReconnect = time.Minute
	gpsdUpdateBuffer = 32
)

// GPSDConfig configures a GPSDSource.
type GPSDConfig struct {
	Addr       string
	Reconnect  time.Duration
	Permission Permission

	// Dial is used instead of net.Dialer when set.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
	// Now stamps fixes that carry no time.
	Now func() time.Time
}

// GPSDSource reads TPV reports from a gpsd daemon.
//
// Permission is taken from configuration; the distance filter of the
// current Mode is applied in software.
type GPSDSource struct {
	cfg GPSDConfig
	log logx.Logger

	updates chan Update

	mu     sync.Mutex
	mode   Mode
	last   *Fix
	cancel context.CancelFunc
	done   chan struct{}
}

func NewGPSD(cfg GPSDConfig, log logx.Logger) *GPSDSource {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Reconnect <= 0 {
		cfg.Reconnect = 5 * time.Second
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: gpsdDialTimeout, KeepAlive: 30 * time.Second}
		cfg.Dial = d.DialContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &GPSDSource{cfg: cfg, log: log, updates: make(chan Update, gpsdUpdateBuffer)}
}

func (s *GPSDSource) Permission() Permission { return s.cfg.Permission }

func (s *GPSDSource) ServicesEnabled() bool { return strings.TrimSpace(s.cfg.Addr) != "" }

// RequestAlwaysAuthorization only logs: authorization comes from config.
func (s *GPSDSource) RequestAlwaysAuthorization() {
	if s.cfg.Permission != PermissionAlways {
		s.log.Warn("always-authorization requested but not granted", logx.String("permission", s.cfg.Permission.String()))
	}
}

func (s *GPSDSource) Updates() <-chan Update { return s.updates }

func (s *GPSDSource) SetMode(m Mode) {
	s.mu.Lock()
	changed := s.mode != m
	s.mode = m
	s.mu.Unlock()
	if changed {
		st := m.Settings()
		s.log.Debug("gpsd mode set",
			logx.String("mode", m.String()),
			logx.Float64("desired_accuracy_m", st.DesiredAccuracy),
			logx.Float64("distance_filter_m", st.DistanceFilter),
		)
	}
}

// StartUpdates connects in the background. It is a no-op when already
// started.
func (s *GPSDSource) StartUpdates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// StopUpdates disconnects and waits for the reader to exit.
func (s *GPSDSource) StopUpdates() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *GPSDSource) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	wait := s.cfg.Reconnect
	for ctx.Err() == nil {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("gpsd closed the connection")
			wait = s.cfg.Reconnect
		}
		s.emit(Update{Err: err})
		s.log.Warn("gpsd session ended; reconnecting", logx.Err(err), logx.Duration("backoff", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		wait *= 2
		if wait > gpsdMaxReconnect {
			wait = gpsdMaxReconnect
		}
	}
}

// session runs one connection. It returns nil on a clean EOF.
func (s *GPSDSource) session(ctx context.Context) error {
	conn, err := s.cfg.Dial(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gpsd dial %s: %w", s.cfg.Addr, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	if _, err := conn.Write([]byte(gpsdWatch)); err != nil {
		return fmt.Errorf("gpsd watch: %w", err)
	}
	s.log.Info("gpsd connected", logx.String("addr", s.cfg.Addr))

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		fix, ok, err := parseReport(sc.Bytes(), s.cfg.Now)
		if err != nil {
			s.emit(Update{Err: err})
			continue
		}
		if ok && s.accept(fix) {
			s.emit(Update{Fixes: []Fix{fix}})
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

// accept applies the current mode's distance filter.
func (s *GPSDSource) accept(f Fix) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	filter := s.mode.Settings().DistanceFilter
	if filter > 0 && s.last != nil && haversine(*s.last, f) < filter {
		return false
	}
	cp := f
	s.last = &cp
	return true
}

func (s *GPSDSource) emit(u Update) {
	select {
	case s.updates <- u:
	default:
		s.log.Debug("gpsd update dropped (consumer slow)")
	}
}

type gpsdReport struct {
	Class   string   `json:"class"`
	Mode    int      `json:"mode"`
	Time    string   `json:"time"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	AltHAE  *float64 `json:"altHAE"`
	Alt     *float64 `json:"alt"`
	Eph     *float64 `json:"eph"`
	Epx     *float64 `json:"epx"`
	Epy     *float64 `json:"epy"`
	Message string   `json:"message"`
}

// parseReport decodes one gpsd JSON line. ok is false for reports that
// carry no 2D/3D fix.
func parseReport(line []byte, now func() time.Time) (Fix, bool, error) {
	var r gpsdReport
	if err := json.Unmarshal(line, &r); err != nil {
		return Fix{}, false, fmt.Errorf("gpsd: bad report: %w", err)
	}
	switch r.Class {
	case "TPV":
	case "ERROR":
		return Fix{}, false, fmt.Errorf("gpsd: %s", r.Message)
	default:
		return Fix{}, false, nil
	}
	if r.Mode < 2 || r.Lat == nil || r.Lon == nil {
		return Fix{}, false, nil
	}

	f := Fix{Latitude: *r.Lat, Longitude: *r.Lon}
	if r.Time != "" {
		t, err := time.Parse(time.RFC3339Nano, r.Time)
		if err != nil {
			return Fix{}, false, fmt.Errorf("gpsd: bad time %q: %w", r.Time, err)
		}
		f.Time = t
	} else {
		f.Time = now()
	}
	switch {
	case r.AltHAE != nil:
		f.Altitude = *r.AltHAE
	case r.Alt != nil:
		f.Altitude = *r.Alt
	}
	switch {
	case r.Eph != nil:
		f.Accuracy = *r.Eph
	case r.Epx != nil && r.Epy != nil:
		f.Accuracy = max(*r.Epx, *r.Epy)
	}
	return f, true, nil
}
