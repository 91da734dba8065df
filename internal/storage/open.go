package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"

	"beacon/pkg/logx"
)

var streamName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Manager opens named sinks on the configured driver and tracks them until
// they are closed.
type Manager struct {
	log    logx.Logger
	driver string
	be     backend

	mu     sync.Mutex
	sinks  map[string]*managedSink
	closed bool

	onStore func(stream string)
}

// Open initializes the configured driver.
func Open(cfg Config, log logx.Logger) (*Manager, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "csv"
	}

	var (
		be  backend
		err error
	)
	switch driver {
	case "csv":
		be, err = openCSV(cfg, log)
	case "sqlite", "sqlite3":
		driver = "sqlite"
		be, err = openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", driver), logx.String("dir", cfg.Dir))
	return &Manager{log: log, driver: driver, be: be, sinks: map[string]*managedSink{}}, nil
}

func (m *Manager) Driver() string { return m.driver }

// OnStore installs a hook called after every stored record.
func (m *Manager) OnStore(fn func(stream string)) {
	m.mu.Lock()
	m.onStore = fn
	m.mu.Unlock()
}

// CreateStore opens a new sink for name. Only one sink per name may be open.
func (m *Manager) CreateStore(name string, header []string) (Sink, error) {
	if !streamName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.sinks[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamOpen, name)
	}
	inner, err := m.be.open(name, header)
	if err != nil {
		return nil, err
	}
	s := &managedSink{Sink: inner, m: m, name: name}
	m.sinks[name] = s
	m.log.Debug("stream opened", logx.String("stream", name))
	return s, nil
}

// CloseStore closes the open sink for name.
func (m *Manager) CloseStore(ctx context.Context, name string) error {
	m.mu.Lock()
	s, ok := m.sinks[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoStream, name)
	}
	return s.Close(ctx)
}

// OpenStreams returns the names of the currently open streams.
func (m *Manager) OpenStreams() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sinks))
	for n := range m.sinks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// PendingUploads lists closed files waiting for transfer, oldest name first.
func (m *Manager) PendingUploads() ([]Upload, error) {
	ups, err := m.be.pending()
	if err != nil {
		return nil, err
	}
	sort.Slice(ups, func(i, j int) bool { return ups[i].Name < ups[j].Name })
	return ups, nil
}

// OpenUpload opens a pending upload for reading.
func (m *Manager) OpenUpload(path string) (io.ReadSeekCloser, error) {
	return m.be.openUpload(path)
}

// Remove deletes a pending upload after it has been transferred.
func (m *Manager) Remove(path string) error {
	return m.be.remove(path)
}

// Close closes every open sink, then the driver.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := make([]*managedSink, 0, len(m.sinks))
	for _, s := range m.sinks {
		open = append(open, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range open {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.name, err))
		}
	}
	if err := m.be.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	delete(m.sinks, name)
	m.mu.Unlock()
	m.log.Debug("stream closed", logx.String("stream", name))
}

func (m *Manager) stored(name string) {
	m.mu.Lock()
	fn := m.onStore
	m.mu.Unlock()
	if fn != nil {
		fn(name)
	}
}

type managedSink struct {
	Sink
	m    *Manager
	name string
	once sync.Once
}

func (s *managedSink) Store(record []string) error {
	if err := s.Sink.Store(record); err != nil {
		return err
	}
	s.m.stored(s.name)
	return nil
}

func (s *managedSink) Close(ctx context.Context) error {
	err := s.Sink.Close(ctx)
	s.once.Do(func() { s.m.release(s.name) })
	return err
}
