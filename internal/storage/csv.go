package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"beacon/pkg/logx"
)

const uploadDirName = "upload"

// csvStore writes one file per session:
//
//	<dir>/<name>/<name>-<unixms>.csv   while open
//	<dir>/upload/<name>-<unixms>.csv   after Close
type csvStore struct {
	fs        afero.Fs
	dir       string
	uploadDir string
	now       func() time.Time
	log       logx.Logger
}

func openCSV(cfg Config, log logx.Logger) (backend, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("storage.dir is required for csv driver")
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	up := filepath.Join(dir, uploadDirName)
	if err := fs.MkdirAll(up, 0o755); err != nil {
		return nil, err
	}
	s := &csvStore{fs: fs, dir: dir, uploadDir: up, now: now, log: log}
	s.requeueLeftovers()
	return s, nil
}

// requeueLeftovers moves session files left open by an unclean exit into
// the upload directory. It runs before any session exists.
func (s *csvStore) requeueLeftovers() {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		s.log.Warn("csv recovery: list failed", logx.String("dir", s.dir), logx.Err(err))
		return
	}
	moved := 0
	for _, e := range entries {
		if !e.IsDir() || e.Name() == uploadDirName || !streamName.MatchString(e.Name()) {
			continue
		}
		stale, err := afero.Glob(s.fs, filepath.Join(s.dir, e.Name(), e.Name()+"-*.csv"))
		if err != nil {
			continue
		}
		for _, p := range stale {
			dst := filepath.Join(s.uploadDir, filepath.Base(p))
			if err := s.fs.Rename(p, dst); err != nil {
				s.log.Warn("csv recovery: move failed", logx.String("file", p), logx.Err(err))
				continue
			}
			moved++
		}
	}
	if moved > 0 {
		s.log.Info("csv recovery: queued leftover sessions", logx.Int("files", moved))
	}
}

func (s *csvStore) open(name string, header []string) (Sink, error) {
	streamDir := filepath.Join(s.dir, name)
	if err := s.fs.MkdirAll(streamDir, 0o755); err != nil {
		return nil, err
	}

	stamp := s.now().UnixMilli()
	var (
		f    afero.File
		path string
		err  error
	)
	for i := 0; i < 100; i++ {
		base := fmt.Sprintf("%s-%d.csv", name, stamp)
		if i > 0 {
			base = fmt.Sprintf("%s-%d-%d.csv", name, stamp, i)
		}
		path = filepath.Join(streamDir, base)
		f, err = s.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil || !os.IsExist(err) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	w := csv.NewWriter(f)
	if len(header) > 0 {
		if err := w.Write(header); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return &csvSink{store: s, f: f, w: w, path: path, cols: len(header)}, nil
}

func (s *csvStore) pending() ([]Upload, error) {
	infos, err := afero.ReadDir(s.fs, s.uploadDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Upload, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".csv") {
			continue
		}
		out = append(out, Upload{
			Path: filepath.Join(s.uploadDir, fi.Name()),
			Name: fi.Name(),
			Size: fi.Size(),
		})
	}
	return out, nil
}

func (s *csvStore) openUpload(path string) (afero.File, error) {
	if err := s.checkUploadPath(path); err != nil {
		return nil, err
	}
	return s.fs.Open(path)
}

func (s *csvStore) remove(path string) error {
	if err := s.checkUploadPath(path); err != nil {
		return err
	}
	return s.fs.Remove(path)
}

func (s *csvStore) checkUploadPath(path string) error {
	if filepath.Dir(filepath.Clean(path)) != filepath.Clean(s.uploadDir) {
		return fmt.Errorf("storage: %q is not a pending upload", path)
	}
	return nil
}

func (s *csvStore) close() error { return nil }

type csvSink struct {
	store *csvStore
	path  string
	cols  int

	mu     sync.Mutex
	f      afero.File
	w      *csv.Writer
	closed bool
}

func (k *csvSink) Store(record []string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	if k.cols > 0 && len(record) != k.cols {
		return fmt.Errorf("storage: record has %d fields, header has %d", len(record), k.cols)
	}
	return k.w.Write(record)
}

func (k *csvSink) Flush() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	return k.flushLocked()
}

func (k *csvSink) flushLocked() error {
	k.w.Flush()
	if err := k.w.Error(); err != nil {
		return err
	}
	return k.f.Sync()
}

// Close flushes, closes the file and moves it to the upload directory. The
// move is a local rename, so it runs even when ctx is already done.
func (k *csvSink) Close(_ context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true

	flushErr := k.flushLocked()
	closeErr := k.f.Close()
	if err := errors.Join(flushErr, closeErr); err != nil {
		return err
	}
	dst := filepath.Join(k.store.uploadDir, filepath.Base(k.path))
	if err := k.store.fs.Rename(k.path, dst); err != nil {
		return err
	}
	k.store.log.Debug("csv session finished", logx.String("file", filepath.Base(dst)))
	return nil
}
