package storage

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/afero"
)

var (
	ErrClosed      = errors.New("storage: sink closed")
	ErrStreamOpen  = errors.New("storage: stream already open")
	ErrNoStream    = errors.New("storage: stream not open")
	ErrInvalidName = errors.New("storage: invalid stream name")
)

// Sink receives ordered string records for one stream.
type Sink interface {
	Store(record []string) error
	Flush() error
	Close(ctx context.Context) error
}

// Config configures storage.
//
// Driver values:
//   - "csv" (default): afero-backed CSV files under Dir
//   - "sqlite": Dir/beacon.db
type Config struct {
	Driver      string
	Dir         string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Fs is the csv driver's filesystem; nil means the OS filesystem.
	Fs afero.Fs
	// Now stamps file names and rows; nil means time.Now.
	Now func() time.Time
}

// Upload is a finished file waiting to be transferred.
type Upload struct {
	Path string
	Name string
	Size int64
}

// backend is implemented by each driver.
type backend interface {
	open(name string, header []string) (Sink, error)
	pending() ([]Upload, error)
	openUpload(path string) (afero.File, error)
	remove(path string) error
	close() error
}
