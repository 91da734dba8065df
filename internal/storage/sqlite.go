package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	_ "modernc.org/sqlite"

	"beacon/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

const (
	sqliteFile      = "beacon.db"
	sqliteBatchSize = 256
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (backend, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("storage.dir is required for sqlite driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, sqliteFile))
	if err != nil {
		return nil, err
	}
	// One connection: pragmas apply to it and writers never contend.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &sqliteStore{db: db, log: log, now: now}, nil
}

func (s *sqliteStore) open(name string, header []string) (Sink, error) {
	hb, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO streams(name, header, created_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET header=excluded.header`,
		name, string(hb), s.now().UnixMilli(),
	); err != nil {
		return nil, err
	}

	var last int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM records WHERE stream = ?`, name,
	).Scan(&last); err != nil {
		return nil, err
	}
	return &sqliteSink{store: s, name: name, cols: len(header), seq: last}, nil
}

// pending is empty: rows stay in the database.
func (s *sqliteStore) pending() ([]Upload, error) { return nil, nil }

func (s *sqliteStore) openUpload(path string) (afero.File, error) {
	return nil, fmt.Errorf("storage: sqlite driver has no upload %q", path)
}

func (s *sqliteStore) remove(path string) error {
	return fmt.Errorf("storage: sqlite driver has no upload %q", path)
}

func (s *sqliteStore) close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// count returns the number of stored rows for stream.
func (s *sqliteStore) count(ctx context.Context, stream string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE stream = ?`, stream).Scan(&n)
	return n, err
}

type pendingRow struct {
	seq      int64
	storedAt int64
	fields   string
}

// sqliteSink buffers rows and writes them in one transaction per Flush.
type sqliteSink struct {
	store *sqliteStore
	name  string
	cols  int

	mu     sync.Mutex
	seq    int64
	buf    []pendingRow
	closed bool
}

func (k *sqliteSink) Store(record []string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	if k.cols > 0 && len(record) != k.cols {
		return fmt.Errorf("storage: record has %d fields, header has %d", len(record), k.cols)
	}
	b, err := json.Marshal(record)
	if err != nil {
		return err
	}
	k.seq++
	k.buf = append(k.buf, pendingRow{seq: k.seq, storedAt: k.store.now().UnixMilli(), fields: string(b)})
	if len(k.buf) >= sqliteBatchSize {
		return k.flushLocked(context.Background())
	}
	return nil
}

func (k *sqliteSink) Flush() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	return k.flushLocked(context.Background())
}

func (k *sqliteSink) flushLocked(ctx context.Context) error {
	if len(k.buf) == 0 {
		return nil
	}
	tx, err := k.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records(stream, seq, stored_at, fields) VALUES(?,?,?,?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range k.buf {
		if _, err := stmt.ExecContext(ctx, k.name, r.seq, r.storedAt, r.fields); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	k.buf = k.buf[:0]
	return nil
}

func (k *sqliteSink) Close(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	return k.flushLocked(ctx)
}
