package storage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/pkg/logx"
)

var gpsHeader = []string{"timestamp", "latitude", "longitude", "altitude", "accuracy"}

func fixedNow() time.Time { return time.UnixMilli(1_700_000_000_000) }

func openMemCSV(t *testing.T) (*Manager, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	m, err := Open(Config{Driver: "csv", Dir: "/data", Fs: fs, Now: fixedNow}, logx.Nop())
	require.NoError(t, err)
	return m, fs
}

func TestCSVSessionLifecycle(t *testing.T) {
	t.Parallel()

	m, fs := openMemCSV(t)
	stored := 0
	m.OnStore(func(stream string) {
		assert.Equal(t, "gps", stream)
		stored++
	})

	s, err := m.CreateStore("gps", gpsHeader)
	require.NoError(t, err)
	require.NoError(t, s.Store([]string{"1700000000000", "1.5", "2.5", "10", "5"}))
	require.NoError(t, s.Flush())
	assert.Equal(t, 1, stored)

	open, err := afero.ReadFile(fs, "/data/gps/gps-1700000000000.csv")
	require.NoError(t, err)
	assert.Equal(t, "timestamp,latitude,longitude,altitude,accuracy\n1700000000000,1.5,2.5,10,5\n", string(open))

	ups, err := m.PendingUploads()
	require.NoError(t, err)
	assert.Empty(t, ups, "open sessions are not uploadable")

	require.NoError(t, s.Close(context.Background()))
	assert.Empty(t, m.OpenStreams())
	assert.ErrorIs(t, s.Store([]string{"a", "b", "c", "d", "e"}), ErrClosed)

	ups, err = m.PendingUploads()
	require.NoError(t, err)
	require.Len(t, ups, 1)
	assert.Equal(t, "gps-1700000000000.csv", ups[0].Name)
	assert.Equal(t, int64(len(open)), ups[0].Size)

	rc, err := m.OpenUpload(ups[0].Path)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, open, body)

	require.NoError(t, m.Remove(ups[0].Path))
	ups, err = m.PendingUploads()
	require.NoError(t, err)
	assert.Empty(t, ups)
}

func TestCSVSameMillisecondSessions(t *testing.T) {
	t.Parallel()

	m, _ := openMemCSV(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		s, err := m.CreateStore("gps", gpsHeader)
		require.NoError(t, err)
		require.NoError(t, s.Close(ctx))
	}
	ups, err := m.PendingUploads()
	require.NoError(t, err)
	require.Len(t, ups, 2)
	assert.Equal(t, "gps-1700000000000-1.csv", ups[0].Name)
	assert.Equal(t, "gps-1700000000000.csv", ups[1].Name)
}

func TestManagerRejects(t *testing.T) {
	t.Parallel()

	m, _ := openMemCSV(t)
	_, err := m.CreateStore("../etc", nil)
	assert.ErrorIs(t, err, ErrInvalidName)

	s, err := m.CreateStore("power", []string{"a", "b"})
	require.NoError(t, err)
	_, err = m.CreateStore("power", nil)
	assert.ErrorIs(t, err, ErrStreamOpen)

	assert.Error(t, s.Store([]string{"only-one"}), "column count must match header")

	assert.ErrorIs(t, m.CloseStore(context.Background(), "nope"), ErrNoStream)
	require.NoError(t, m.CloseStore(context.Background(), "power"))

	assert.Error(t, m.Remove("/etc/passwd"))
}

func TestManagerCloseClosesOpenSinks(t *testing.T) {
	t.Parallel()

	m, _ := openMemCSV(t)
	_, err := m.CreateStore("gps", gpsHeader)
	require.NoError(t, err)
	_, err = m.CreateStore("power", nil)
	require.NoError(t, err)

	require.NoError(t, m.Close(context.Background()))
	ups, err := m.PendingUploads()
	require.NoError(t, err)
	assert.Len(t, ups, 2)

	_, err = m.CreateStore("gps", gpsHeader)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestSQLiteStoresRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m, err := Open(Config{Driver: "sqlite", Dir: dir, BusyTimeout: time.Second, Now: fixedNow}, logx.Nop())
	require.NoError(t, err)
	defer m.Close(context.Background())

	ctx := context.Background()
	s, err := m.CreateStore("gps", gpsHeader)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Store([]string{"1", "2", "3", "4", "5"}))
	}
	be := m.be.(*sqliteStore)
	n, err := be.count(ctx, "gps")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "rows are buffered until flush")

	require.NoError(t, s.Flush())
	n, err = be.count(ctx, "gps")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.Store([]string{"1", "2", "3", "4", "5"}))
	require.NoError(t, s.Close(ctx))

	// A new session continues the sequence.
	s2, err := m.CreateStore("gps", gpsHeader)
	require.NoError(t, err)
	require.NoError(t, s2.Store([]string{"1", "2", "3", "4", "5"}))
	require.NoError(t, s2.Close(ctx))

	var maxSeq int64
	require.NoError(t, be.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM records WHERE stream = 'gps'`).Scan(&maxSeq))
	assert.Equal(t, int64(5), maxSeq)

	var fields string
	require.NoError(t, be.db.QueryRowContext(ctx, `SELECT fields FROM records WHERE stream = 'gps' AND seq = 1`).Scan(&fields))
	assert.Equal(t, `["1","2","3","4","5"]`, fields)

	ups, err := m.PendingUploads()
	require.NoError(t, err)
	assert.Empty(t, ups)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Driver: "mongo", Dir: "/x"}, logx.Nop())
	require.Error(t, err)
}

func TestCSVCloseQueuesUploadEvenWhenContextDone(t *testing.T) {
	t.Parallel()

	m, fs := openMemCSV(t)
	s, err := m.CreateStore("gps", gpsHeader)
	require.NoError(t, err)
	require.NoError(t, s.Store([]string{"1700000000000", "1.5", "2.5", "10", "5"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Close(ctx))

	ok, err := afero.Exists(fs, "/data/gps/gps-1700000000000.csv")
	require.NoError(t, err)
	assert.False(t, ok)

	ups, err := m.PendingUploads()
	require.NoError(t, err)
	require.Len(t, ups, 1)
	assert.Equal(t, "gps-1700000000000.csv", ups[0].Name)
}

func TestCSVOpenRequeuesLeftoverSessions(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/gps/gps-1699999999000.csv", []byte("timestamp\n1\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/power/power-1699999999500.csv", []byte("timestamp\n2\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/gps/notes.txt", []byte("keep"), 0o644))

	m, err := Open(Config{Driver: "csv", Dir: "/data", Fs: fs, Now: fixedNow}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	ups, err := m.PendingUploads()
	require.NoError(t, err)
	require.Len(t, ups, 2)
	assert.Equal(t, "gps-1699999999000.csv", ups[0].Name)
	assert.Equal(t, "power-1699999999500.csv", ups[1].Name)

	ok, err := afero.Exists(fs, "/data/gps/notes.txt")
	require.NoError(t, err)
	assert.True(t, ok, "unrelated files stay put")
}
