package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/internal/storage"
	"beacon/pkg/logx"
)

type fakeSource struct {
	mu        sync.Mutex
	perm      Permission
	enabled   bool
	modes     []Mode
	started   int
	stopped   int
	requested int
	ch        chan Update
}

func newFakeSource() *fakeSource {
	return &fakeSource{perm: PermissionAlways, enabled: true, ch: make(chan Update, 8)}
}

func (f *fakeSource) Permission() Permission { return f.perm }
func (f *fakeSource) ServicesEnabled() bool  { return f.enabled }
func (f *fakeSource) RequestAlwaysAuthorization() {
	f.mu.Lock()
	f.requested++
	f.mu.Unlock()
}
func (f *fakeSource) StartUpdates() { f.mu.Lock(); f.started++; f.mu.Unlock() }
func (f *fakeSource) StopUpdates()  { f.mu.Lock(); f.stopped++; f.mu.Unlock() }
func (f *fakeSource) SetMode(m Mode) {
	f.mu.Lock()
	f.modes = append(f.modes, m)
	f.mu.Unlock()
}
func (f *fakeSource) Updates() <-chan Update { return f.ch }

func (f *fakeSource) lastMode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modes[len(f.modes)-1]
}

type memSink struct {
	mu      sync.Mutex
	records [][]string
	flushes int
	closed  bool
}

func (s *memSink) Store(r []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.records = append(s.records, r)
	return nil
}

func (s *memSink) Flush() error {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

func (s *memSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memSink) snapshot() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.records...)
}

type memStores struct {
	sink    *memSink
	name    string
	header  []string
	openErr error
}

func (m *memStores) CreateStore(name string, header []string) (storage.Sink, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	m.name, m.header = name, header
	m.sink = &memSink{}
	return m.sink, nil
}

func (m *memStores) CloseStore(ctx context.Context, name string) error {
	if m.sink == nil || name != m.name {
		return storage.ErrNoStream
	}
	return m.sink.Close(ctx)
}

// deliver hands u to the collector synchronously.
func deliver(c *Collector, u Update) { c.handle(u) }

var fixA = Fix{
	Time:      time.UnixMilli(1_700_000_000_123),
	Latitude:  47.6062,
	Longitude: -122.3321,
	Altitude:  56.5,
	Accuracy:  4.2,
}

func TestInitRequiresAlwaysPermissionAndService(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		perm    Permission
		enabled bool
		openErr error
		want    bool
	}{
		{"always", PermissionAlways, true, nil, true},
		{"when in use", PermissionWhenInUse, true, nil, false},
		{"denied", PermissionDenied, true, nil, false},
		{"service disabled", PermissionAlways, false, nil, false},
		{"store error", PermissionAlways, true, errors.New("disk full"), false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src := newFakeSource()
			src.perm, src.enabled = tc.perm, tc.enabled
			st := &memStores{openErr: tc.openErr}
			c := New(src, st, logx.Nop())
			assert.Equal(t, tc.want, c.InitCollecting())
			if tc.want {
				assert.Equal(t, "gps", st.name)
				assert.Equal(t, []string{"timestamp", "latitude", "longitude", "altitude", "accuracy"}, st.header)
				assert.False(t, c.Sampling())
			} else if tc.openErr == nil {
				assert.Nil(t, st.sink, "no sink opened when not allowed")
			}
		})
	}
}

func TestFixesRecordedOnlyWhileSampling(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	st := &memStores{}
	c := New(src, st, logx.Nop())
	require.True(t, c.InitCollecting())
	require.True(t, c.EnableUpdates())

	deliver(c, Update{Fixes: []Fix{fixA, fixA}})
	assert.Empty(t, st.sink.snapshot(), "not sampling: dropped")

	c.StartCollecting()
	assert.Equal(t, ModeBest, src.lastMode())
	deliver(c, Update{Fixes: []Fix{fixA, fixA}})
	recs := st.sink.snapshot()
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"1700000000123", "47.6062", "-122.3321", "56.5", "4.2"}, recs[0])
	assert.Equal(t, uint64(2), c.Recorded())

	c.PauseCollecting()
	assert.Equal(t, ModeCoarse, src.lastMode())
	assert.Equal(t, 1, st.sink.flushes)
	deliver(c, Update{Fixes: []Fix{fixA}})
	assert.Len(t, st.sink.snapshot(), 2)
}

func TestBatchesDroppedWhileUpdatesDisabled(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	st := &memStores{}
	c := New(src, st, logx.Nop())
	require.True(t, c.InitCollecting())
	c.StartCollecting()

	deliver(c, Update{Fixes: []Fix{fixA}})
	assert.Empty(t, st.sink.snapshot(), "trigger not enabled yet")

	c.EnableUpdates()
	deliver(c, Update{Fixes: []Fix{fixA}})
	assert.Len(t, st.sink.snapshot(), 1)

	c.DisableUpdates()
	deliver(c, Update{Fixes: []Fix{fixA}})
	assert.Len(t, st.sink.snapshot(), 1)
	assert.Equal(t, 1, src.stopped)
}

func TestEnableUpdatesStartsCoarse(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.perm = PermissionWhenInUse
	c := New(src, &memStores{}, logx.Nop())

	assert.False(t, c.EnableUpdates(), "reports missing permission")
	assert.Equal(t, 1, src.requested)
	assert.Equal(t, 1, src.started)
	assert.Equal(t, ModeCoarse, src.lastMode())
}

func TestFeedErrorResetsDeferring(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	c := New(src, &memStores{}, logx.Nop())
	require.True(t, c.InitCollecting())
	c.PauseCollecting()
	assert.True(t, c.Deferring())

	deliver(c, Update{Err: errors.New("deferred updates failed")})
	assert.False(t, c.Deferring())
}

func TestFinishClosesStore(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	st := &memStores{}
	c := New(src, st, logx.Nop())
	require.True(t, c.InitCollecting())
	c.EnableUpdates()
	c.StartCollecting()

	require.NoError(t, c.FinishCollecting(context.Background()))
	assert.False(t, c.Sampling())
	assert.True(t, st.sink.closed)

	deliver(c, Update{Fixes: []Fix{fixA}})
	assert.Empty(t, st.sink.snapshot())

	// A second finish has nothing left to close.
	require.NoError(t, c.FinishCollecting(context.Background()))
}

func TestRunConsumesFeed(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	st := &memStores{}
	c := New(src, st, logx.Nop())
	require.True(t, c.InitCollecting())
	c.EnableUpdates()
	c.StartCollecting()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	src.ch <- Update{Fixes: []Fix{fixA}}
	require.Eventually(t, func() bool { return c.Recorded() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestCollectorWithStorageManager(t *testing.T) {
	t.Parallel()

	mgr, err := storage.Open(storage.Config{Driver: "sqlite", Dir: t.TempDir()}, logx.Nop())
	require.NoError(t, err)
	defer mgr.Close(context.Background())

	c := New(newFakeSource(), mgr, logx.Nop())
	require.True(t, c.InitCollecting())
	assert.Equal(t, []string{"gps"}, mgr.OpenStreams())
	c.EnableUpdates()
	c.StartCollecting()
	deliver(c, Update{Fixes: []Fix{fixA}})

	require.NoError(t, c.FinishCollecting(context.Background()))
	assert.Empty(t, mgr.OpenStreams())
}

func TestParsePermission(t *testing.T) {
	t.Parallel()

	assert.Equal(t, PermissionAlways, ParsePermission(" Always "))
	assert.Equal(t, PermissionWhenInUse, ParsePermission("when_in_use"))
	assert.Equal(t, PermissionDenied, ParsePermission("denied"))
	assert.Equal(t, PermissionNotDetermined, ParsePermission(""))
	assert.Equal(t, ModeSettings{DesiredAccuracy: 3000, DistanceFilter: 99999}, ModeCoarse.Settings())
	assert.Equal(t, ModeSettings{}, ModeBest.Settings())
}
