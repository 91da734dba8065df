package location

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/pkg/logx"
)

func TestParseReport(t *testing.T) {
	t.Parallel()

	now := func() time.Time { return time.Unix(42, 0) }
	cases := []struct {
		name   string
		line   string
		ok     bool
		errSub string
		want   Fix
	}{
		{
			name: "3d fix",
			line: `{"class":"TPV","mode":3,"time":"2026-01-02T03:04:05.250Z","lat":1.5,"lon":-2.25,"altHAE":12.5,"alt":10,"eph":3.1}`,
			ok:   true,
			want: Fix{Time: time.Date(2026, 1, 2, 3, 4, 5, 250e6, time.UTC), Latitude: 1.5, Longitude: -2.25, Altitude: 12.5, Accuracy: 3.1},
		},
		{
			name: "2d fix without time",
			line: `{"class":"TPV","mode":2,"lat":1,"lon":2,"epx":4,"epy":6}`,
			ok:   true,
			want: Fix{Time: time.Unix(42, 0), Latitude: 1, Longitude: 2, Accuracy: 6},
		},
		{name: "no fix", line: `{"class":"TPV","mode":1}`},
		{name: "other class", line: `{"class":"SKY","satellites":[]}`},
		{name: "gpsd error", line: `{"class":"ERROR","message":"unrecognized request"}`, errSub: "unrecognized"},
		{name: "garbage", line: `not json`, errSub: "bad report"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok, err := parseReport([]byte(tc.line), now)
			if tc.errSub != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errSub)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.True(t, tc.want.Time.Equal(got.Time))
				got.Time = tc.want.Time
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestHaversine(t *testing.T) {
	t.Parallel()

	a := Fix{Latitude: 0, Longitude: 0}
	b := Fix{Latitude: 0, Longitude: 1}
	assert.InDelta(t, 111195, haversine(a, b), 10)
	assert.Zero(t, haversine(a, a))
}

// fakeGPSD accepts one connection, checks the WATCH command and writes lines.
func fakeGPSD(t *testing.T, lines []string) (addr string, watched chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	watched = make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		cmd, _ := bufio.NewReader(conn).ReadString('\n')
		watched <- cmd
		for _, l := range lines {
			fmt.Fprintln(conn, l)
		}
		// Hold the connection until the client disconnects.
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	}()
	return ln.Addr().String(), watched
}

func tpv(lat, lon float64) string {
	return fmt.Sprintf(`{"class":"TPV","mode":3,"time":"2026-01-02T03:04:05Z","lat":%g,"lon":%g,"eph":5}`, lat, lon)
}

func collect(t *testing.T, ch <-chan Update, n int) []Fix {
	t.Helper()
	var out []Fix
	deadline := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case u := <-ch:
			out = append(out, u.Fixes...)
		case <-deadline:
			t.Fatalf("got %d fixes, want %d", len(out), n)
		}
	}
	return out
}

func TestGPSDSourceBestModeDeliversEveryFix(t *testing.T) {
	t.Parallel()

	addr, watched := fakeGPSD(t, []string{
		`{"class":"VERSION","release":"3.25"}`,
		tpv(10, 10),
		tpv(10.00001, 10),
		tpv(10.00002, 10),
	})
	src := NewGPSD(GPSDConfig{Addr: addr, Permission: PermissionAlways}, logx.Nop())
	src.SetMode(ModeBest)
	src.StartUpdates()
	defer src.StopUpdates()

	select {
	case cmd := <-watched:
		assert.True(t, strings.HasPrefix(cmd, `?WATCH={"enable":true,"json":true}`))
	case <-time.After(3 * time.Second):
		t.Fatal("no WATCH command")
	}
	fixes := collect(t, src.Updates(), 3)
	assert.Equal(t, 10.0, fixes[0].Latitude)
	assert.Equal(t, 5.0, fixes[2].Accuracy)
}

func TestGPSDSourceCoarseModeFiltersByDistance(t *testing.T) {
	t.Parallel()

	addr, _ := fakeGPSD(t, []string{
		tpv(10, 10),
		tpv(10.001, 10), // ~111 m: filtered
		tpv(12, 10),     // ~222 km: delivered
	})
	src := NewGPSD(GPSDConfig{Addr: addr, Permission: PermissionAlways}, logx.Nop())
	src.SetMode(ModeCoarse)
	src.StartUpdates()
	defer src.StopUpdates()

	fixes := collect(t, src.Updates(), 2)
	assert.Equal(t, 10.0, fixes[0].Latitude)
	assert.Equal(t, 12.0, fixes[1].Latitude)

	select {
	case u := <-src.Updates():
		assert.Empty(t, u.Fixes, "no further fixes expected")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGPSDSourceReportsDialErrors(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	src := NewGPSD(GPSDConfig{Addr: addr, Reconnect: time.Hour}, logx.Nop())
	assert.True(t, src.ServicesEnabled())
	assert.Equal(t, PermissionNotDetermined, src.Permission())
	src.StartUpdates()

	select {
	case u := <-src.Updates():
		require.Error(t, u.Err)
		assert.Contains(t, u.Err.Error(), "gpsd dial")
	case <-time.After(3 * time.Second):
		t.Fatal("expected a dial error update")
	}

	// StopUpdates interrupts the reconnect wait.
	stopped := make(chan struct{})
	go func() { src.StopUpdates(); close(stopped) }()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("StopUpdates blocked")
	}
}
