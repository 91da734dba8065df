package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	var got []string
	c.AfterFunc(3*time.Second, func() { got = append(got, "c") })
	c.AfterFunc(1*time.Second, func() { got = append(got, "a") })
	c.AfterFunc(2*time.Second, func() { got = append(got, "b1") })
	c.AfterFunc(2*time.Second, func() { got = append(got, "b2") })

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b1", "b2"}, got)
	assert.Equal(t, epoch.Add(2*time.Second), c.Now())
	assert.Equal(t, 1, c.Pending())

	c.Advance(10 * time.Second)
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, got)
	assert.Equal(t, epoch.Add(12*time.Second), c.Now())
}

func TestFakeCallbackSeesItsDeadline(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	var at time.Time
	c.AfterFunc(5*time.Second, func() { at = c.Now() })
	c.Advance(time.Minute)
	assert.Equal(t, epoch.Add(5*time.Second), at)
}

func TestFakeChainedTimersInsideWindow(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	fired := 0
	var rearm func()
	rearm = func() {
		fired++
		c.AfterFunc(time.Second, rearm)
	}
	c.AfterFunc(time.Second, rearm)

	c.Advance(5 * time.Second)
	assert.Equal(t, 5, fired)
	next, ok := c.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(6*time.Second), next)
}

func TestFakeStop(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())

	c.Advance(time.Hour)
	assert.False(t, fired)
	_, ok := c.NextDeadline()
	assert.False(t, ok)
}

func TestFakeSetDoesNotFire(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	fired := false
	c.AfterFunc(time.Second, func() { fired = true })
	c.Set(epoch.Add(time.Hour))
	assert.False(t, fired)

	c.Advance(0)
	assert.True(t, fired)
	assert.Equal(t, epoch.Add(time.Hour), c.Now())
}
