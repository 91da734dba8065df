package survey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/internal/clock"
	"beacon/internal/eventbus"
	"beacon/internal/services/scheduler"
	"beacon/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// Service satisfies the scheduler's collaborator interface.
var _ scheduler.Surveys = (*Service)(nil)

func newTestService(t *testing.T) (*Service, *clock.Fake, <-chan eventbus.Event) {
	t.Helper()
	clk := clock.NewFake(t0)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	t.Cleanup(unsub)
	return New(Options{Clock: clk, Bus: bus}, logx.Nop()), clk, ch
}

func TestNoSurveysRefreshesDaily(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestService(t)
	next, err := s.Apply(nil, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(IdleRefresh), next)
	assert.Equal(t, t0.Add(IdleRefresh), s.UpdateActiveSurveys(t0))
	assert.True(t, s.Next().IsZero())
}

func TestApplyReturnsEarliestTrigger(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestService(t)
	next, err := s.Apply([]Definition{
		{ID: "daily", Schedule: "0 12 * * *"},
		{ID: "short", Schedule: "45m"},
	}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(45*time.Minute), next)
}

func TestApplyRejectsBadScheduleAndKeepsPrevious(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestService(t)
	_, err := s.Apply([]Definition{{ID: "a", Schedule: "30m"}}, time.UTC)
	require.NoError(t, err)

	_, err = s.Apply([]Definition{{ID: "b", Schedule: "bogus"}}, time.UTC)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `survey "b"`)
	assert.Equal(t, t0.Add(30*time.Minute), s.Next())
}

func TestUpdateActivatesDueSurveys(t *testing.T) {
	t.Parallel()

	s, clk, events := newTestService(t)
	_, err := s.Apply([]Definition{
		{ID: "morning", Schedule: "0 11 * * *"},
		{ID: "hourly", Schedule: "@hourly"},
	}, time.UTC)
	require.NoError(t, err)

	// Nothing due yet.
	assert.Equal(t, t0.Add(time.Hour), s.UpdateActiveSurveys(t0.Add(30*time.Minute)))
	assert.Empty(t, s.Active())

	clk.Advance(time.Hour)
	next := s.UpdateActiveSurveys(clk.Now())
	assert.Equal(t, []string{"hourly", "morning"}, s.Active())
	assert.Equal(t, t0.Add(2*time.Hour), next)

	got := map[string]time.Time{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			require.Equal(t, eventbus.SurveyDue, e.Type)
			d := e.Data.(eventbus.SurveyData)
			got[d.ID] = d.Next
		case <-time.After(time.Second):
			t.Fatal("missing survey.due event")
		}
	}
	assert.Equal(t, t0.Add(2*time.Hour), got["hourly"])
	assert.Equal(t, t0.Add(25*time.Hour), got["morning"])

	assert.True(t, s.Complete("hourly"))
	assert.False(t, s.Complete("hourly"))
	assert.Equal(t, []string{"morning"}, s.Active())
}

func TestApplyKeepsUnchangedTriggers(t *testing.T) {
	t.Parallel()

	s, clk, _ := newTestService(t)
	_, err := s.Apply([]Definition{{ID: "a", Schedule: "1h"}, {ID: "b", Schedule: "2h"}}, time.UTC)
	require.NoError(t, err)

	clk.Advance(30 * time.Minute)
	next, err := s.Apply([]Definition{{ID: "a", Schedule: "1h"}, {ID: "b", Schedule: "3h"}}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), next, "a keeps its trigger")

	// b was rescheduled from the reload instant.
	clk.Advance(time.Hour)
	s.UpdateActiveSurveys(clk.Now())
	assert.Equal(t, []string{"a"}, s.Active())
	assert.Equal(t, t0.Add(30*time.Minute+time.Hour+time.Hour), s.Next())
}

func TestApplyDropsActiveRemovedSurveys(t *testing.T) {
	t.Parallel()

	s, clk, _ := newTestService(t)
	_, err := s.Apply([]Definition{{ID: "a", Schedule: "10m"}}, time.UTC)
	require.NoError(t, err)
	clk.Advance(10 * time.Minute)
	s.UpdateActiveSurveys(clk.Now())
	require.Equal(t, []string{"a"}, s.Active())

	_, err = s.Apply(nil, time.UTC)
	require.NoError(t, err)
	assert.Empty(t, s.Active())
}

func TestTimezoneAppliesToCron(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+2", 2*3600)
	s, _, _ := newTestService(t)
	// 13:00 at UTC+2 is 11:00 UTC.
	next, err := s.Apply([]Definition{{ID: "noon", Schedule: "0 13 * * *"}}, loc)
	require.NoError(t, err)
	assert.True(t, next.Equal(t0.Add(time.Hour)), "got %v", next)
}
