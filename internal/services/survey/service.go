// Package survey tracks when configured surveys become due. The scheduler
// only consumes its next-refresh deadline.
package survey

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"beacon/internal/clock"
	"beacon/internal/eventbus"
	"beacon/pkg/logx"
)

// IdleRefresh is how far ahead the next refresh lies when no survey is
// configured.
const IdleRefresh = 24 * time.Hour

// Definition is one configured survey.
type Definition struct {
	ID       string
	Schedule string
}

type entry struct {
	id    string
	raw   string
	spec  Spec
	sched cron.Schedule
	next  time.Time
}

type Options struct {
	Clock clock.Clock
	Bus   eventbus.Bus
}

type Service struct {
	log   logx.Logger
	clock clock.Clock
	bus   eventbus.Bus

	mu      sync.Mutex
	loc     *time.Location
	entries []*entry
	active  map[string]time.Time
}

func New(opts Options, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	return &Service{
		log:    log,
		clock:  opts.Clock,
		bus:    opts.Bus,
		loc:    time.Local,
		active: map[string]time.Time{},
	}
}

// Apply replaces the survey set and returns the earliest next trigger.
// Surveys whose id and schedule are unchanged keep their pending trigger.
// On error the previous set stays in place.
func (s *Service) Apply(defs []Definition, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make(map[string]*entry, len(s.entries))
	for _, e := range s.entries {
		prev[e.id] = e
	}
	sameLoc := s.loc.String() == loc.String()

	entries := make([]*entry, 0, len(defs))
	for _, d := range defs {
		spec, err := ParseSchedule(d.Schedule)
		if err != nil {
			return time.Time{}, fmt.Errorf("survey %q: %w", d.ID, err)
		}
		sched, err := spec.Schedule()
		if err != nil {
			return time.Time{}, fmt.Errorf("survey %q: %w", d.ID, err)
		}
		e := &entry{id: d.ID, raw: d.Schedule, spec: spec, sched: sched}
		if old, ok := prev[d.ID]; ok && old.raw == d.Schedule && sameLoc {
			e.next = old.next
		} else {
			e.next = sched.Next(now.In(loc))
		}
		entries = append(entries, e)
	}

	for id := range s.active {
		if !containsID(entries, id) {
			delete(s.active, id)
		}
	}
	s.loc = loc
	s.entries = entries
	next := s.earliestLocked(now)
	s.log.Info("surveys applied", logx.Int("count", len(entries)), logx.String("tz", loc.String()), logx.Time("next", next))
	return next, nil
}

// UpdateActiveSurveys activates every survey whose trigger is at or before
// now, advances its trigger and returns the earliest upcoming one.
func (s *Service) UpdateActiveSurveys(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.next.IsZero() || e.next.After(now) {
			continue
		}
		due := e.next
		e.next = e.sched.Next(now.In(s.loc))
		s.active[e.id] = due
		s.log.Info("survey due", logx.String("survey", e.id), logx.String("schedule", e.spec.String()), logx.Time("due", due), logx.Time("next", e.next))
		s.bus.Publish(eventbus.Event{
			Type: eventbus.SurveyDue,
			Time: now,
			Data: eventbus.SurveyData{ID: e.id, Next: e.next},
		})
	}
	return s.earliestLocked(now)
}

// Active lists the ids of active surveys, sorted.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Complete clears an active survey. It reports whether id was active.
func (s *Service) Complete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; !ok {
		return false
	}
	delete(s.active, id)
	return true
}

// Next returns the earliest pending trigger, or the zero time when no
// survey is configured.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstLocked()
}

func (s *Service) firstLocked() time.Time {
	var first time.Time
	for _, e := range s.entries {
		if !e.next.IsZero() && (first.IsZero() || e.next.Before(first)) {
			first = e.next
		}
	}
	return first
}

func (s *Service) earliestLocked(now time.Time) time.Time {
	if first := s.firstLocked(); !first.IsZero() {
		return first
	}
	return now.Add(IdleRefresh)
}

func containsID(entries []*entry, id string) bool {
	for _, e := range entries {
		if e.id == id {
			return true
		}
	}
	return false
}
