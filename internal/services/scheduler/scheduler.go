package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"beacon/internal/clock"
	"beacon/internal/eventbus"
	"beacon/pkg/logx"
)

// Options wires the scheduler to its collaborators. Nil collaborators are
// skipped.
type Options struct {
	Clock     clock.Clock
	Trigger   TriggerSource
	Transfers Transfers
	Surveys   Surveys
	Bus       eventbus.Bus

	MinWake time.Duration // floor for every reschedule; default 1s
	Horizon time.Duration // wake interval with no finite deadline; default 1h
}

// Scheduler is the duty-cycle coordinator. Create one per process.
type Scheduler struct {
	log       logx.Logger
	clk       clock.Clock
	trigger   TriggerSource
	transfers Transfers
	surveys   Surveys
	bus       eventbus.Bus
	minWake   time.Duration
	horizon   time.Duration

	mu             sync.Mutex
	regs           []*Registration
	running        bool
	surveyDeadline Deadline
	timer          clock.Timer
	timerGen       uint64
	wakeAt         Deadline
	release        func() bool
}

func New(opts Options, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.MinWake < DefaultMinWake {
		opts.MinWake = DefaultMinWake
	}
	if opts.Horizon <= 0 {
		opts.Horizon = DefaultHorizon
	}
	return &Scheduler{
		log:       log,
		clk:       opts.Clock,
		trigger:   opts.Trigger,
		transfers: opts.Transfers,
		surveys:   opts.Surveys,
		bus:       opts.Bus,
		minWake:   opts.MinWake,
		horizon:   opts.Horizon,
	}
}

// RegisterService initializes h and, on success, adds it with the given
// duty cycle. The new registration is off and immediately due. off == 0
// keeps the service on forever once started.
func (s *Scheduler) RegisterService(name string, on, off time.Duration, h DataService) bool {
	if h == nil || on < 0 || off < 0 {
		s.log.Warn("service registration invalid", logx.String("service", name))
		return false
	}
	if !s.safeInit(name, h) {
		s.log.Info("service rejected: init failed", logx.String("service", name))
		s.publish(eventbus.ServiceRejected, eventbus.ServiceData{Name: name})
		return false
	}

	s.mu.Lock()
	now := s.clk.Now()
	s.regs = append(s.regs, &Registration{
		Name:        name,
		OnDuration:  on,
		OffDuration: off,
		NextToggle:  At(now),
		Handler:     h,
	})
	if s.running {
		s.tightenLocked(now, now)
	}
	n := len(s.regs)
	s.mu.Unlock()

	s.log.Info("service registered",
		logx.String("service", name),
		logx.Duration("on", on),
		logx.Duration("off", off),
		logx.Int("services", n),
	)
	s.publish(eventbus.ServiceRegistered, eventbus.ServiceData{Name: name})
	return true
}

// RegisterAlwaysOn registers h to start on the next tick and never pause.
func (s *Scheduler) RegisterAlwaysOn(name string, h DataService) bool {
	return s.RegisterService(name, time.Second, 0, h)
}

// Start enables the trigger source and schedules the first poll one MinWake
// from now. The result is the trigger's permission report; the scheduler
// runs either way. Polling halts when ctx is done; Stop is still needed to
// finish the services.
func (s *Scheduler) Start(ctx context.Context) bool {
	permitted := true
	if s.trigger != nil {
		permitted = s.trigger.EnableUpdates()
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Debug("start ignored: already running")
		return permitted
	}
	s.running = true
	now := s.clk.Now()
	s.scheduleLocked(now, s.minWake)
	s.release = context.AfterFunc(ctx, s.halt)
	n := len(s.regs)
	s.mu.Unlock()

	if permitted {
		s.log.Info("scheduler started", logx.Int("services", n))
	} else {
		s.log.Warn("scheduler started without trigger permission", logx.Int("services", n))
	}
	return permitted
}

// Stop disables the trigger source, cancels the timer and finishes every
// service concurrently. Registrations are cleared immediately; the returned
// Shutdown completes when all FinishCollecting calls return and carries the
// first error.
func (s *Scheduler) Stop(ctx context.Context) *Shutdown {
	if s.trigger != nil {
		s.trigger.DisableUpdates()
	}

	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.cancelTimerLocked()
	if s.release != nil {
		s.release()
		s.release = nil
	}
	regs := s.regs
	s.regs = nil
	s.mu.Unlock()

	s.log.Info("scheduler stopping", logx.Bool("was_running", wasRunning), logx.Int("services", len(regs)))
	if len(regs) == 0 {
		return completedShutdown()
	}

	sd := newShutdown()
	var g errgroup.Group
	for _, r := range regs {
		r := r
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("%s: finish panicked: %v", r.Name, p)
				}
			}()
			start := time.Now()
			if err := r.Handler.FinishCollecting(ctx); err != nil {
				s.log.Warn("service finish failed", logx.String("service", r.Name), logx.Err(err))
				return fmt.Errorf("%s: %w", r.Name, err)
			}
			s.log.Debug("service finished", logx.String("service", r.Name), logx.Duration("took", time.Since(start)))
			return nil
		})
	}
	go func() {
		err := g.Wait()
		sd.complete(err)
		if err != nil {
			s.log.Warn("scheduler stopped with errors", logx.Err(err))
			return
		}
		s.log.Info("scheduler stopped")
	}()
	return sd
}

// halt stops polling without finishing the services.
func (s *Scheduler) halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancelTimerLocked()
	s.release = nil
	s.log.Info("scheduler halted: context done", logx.Int("services", len(s.regs)))
}

// ResetNextSurveyUpdate stores the survey deadline. A deadline earlier than
// the scheduled wake reschedules the timer right away.
func (s *Scheduler) ResetNextSurveyUpdate(deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.surveyDeadline = At(deadline)
	if !s.running {
		return
	}
	if s.tightenLocked(s.clk.Now(), deadline) {
		s.log.Debug("survey deadline tightened; rescheduled", logx.Time("deadline", deadline))
	}
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{
		Running:        s.running,
		NextWake:       s.wakeAt,
		SurveyDeadline: s.surveyDeadline,
		Services:       make([]ServiceState, 0, len(s.regs)),
	}
	for _, r := range s.regs {
		out.Services = append(out.Services, ServiceState{
			Name:        r.Name,
			On:          r.CurrentlyOn,
			OnDuration:  r.OnDuration,
			OffDuration: r.OffDuration,
			NextToggle:  r.NextToggle,
			Toggles:     r.toggles,
		})
	}
	return out
}

// onTimer ignores callbacks from timers replaced while the callback was
// waiting for the lock.
func (s *Scheduler) onTimer(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.timerGen {
		return
	}
	s.pollLocked()
}

func (s *Scheduler) pollServices() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollLocked()
}

func (s *Scheduler) pollLocked() {
	s.cancelTimerLocked()
	if !s.running {
		return
	}

	now := s.clk.Now()
	next := s.dispatchLocked(now)

	if s.transfers != nil {
		s.transfers.Trigger()
	}

	if s.surveys != nil && s.surveyDeadline.Passed(now) {
		s.surveyDeadline = At(s.surveys.UpdateActiveSurveys(now))
	}

	wake := Min(s.surveyDeadline, At(next))
	t, _ := wake.Time()
	s.scheduleLocked(now, t.Sub(now))

	s.log.Debug("poll",
		logx.Time("next_wake", s.wakeAtTime()),
		logx.String("survey_deadline", s.surveyDeadline.String()),
	)
	s.publish(eventbus.SchedulerPoll, eventbus.PollData{NextWake: s.wakeAtTime(), Services: len(s.regs)})
}

// dispatchToServices toggles every due registration and returns the
// earliest remaining deadline, capped at now+Horizon so transfers and
// surveys are serviced at least once per Horizon.
func (s *Scheduler) dispatchToServices() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchLocked(s.clk.Now())
}

func (s *Scheduler) dispatchLocked(now time.Time) time.Time {
	next := now.Add(s.horizon)
	for _, r := range s.regs {
		if r.NextToggle.Due(now) {
			s.toggleLocked(r, now)
		}
		if t, ok := r.NextToggle.Time(); ok && t.Before(next) {
			next = t
		}
	}
	return next
}

func (s *Scheduler) toggleLocked(r *Registration, now time.Time) {
	r.toggles++
	if r.CurrentlyOn {
		s.safeCall(r.Name, "pause", r.Handler.PauseCollecting)
		r.CurrentlyOn = false
		r.NextToggle = At(now.Add(r.OffDuration))
		s.log.Debug("service paused", logx.String("service", r.Name), logx.String("next", r.NextToggle.String()))
		s.publish(eventbus.ServicePaused, eventbus.ServiceData{Name: r.Name, NextToggle: r.NextToggle.t})
		return
	}

	s.safeCall(r.Name, "start", r.Handler.StartCollecting)
	r.CurrentlyOn = true
	if r.OffDuration == 0 {
		r.NextToggle = Never()
	} else {
		r.NextToggle = At(now.Add(r.OnDuration))
	}
	s.log.Debug("service started", logx.String("service", r.Name), logx.String("next", r.NextToggle.String()))
	s.publish(eventbus.ServiceStarted, eventbus.ServiceData{Name: r.Name, NextToggle: r.NextToggle.t})
}

// tightenLocked moves the timer to at when that is earlier than the current
// wake instant. It reports whether it rescheduled.
func (s *Scheduler) tightenLocked(now, at time.Time) bool {
	if !At(at).Before(s.wakeAt) {
		return false
	}
	s.cancelTimerLocked()
	s.scheduleLocked(now, at.Sub(now))
	return true
}

// scheduleLocked arms the single timer d from now, floored at MinWake.
func (s *Scheduler) scheduleLocked(now time.Time, d time.Duration) {
	s.cancelTimerLocked()
	if d < s.minWake {
		d = s.minWake
	}
	s.timerGen++
	gen := s.timerGen
	s.wakeAt = At(now.Add(d))
	s.timer = s.clk.AfterFunc(d, func() { s.onTimer(gen) })
}

func (s *Scheduler) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
	s.wakeAt = Never()
}

func (s *Scheduler) wakeAtTime() time.Time {
	t, _ := s.wakeAt.Time()
	return t
}

func (s *Scheduler) safeInit(name string, h DataService) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("panic in service init", logx.String("service", name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			ok = false
		}
	}()
	return h.InitCollecting()
}

func (s *Scheduler) safeCall(name, op string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("panic in service toggle",
				logx.String("service", name),
				logx.String("op", op),
				logx.Any("panic", p),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}

func (s *Scheduler) publish(typ string, data any) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clk.Now(), Data: data})
}
