package core

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Timer represents a scheduled event
type Timer struct {
	WakeTime uint32
	Handler  func(*Timer) uint8
	Next     *Timer

	queued   bool
	canceled bool
}

const (
	SF_DONE       = 0
	SF_RESCHEDULE = 1
)

// ErrNoEdgeDriver is returned by OnEdge when the scheduler has no source of
// input transitions.
var ErrNoEdgeDriver = errors.New("no edge driver configured")

// Scheduler dispatches a sorted list of timers against a tick clock.
//
// Handlers run outside the critical section, so a handler may arm or cancel
// other timers. A timer canceled while its handler is running is not
// rescheduled.
type Scheduler struct {
	timerList *Timer
	now       atomic.Uint32
	edges     EdgeDriver
}

// NewScheduler creates a scheduler whose clock starts at zero
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// SetEdgeDriver installs the source used by OnEdge
func (s *Scheduler) SetEdgeDriver(d EdgeDriver) {
	s.edges = d
}

// Now returns the current time in timer ticks
func (s *Scheduler) Now() uint32 {
	return s.now.Load()
}

// SetTime sets the current time (for hardware integration)
func (s *Scheduler) SetTime(ticks uint32) {
	s.now.Store(ticks)
}

// Schedule adds a timer to the schedule, replacing any pending instance of it
func (s *Scheduler) Schedule(t *Timer) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	if t.queued {
		s.removeTimer(t)
	}
	t.canceled = false
	s.insertTimer(t)
}

// Cancel removes a timer from the schedule
func (s *Scheduler) Cancel(t *Timer) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	if t.queued {
		s.removeTimer(t)
		return
	}
	t.canceled = true
}

// insertTimer inserts a timer in sorted order by WakeTime
func (s *Scheduler) insertTimer(t *Timer) {
	t.queued = true
	if s.timerList == nil || timerIsBefore(t.WakeTime, s.timerList.WakeTime) {
		t.Next = s.timerList
		s.timerList = t
		return
	}

	current := s.timerList
	for current.Next != nil && !timerIsBefore(t.WakeTime, current.Next.WakeTime) {
		current = current.Next
	}

	t.Next = current.Next
	current.Next = t
}

// removeTimer unlinks a queued timer
func (s *Scheduler) removeTimer(t *Timer) {
	prev := &s.timerList
	for *prev != nil {
		if *prev == t {
			*prev = t.Next
			break
		}
		prev = &(*prev).Next
	}
	t.Next = nil
	t.queued = false
}

// Dispatch processes due timers
func (s *Scheduler) Dispatch() {
	now := s.Now()
	state := disableInterrupts()

	for s.timerList != nil && !timerIsBefore(now, s.timerList.WakeTime) {
		timer := s.timerList
		s.timerList = timer.Next
		timer.Next = nil
		timer.queued = false
		timer.canceled = false
		restoreInterrupts(state)

		result := timer.Handler(timer)

		state = disableInterrupts()
		if result == SF_RESCHEDULE && !timer.canceled && !timer.queued {
			s.insertTimer(timer)
		}
	}

	restoreInterrupts(state)
}

// nextWake returns the wake time of the earliest pending timer
func (s *Scheduler) nextWake() (uint32, bool) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	if s.timerList == nil {
		return 0, false
	}
	return s.timerList.WakeTime, true
}

// Advance moves the clock forward by ticks, firing every timer at its own
// wake time along the way. Used by simulations and tests.
func (s *Scheduler) Advance(ticks uint32) {
	target := s.Now() + ticks
	for {
		wake, ok := s.nextWake()
		if !ok || timerIsBefore(target, wake) {
			break
		}
		if timerIsBefore(s.Now(), wake) {
			s.now.Store(wake)
		}
		s.Dispatch()
	}
	s.now.Store(target)
}

// Run drives the clock from the wall clock until ctx is canceled, dispatching
// due timers every resolution.
func (s *Scheduler) Run(ctx context.Context, resolution time.Duration) error {
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()

	start := time.Now()
	base := s.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.now.Store(base + TimerFromDuration(time.Since(start)))
			s.Dispatch()
		}
	}
}

// Periodic is a timer that re-arms itself every period
type Periodic struct {
	timer  Timer
	period uint32
	fn     func()
	sched  *Scheduler
}

// Every runs fn every period ticks, starting one period from now
func (s *Scheduler) Every(period uint32, fn func()) *Periodic {
	if period == 0 {
		period = 1
	}
	p := &Periodic{
		period: period,
		fn:     fn,
		sched:  s,
	}
	p.timer.Handler = p.fire
	p.timer.WakeTime = s.Now() + period
	s.Schedule(&p.timer)
	return p
}

func (p *Periodic) fire(t *Timer) uint8 {
	p.fn()
	t.WakeTime += p.period
	return SF_RESCHEDULE
}

// Period returns the interval in ticks
func (p *Periodic) Period() uint32 {
	return p.period
}

// Stop cancels the periodic timer
func (p *Periodic) Stop() {
	p.sched.Cancel(&p.timer)
}

// Once runs fn a single time after delay ticks
func (s *Scheduler) Once(delay uint32, fn func()) *Timer {
	t := &Timer{
		WakeTime: s.Now() + delay,
		Handler: func(*Timer) uint8 {
			fn()
			return SF_DONE
		},
	}
	s.Schedule(t)
	return t
}

// OnEdge runs fn on every transition of the given input pin
func (s *Scheduler) OnEdge(pin GPIOPin, fn func()) error {
	if s.edges == nil {
		return ErrNoEdgeDriver
	}
	return s.edges.WatchEdges(pin, fn)
}
