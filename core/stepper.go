package core

// Timer-driven step generation for a single axis

import (
	"errors"
	"sync"
	"sync/atomic"
)

const (
	// Queue size for pending moves
	StepperQueueSize = 16
)

// ErrQueueOverflow is returned when a stepper has no free move slots
var ErrQueueOverflow = errors.New("stepper queue overflow")

// StepperMove represents a single queued move segment
type StepperMove struct {
	Interval  uint32 // Step interval in timer ticks
	Count     uint32 // Number of steps in this move
	Direction uint8  // Direction: 0=forward, 1=reverse
}

// Stepper represents a single stepper motor axis.
//
// Queued moves are stepped from the scheduler. Position counts every step
// issued through the queue; pulses issued with Step do not move it.
type Stepper struct {
	Name            string
	MinStopInterval uint32 // Minimum interval between steps (safety limit)

	backend StepperBackend
	sched   *Scheduler

	mu        sync.Mutex
	queue     [StepperQueueSize]StepperMove
	queueHead uint8
	queueTail uint8

	stepTimer Timer

	// Current move state, guarded by mu
	currentInterval uint32
	currentCount    uint32
	currentDir      uint8

	position atomic.Int64
	active   atomic.Bool
}

// NewStepper creates a stepper that steps backend from sched
func NewStepper(name string, sched *Scheduler, backend StepperBackend, minStopInterval uint32) *Stepper {
	s := &Stepper{
		Name:            name,
		MinStopInterval: minStopInterval,
		backend:         backend,
		sched:           sched,
	}
	s.stepTimer.Handler = s.stepperEventHandler
	return s
}

// QueueMove adds a move to the queue and starts stepping if idle
func (s *Stepper) QueueMove(interval uint32, count uint32, dir uint8) error {
	if count == 0 {
		return nil
	}
	if interval < s.MinStopInterval {
		interval = s.MinStopInterval
	}
	if interval == 0 {
		interval = 1
	}

	s.mu.Lock()
	nextTail := (s.queueTail + 1) % StepperQueueSize
	if nextTail == s.queueHead {
		s.mu.Unlock()
		return ErrQueueOverflow
	}
	s.queue[s.queueTail] = StepperMove{
		Interval:  interval,
		Count:     count,
		Direction: dir,
	}
	s.queueTail = nextTail

	start := !s.active.Load() && s.loadNextMove()
	if start {
		s.active.Store(true)
		s.stepTimer.WakeTime = s.sched.Now() + s.currentInterval
	}
	s.mu.Unlock()

	if start {
		s.sched.Schedule(&s.stepTimer)
	}
	return nil
}

// loadNextMove loads the next move from the queue. Must be called with mu held.
func (s *Stepper) loadNextMove() bool {
	if s.queueHead == s.queueTail {
		s.currentCount = 0
		return false
	}

	move := &s.queue[s.queueHead]
	s.currentInterval = move.Interval
	s.currentCount = move.Count
	s.currentDir = move.Direction
	s.backend.SetDirection(move.Direction != 0)

	s.queueHead = (s.queueHead + 1) % StepperQueueSize
	return true
}

// stepperEventHandler is the stepping loop, called once per step
func (s *Stepper) stepperEventHandler(t *Timer) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentCount == 0 {
		s.active.Store(false)
		return SF_DONE
	}

	s.backend.Step()
	if s.currentDir == 0 {
		s.position.Add(1)
	} else {
		s.position.Add(-1)
	}

	s.currentCount--
	if s.currentCount == 0 && !s.loadNextMove() {
		s.active.Store(false)
		return SF_DONE
	}

	t.WakeTime += s.currentInterval
	return SF_RESCHEDULE
}

// Position returns the current position in steps
func (s *Stepper) Position() int64 {
	return s.position.Load()
}

// SetPosition overrides the position counter without moving
func (s *Stepper) SetPosition(steps int64) {
	s.position.Store(steps)
}

// Stop immediately stops the stepper and clears the queue
func (s *Stepper) Stop() {
	s.mu.Lock()
	s.currentCount = 0
	s.queueHead = 0
	s.queueTail = 0
	s.active.Store(false)
	s.mu.Unlock()

	s.sched.Cancel(&s.stepTimer)
	s.backend.Stop()
}

// IsActive returns true if the stepper has pending moves
func (s *Stepper) IsActive() bool {
	return s.active.Load()
}

// SetDirection drives the direction output for pulses issued with Step
func (s *Stepper) SetDirection(reverse bool) {
	s.backend.SetDirection(reverse)
}

// Step issues a single pulse outside the move queue. The position counter
// is not updated; the caller owns reconciling it.
func (s *Stepper) Step() {
	s.backend.Step()
}

// Backend returns the hardware backend name
func (s *Stepper) Backend() string {
	return s.backend.GetName()
}
