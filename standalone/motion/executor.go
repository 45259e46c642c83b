// Package motion executes straight line axis moves on scheduler-driven
// steppers and is the authority for the machine position.
//
// Moves run at constant velocity, one at a time, in the order queued. Poll
// starts the next queued move once every axis has finished the previous one.
package motion

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"spindlesync/core"
)

var (
	// ErrOutOfLimits is returned for a move ending outside an axis' limits
	ErrOutOfLimits = errors.New("position out of limits")

	// ErrAxisNotConfigured is returned when an axis has no stepper
	ErrAxisNotConfigured = errors.New("axis not configured")

	// ErrQueueFull is returned when too many moves are pending
	ErrQueueFull = errors.New("move queue full")
)

// QueueSize is the number of moves that may wait behind the running one
const QueueSize = 32

// AxisConfig describes one stepper driven axis
type AxisConfig struct {
	StepsPerMM  float64
	MaxVelocity float64 // mm/s
	Limits      Limits
}

type axis struct {
	cfg     AxisConfig
	stepper *core.Stepper
}

type move struct {
	end  Position
	feed float64 // mm/s, 0 for a rapid
}

// Executor runs queued moves on up to three axes
type Executor struct {
	sched  *core.Scheduler
	logger *zap.Logger
	axes   [numAxes]*axis

	mu      sync.Mutex
	queue   []move
	current Position // end of the move last started
	planned Position // end of the move last queued
}

// NewExecutor creates an executor with no axes
func NewExecutor(sched *core.Scheduler, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		sched:  sched,
		logger: logger.Named("motion"),
		queue:  make([]move, 0, QueueSize),
	}
}

// AddAxis attaches a stepper to axis a
func (e *Executor) AddAxis(a Axis, cfg AxisConfig, stepper *core.Stepper) error {
	if a < 0 || a >= numAxes {
		return fmt.Errorf("add axis: %w: %s", ErrAxisNotConfigured, a)
	}
	if cfg.StepsPerMM <= 0 {
		return fmt.Errorf("axis %s: steps_per_mm must be positive, got %v", a, cfg.StepsPerMM)
	}
	if cfg.MaxVelocity <= 0 {
		cfg.MaxVelocity = 10
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ax := &axis{cfg: cfg, stepper: stepper}
	stepper.SetPosition(ax.toSteps(e.current.get(a)))
	e.axes[a] = ax
	e.logger.Info("axis configured",
		zap.Stringer("axis", a),
		zap.Float64("steps_per_mm", cfg.StepsPerMM),
		zap.Float64("max_velocity", cfg.MaxVelocity),
		zap.String("backend", stepper.Backend()))
	return nil
}

// Stepper returns the stepper driving axis a
func (e *Executor) Stepper(a Axis) (*core.Stepper, error) {
	if a < 0 || a >= numAxes || e.axes[a] == nil {
		return nil, fmt.Errorf("%w: %s", ErrAxisNotConfigured, a)
	}
	return e.axes[a].stepper, nil
}

// StepsPerMM returns the resolution of axis a, or 0 when not configured
func (e *Executor) StepsPerMM(a Axis) float64 {
	if a < 0 || a >= numAxes || e.axes[a] == nil {
		return 0
	}
	return e.axes[a].cfg.StepsPerMM
}

// Rapid queues a move to pos at the axes' maximum velocity
func (e *Executor) Rapid(pos Position) error {
	return e.enqueue(move{end: pos})
}

// Linear queues a move to pos at feed mm/s, limited by the axes' maximum
// velocity
func (e *Executor) Linear(pos Position, feed float64) error {
	if feed <= 0 {
		return fmt.Errorf("feed must be positive, got %v", feed)
	}
	return e.enqueue(move{end: pos, feed: feed})
}

func (e *Executor) enqueue(m move) error {
	if err := e.checkLimits(m.end); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) >= QueueSize {
		return ErrQueueFull
	}
	e.queue = append(e.queue, m)
	e.planned = m.end

	if !e.busyLocked() {
		e.startNextLocked()
	}
	return nil
}

// Poll starts the next queued move once the running one has finished.
// Called from the polling loop.
func (e *Executor) Poll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.busyLocked() {
		e.startNextLocked()
	}
}

func (e *Executor) busyLocked() bool {
	for _, ax := range e.axes {
		if ax != nil && ax.stepper.IsActive() {
			return true
		}
	}
	return false
}

// startNextLocked starts queued moves until one produces steps
func (e *Executor) startNextLocked() {
	for len(e.queue) > 0 {
		m := e.queue[0]
		e.queue = e.queue[1:]
		if e.startLocked(m) {
			return
		}
	}
}

// startLocked splits m into one constant rate segment per axis. Returns
// false when the move produced no steps.
func (e *Executor) startLocked(m move) bool {
	start := e.current
	e.current = m.end

	dist := start.Distance(m.end)
	if dist == 0 {
		return false
	}

	// Limit the path velocity so no axis exceeds its maximum
	vel := m.feed
	if vel == 0 {
		vel = math.Inf(1)
	}
	for i, ax := range e.axes {
		if ax == nil {
			continue
		}
		d := math.Abs(m.end.get(Axis(i)) - start.get(Axis(i)))
		if d == 0 {
			continue
		}
		if limit := ax.cfg.MaxVelocity * dist / d; limit < vel {
			vel = limit
		}
	}
	if math.IsInf(vel, 1) {
		// Only unconfigured axes moved
		return false
	}
	duration := dist / vel

	stepped := false
	for i, ax := range e.axes {
		if ax == nil {
			continue
		}
		steps := ax.toSteps(m.end.get(Axis(i))) - ax.stepper.Position()
		if steps == 0 {
			continue
		}
		var dir uint8
		if steps < 0 {
			dir = 1
			steps = -steps
		}
		interval := uint32(duration * float64(core.TimerFreq) / float64(steps))
		if err := ax.stepper.QueueMove(interval, uint32(steps), dir); err != nil {
			e.logger.Error("queue move", zap.Stringer("axis", Axis(i)), zap.Error(err))
			continue
		}
		stepped = true
	}

	e.logger.Debug("move",
		zap.Float64("x", m.end.X), zap.Float64("y", m.end.Y), zap.Float64("z", m.end.Z),
		zap.Float64("velocity", vel), zap.Float64("duration_s", duration))
	return stepped
}

// Idle reports whether no move is queued or running
func (e *Executor) Idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue) == 0 && !e.busyLocked()
}

// Position returns the live machine position. Configured axes are read from
// their step counters.
func (e *Executor) Position() Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionLocked()
}

func (e *Executor) positionLocked() Position {
	pos := e.current
	for i, ax := range e.axes {
		if ax != nil {
			pos.set(Axis(i), ax.toMM(ax.stepper.Position()))
		}
	}
	return pos
}

// Planned returns the end of the last queued move. Relative and partial
// moves are resolved against it.
func (e *Executor) Planned() Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.planned
}

// ResetPosition declares the machine to be at pos without moving
func (e *Executor) ResetPosition(pos Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = pos
	e.planned = pos
	for i, ax := range e.axes {
		if ax != nil {
			ax.stepper.SetPosition(ax.toSteps(pos.get(Axis(i))))
		}
	}
}

// Stop halts all axes and drops queued moves. The position is kept where
// the axes stopped.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = e.queue[:0]
	for _, ax := range e.axes {
		if ax != nil {
			ax.stepper.Stop()
		}
	}
	e.current = e.positionLocked()
	e.planned = e.current
	e.logger.Info("motion stopped")
}
