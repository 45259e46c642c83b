// Package tapping runs rigid tapping cycles: the Z axis is stepped in
// proportion to spindle encoder counts so that the feed per revolution
// matches the thread pitch regardless of spindle speed.
//
// A hole is an explicit state machine advanced by Poll from the polling
// loop. Z pulses are issued from a scheduler timer whose interval is
// recomputed from the encoder every update period. The timer only counts
// pulses; every phase change happens in Poll.
package tapping

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"spindlesync/core"
	"spindlesync/standalone/encoder"
	"spindlesync/standalone/motion"
)

var (
	// ErrNoCycle is returned by Repeat outside a cycle group
	ErrNoCycle = errors.New("no tapping cycle active")

	// ErrBusy is returned when a hole is requested while one is running
	ErrBusy = errors.New("tapping cycle in progress")

	// ErrNoFeed is returned when a hole has no feed per revolution
	ErrNoFeed = errors.New("tapping feed per revolution not set")

	// ErrNoAxis is returned when the Z axis resolution is unknown
	ErrNoAxis = errors.New("tapping axis not configured")

	// ErrNoDepth is returned when the hole bottom is not below the R plane
	ErrNoDepth = errors.New("hole bottom is not below the R plane")
)

// Phase is the stage of the hole being tapped
type Phase uint32

const (
	Idle Phase = iota
	RapidToXY
	RapidToR
	SyncFeedToDepth
	Reverse
	SyncRetract
	RetractToInitialZ
)

var phaseNames = [...]string{
	Idle:              "idle",
	RapidToXY:         "rapid-xy",
	RapidToR:          "rapid-r",
	SyncFeedToDepth:   "sync-feed",
	Reverse:           "reverse",
	SyncRetract:       "sync-retract",
	RetractToInitialZ: "retract",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint32(p))
}

// Hand selects the thread direction
type Hand uint8

const (
	// RightHand taps with the spindle forward (G84)
	RightHand Hand = iota
	// LeftHand taps with the spindle reversed (G74)
	LeftHand
)

// inCode and outCode are the spindle commands for feeding in and backing out
func (h Hand) inCode() string {
	if h == LeftHand {
		return "M4"
	}
	return "M3"
}

func (h Hand) outCode() string {
	if h == LeftHand {
		return "M3"
	}
	return "M4"
}

// RetractMode selects where the tool goes after a hole
type RetractMode uint8

const (
	// RetractToInitial returns to the Z height at cycle start (G98)
	RetractToInitial RetractMode = iota
	// RetractToR returns to the R plane (G99)
	RetractToR
)

// Words are the letter values of a cycle command. Only letters present in
// the command are set.
type Words map[byte]float64

// Sticky are the parameters that persist across holes of a cycle group
type Sticky struct {
	Z    float64 // hole depth
	R    float64 // retract plane
	F    float64 // feed per revolution
	Q    float64 // peck increment
	S    int     // spindle rpm
	RSet bool
}

func (s *Sticky) update(w Words) {
	if v, ok := w['Z']; ok {
		s.Z = v
	}
	if v, ok := w['R']; ok {
		s.R = v
		s.RSet = true
	}
	if v, ok := w['F']; ok {
		s.F = v
	}
	if v, ok := w['Q']; ok {
		s.Q = v
	}
	if v, ok := w['S']; ok {
		s.S = int(v)
	}
}

// Dispatcher executes a G-code line. It must not call back into the
// Controller.
type Dispatcher interface {
	Dispatch(line string) error
}

// Motion is the axis executor the cycle positions with
type Motion interface {
	Idle() bool
	Position() motion.Position
	ResetPosition(pos motion.Position)
	Rapid(pos motion.Position) error
}

// Axis is the Z stepper driven pulse by pulse during synchronized moves
type Axis interface {
	// SetDirection selects the sign of following pulses. negative moves
	// toward -Z, into the hole, the same sense as core.Stepper's reverse.
	SetDirection(negative bool)
	Step()
}

// Config holds the cycle parameters
type Config struct {
	StepsPerMM       float64 // Z axis resolution
	UpdateMS         uint32  // step rate recompute period
	ReconcileMS      uint32  // position reconcile period
	ReverseDelay     uint32  // recompute periods between bottom and reversal
	RetractTolerance int64   // pulses from the start plane that end the retract
	Debug            bool
}

// DefaultConfig returns the stock cycle parameters
func DefaultConfig() Config {
	return Config{
		UpdateMS:         50,
		ReconcileMS:      300,
		ReverseDelay:     15,
		RetractTolerance: 10,
	}
}

// Status is a snapshot of the cycle
type Status struct {
	Phase         Phase
	Group         bool
	Hand          Hand
	Retract       RetractMode
	Sticky        Sticky
	InitialZ      float64
	TargetPulses  int64
	TotalPulses   int64
	ReachedBottom bool
	Holes         uint64
	Rejected      uint64 // holes dropped for lack of depth
}

// request is a hole waiting for the axes to go idle
type request struct {
	words Words
}

// Controller runs tapping cycles
type Controller struct {
	cfg     Config
	decoder encoder.Decoder
	motion  Motion
	axis    Axis
	gcode   Dispatcher
	sched   *core.Scheduler
	logger  *zap.Logger
	trace   *core.EventRing

	// Cycle state, owned by the polling loop
	mu            sync.Mutex
	phase         atomic.Uint32
	group         bool
	hand          Hand
	retract       RetractMode
	sticky        Sticky
	initialZ      float64
	needInitialZ  bool
	pending       *request
	targetPulses  int64
	reachedBottom bool
	bottomAt      uint32
	reconciled    int64
	lastReconcile uint32
	holes         uint64
	rejected      uint64

	pulses pulseScheduler
}

// NewController creates a tapping controller
func NewController(cfg Config, decoder encoder.Decoder, mot Motion, axis Axis,
	gcode Dispatcher, sched *core.Scheduler, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if decoder == nil {
		return nil, errors.New("tapping needs an encoder")
	}
	if mot == nil || axis == nil || gcode == nil || sched == nil {
		return nil, errors.New("tapping needs motion, axis, dispatcher and scheduler")
	}
	if cfg.StepsPerMM <= 0 {
		return nil, ErrNoAxis
	}
	def := DefaultConfig()
	if cfg.UpdateMS == 0 {
		cfg.UpdateMS = def.UpdateMS
	}
	if cfg.ReconcileMS == 0 {
		cfg.ReconcileMS = def.ReconcileMS
	}
	if cfg.ReverseDelay == 0 {
		cfg.ReverseDelay = def.ReverseDelay
	}
	if cfg.RetractTolerance <= 0 {
		cfg.RetractTolerance = def.RetractTolerance
	}

	c := &Controller{
		cfg:     cfg,
		decoder: decoder,
		motion:  mot,
		axis:    axis,
		gcode:   gcode,
		sched:   sched,
		logger:  logger.Named("tapping"),
		trace:   core.NewEventRing(traceNames),
	}
	c.pulses.stepTimer.Handler = c.stepEvent
	return c, nil
}

// Begin starts a cycle group (G84 right hand, G74 left hand) and requests
// the first hole. Sticky values are reset before w is applied.
func (c *Controller) Begin(hand Hand, w Words) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busyLocked() {
		return ErrBusy
	}
	c.sticky = Sticky{}
	c.sticky.update(w)
	c.hand = hand
	c.group = true
	c.needInitialZ = true
	return c.requestLocked(w)
}

// Repeat taps another hole of the current group at the X/Y in w (G79).
// Letters present in w update the sticky values.
func (c *Controller) Repeat(w Words) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.group {
		return ErrNoCycle
	}
	if c.busyLocked() {
		return ErrBusy
	}
	c.sticky.update(w)
	return c.requestLocked(w)
}

func (c *Controller) requestLocked(w Words) error {
	if c.sticky.F <= 0 {
		return ErrNoFeed
	}
	// Without R the plane is the initial Z, unknown until the axes settle
	if (c.sticky.RSet || !c.needInitialZ) && c.depthPulses() <= 0 {
		return ErrNoDepth
	}
	c.pending = &request{words: w}
	c.trace.Record(traceRequest, c.sched.Now(), int64(c.holes), 0)
	return nil
}

func (c *Controller) busyLocked() bool {
	return c.pending != nil || c.Phase() != Idle
}

// Cancel ends the cycle group (G80) and resets sticky values. A hole
// already running completes.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.group = false
	c.pending = nil
	c.sticky = Sticky{}
}

// SetRetractMode selects G98 or G99 retract for following holes
func (c *Controller) SetRetractMode(m RetractMode) {
	c.mu.Lock()
	c.retract = m
	c.mu.Unlock()
}

// Phase returns the current phase
func (c *Controller) Phase() Phase {
	return Phase(c.phase.Load())
}

// Active reports whether a hole is requested or running
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busyLocked()
}

// Status returns a snapshot of the cycle
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Phase:         c.Phase(),
		Group:         c.group,
		Hand:          c.hand,
		Retract:       c.retract,
		Sticky:        c.sticky,
		InitialZ:      c.initialZ,
		TargetPulses:  c.targetPulses,
		TotalPulses:   c.pulses.total.Load(),
		ReachedBottom: c.reachedBottom,
		Holes:         c.holes,
		Rejected:      c.rejected,
	}
}

// Abort stops a running hole: the pulse scheduler stops, the spindle is
// commanded off and the axis position is reconciled with the pulses issued.
// Pulses already issued are not undone.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = nil
	if c.Phase() == Idle {
		return
	}
	c.stopSync()
	c.send("M5")
	c.reconcile()
	c.trace.Record(traceAbort, c.sched.Now(), c.pulses.total.Load(), int64(c.Phase()))
	c.logger.Warn("tapping aborted",
		zap.Stringer("phase", c.Phase()),
		zap.Int64("total_pulses", c.pulses.total.Load()))
	c.setPhase(Idle)
}

func (c *Controller) setPhase(p Phase) {
	c.phase.Store(uint32(p))
	c.trace.Record(tracePhase, c.sched.Now(), int64(p), c.pulses.total.Load())
	if c.cfg.Debug {
		c.logger.Debug("phase", zap.Stringer("phase", p), zap.Int64("total_pulses", c.pulses.total.Load()))
	}
}

// send dispatches a spindle command. Failures are logged; the cycle goes on.
func (c *Controller) send(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if err := c.gcode.Dispatch(line); err != nil {
		c.logger.Error("dispatch", zap.String("line", line), zap.Error(err))
	}
}
