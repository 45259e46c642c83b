// Package spindle closes the speed loop of an encoder-equipped spindle: a
// periodic tick measures RPM from the encoder count and drives a PWM output
// with feed-forward plus PID correction.
//
// Commands (on, off, target, gains) may come from any goroutine. The loop
// state is owned by the tick; results are published as an immutable Report.
package spindle

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"spindlesync/core"
	"spindlesync/standalone/encoder"
)

var (
	// ErrNoPWM is returned when the controller has no PWM output
	ErrNoPWM = errors.New("spindle pwm output not configured")

	// ErrNoReverse is returned by TurnOnReverse without a reverse output
	ErrNoReverse = errors.New("spindle reverse output not configured")
)

// Config holds the controller parameters. Use DefaultConfig as the base.
type Config struct {
	MaxRPM           float64
	DefaultRPM       float64 // feed-forward speed, also the initial target
	P                float64
	I                float64
	D                float64
	MaxError         float64 // clamp for the attenuated error
	UpdateFreq       uint32  // ticks per second
	Smoothing        float64 // reported RPM low-pass time constant, seconds
	MaxPWM           float64 // duty ceiling in (0, 1]
	ErrorAttenuation float64
	WarmupRPM        float64 // below this speed the loop runs open
	WarmupFraction   float64 // of a second of ticks spent open before closing the loop
}

// DefaultConfig returns the stock parameters for a spindle with the given
// maximum speed
func DefaultConfig(maxRPM float64) Config {
	if maxRPM <= 0 {
		maxRPM = 10000
	}
	return Config{
		MaxRPM:           maxRPM,
		DefaultRPM:       maxRPM * 0.1,
		P:                0.0001,
		I:                0.0001,
		D:                0.0001,
		MaxError:         maxRPM * 0.25 * 0.1,
		UpdateFreq:       20,
		Smoothing:        0.1,
		MaxPWM:           1.0,
		ErrorAttenuation: 0.1,
		WarmupRPM:        30,
		WarmupFraction:   0.75,
	}
}

func (c Config) validate() error {
	switch {
	case c.MaxRPM <= 0:
		return fmt.Errorf("max_rpm must be positive, got %v", c.MaxRPM)
	case c.UpdateFreq == 0:
		return errors.New("update_freq must be positive")
	case c.MaxPWM <= 0 || c.MaxPWM > 1:
		return fmt.Errorf("max_pwm must be in (0, 1], got %v", c.MaxPWM)
	case c.MaxError < 0:
		return fmt.Errorf("max_error must not be negative, got %v", c.MaxError)
	}
	return nil
}

// DutyWriter is a PWM output taking a normalized duty
type DutyWriter interface {
	Set(duty float64) error
}

// Switch is a digital output
type Switch interface {
	Set(on bool) error
}

// Outputs are the signals the controller drives. Only PWM is required.
type Outputs struct {
	PWM      DutyWriter
	SwitchOn Switch
	Reverse  Switch
}

// Gains are the PID coefficients
type Gains struct {
	P, I, D float64
}

// Fault is a bit set of latched controller faults
type Fault uint32

const (
	// FaultStall is raised when a commanded spindle never shows motion
	FaultStall Fault = 1 << iota
	// FaultLostSignal is raised when a turning spindle's counts stop abruptly
	FaultLostSignal
)

func (f Fault) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	if f&FaultStall != 0 {
		parts = append(parts, "stall")
	}
	if f&FaultLostSignal != 0 {
		parts = append(parts, "lost-signal")
	}
	return strings.Join(parts, ",")
}

// Report is a snapshot of the loop published after every tick
type Report struct {
	CurrentRPM  float64
	SmoothedRPM float64
	TargetRPM   float64
	Duty        float64
	Enabled     bool
	Reverse     bool
	Faults      Fault
	Ticks       uint64
}

// Controller is the spindle speed loop
type Controller struct {
	cfg     Config
	decoder encoder.Decoder
	out     Outputs
	decay   float64
	logger  *zap.Logger

	enabled    atomic.Bool
	generation atomic.Uint32 // bumped by every enable
	reverse    atomic.Bool
	target     atomic.Uint64 // float64 bits
	gains      atomic.Pointer[Gains]
	faults     atomic.Uint32

	loop   loopState
	report atomic.Pointer[Report]
	ticker *core.Periodic
}

// NewController creates a controller measuring speed from decoder
func NewController(cfg Config, decoder encoder.Decoder, out Outputs, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if out.PWM == nil {
		return nil, ErrNoPWM
	}
	if decoder == nil {
		return nil, errors.New("spindle needs an encoder")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:     cfg,
		decoder: decoder,
		out:     out,
		decay:   smoothingDecay(cfg.Smoothing, cfg.UpdateFreq),
		logger:  logger.Named("spindle"),
	}
	c.gains.Store(&Gains{P: cfg.P, I: cfg.I, D: cfg.D})
	c.setTarget(cfg.DefaultRPM)
	c.report.Store(&Report{TargetRPM: cfg.DefaultRPM})

	if err := out.PWM.Set(0); err != nil {
		return nil, fmt.Errorf("spindle pwm: %w", err)
	}
	c.setSwitches(false, false)
	return c, nil
}

// smoothingDecay is the per-tick weight of a new sample in the low-pass filter
func smoothingDecay(seconds float64, freq uint32) float64 {
	if seconds*float64(freq) < 1 {
		return 1
	}
	return 1 / (float64(freq) * seconds)
}

// Start runs Tick at the configured rate from sched
func (c *Controller) Start(sched *core.Scheduler) {
	c.ticker = sched.Every(core.TimerFromHz(c.cfg.UpdateFreq), func() { c.Tick() })
	c.logger.Info("spindle loop started",
		zap.Uint32("update_freq", c.cfg.UpdateFreq),
		zap.Float64("max_rpm", c.cfg.MaxRPM))
}

// Stop halts the periodic tick and drives the output off
func (c *Controller) Stop() {
	if c.ticker != nil {
		c.ticker.Stop()
	}
	c.TurnOff()
	_ = c.out.PWM.Set(0)
}

// TurnOn enables the loop in the forward direction and clears latched faults
func (c *Controller) TurnOn() {
	c.faults.Store(0)
	c.reverse.Store(false)
	c.setSwitches(true, false)
	c.generation.Add(1)
	c.enabled.Store(true)
}

// TurnOnReverse enables the loop in reverse. Requires a reverse output.
func (c *Controller) TurnOnReverse() error {
	if c.out.Reverse == nil {
		return ErrNoReverse
	}
	c.faults.Store(0)
	c.reverse.Store(true)
	c.setSwitches(true, true)
	c.generation.Add(1)
	c.enabled.Store(true)
	return nil
}

// TurnOff disables the loop. The next tick drives zero duty.
func (c *Controller) TurnOff() {
	c.enabled.Store(false)
	c.reverse.Store(false)
	c.setSwitches(false, false)
}

func (c *Controller) setSwitches(on, reverse bool) {
	if c.out.Reverse != nil {
		if err := c.out.Reverse.Set(reverse); err != nil {
			c.logger.Warn("reverse output", zap.Error(err))
		}
	}
	if c.out.SwitchOn != nil {
		if err := c.out.SwitchOn.Set(on); err != nil {
			c.logger.Warn("switch-on output", zap.Error(err))
		}
	}
}

// SetTargetRPM sets the commanded speed, clamped to [0, MaxRPM]
func (c *Controller) SetTargetRPM(rpm float64) {
	if rpm < 0 || math.IsNaN(rpm) {
		rpm = 0
	} else if rpm > c.cfg.MaxRPM {
		rpm = c.cfg.MaxRPM
	}
	c.setTarget(rpm)
}

func (c *Controller) setTarget(rpm float64) {
	c.target.Store(math.Float64bits(rpm))
}

// TargetRPM returns the commanded speed
func (c *Controller) TargetRPM() float64 {
	return math.Float64frombits(c.target.Load())
}

// Enabled reports whether the loop is commanded on
func (c *Controller) Enabled() bool {
	return c.enabled.Load()
}

// Gains returns the current PID coefficients
func (c *Controller) Gains() Gains {
	return *c.gains.Load()
}

// SetGains replaces the PID coefficients. They take effect on the next tick.
func (c *Controller) SetGains(g Gains) {
	c.gains.Store(&g)
}

// Faults returns the latched faults
func (c *Controller) Faults() Fault {
	return Fault(c.faults.Load())
}

// Report returns the snapshot published by the last tick
func (c *Controller) Report() Report {
	return *c.report.Load()
}

// Config returns the controller parameters
func (c *Controller) Config() Config {
	return c.cfg
}

// ReportSpeed formats the speed line printed for M957
func (c *Controller) ReportSpeed() string {
	r := c.Report()
	return fmt.Sprintf("Current RPM: %5.0f  Target RPM: %5.0f  PWM value: %5.3f",
		r.CurrentRPM, c.TargetRPM(), r.Duty)
}

// ReportSettings formats the gains line printed for M958
func (c *Controller) ReportSettings() string {
	g := c.Gains()
	return fmt.Sprintf("P: %0.6f I: %0.6f D: %0.6f", g.P, g.I, g.D)
}

// RegisterCommands adds spindle_status and spindle_faults to the console
func (c *Controller) RegisterCommands(reg *core.CommandRegistry) {
	reg.Register("spindle_status", "print spindle speed and duty", func([]string) (string, error) {
		return c.ReportSpeed(), nil
	})
	reg.Register("spindle_faults", "print latched spindle faults", func([]string) (string, error) {
		return "Spindle faults: " + c.Faults().String(), nil
	})
}
