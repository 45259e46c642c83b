package spindle

import (
	"go.uber.org/zap"
)

// loopState is owned by Tick
type loopState struct {
	lastPosition  int64
	primed        bool
	generation    uint32
	integral      float64
	prevError     float64
	warmup        uint32
	lostSignal    uint32
	lastMovingRPM float64
	smoothed      float64
	ticks         uint64
}

func (l *loopState) resetPID() {
	l.integral = 0
	l.prevError = 0
	l.warmup = 0
	l.lostSignal = 0
}

// Tick runs one control period: measure, compute duty, write the output and
// publish a Report. Returns the duty written.
func (c *Controller) Tick() float64 {
	pos := c.decoder.Position()
	freq := float64(c.cfg.UpdateFreq)

	var delta int64
	if c.loop.primed {
		delta = pos - c.loop.lastPosition
		if delta < 0 {
			delta = -delta
		}
	}
	c.loop.lastPosition = pos
	c.loop.primed = true
	c.loop.ticks++

	rpm := float64(delta) * freq * 60 / float64(c.decoder.CountsPerRev())
	c.loop.smoothed += c.decay * (rpm - c.loop.smoothed)

	enabled := c.enabled.Load()
	// Every TurnOn starts a new generation, even one following a TurnOff
	// that no tick observed
	if gen := c.generation.Load(); enabled && gen != c.loop.generation {
		c.loop.resetPID()
		c.loop.generation = gen
	}

	var duty float64
	if enabled {
		duty, enabled = c.control(rpm, delta)
	} else {
		c.loop.resetPID()
	}

	if err := c.out.PWM.Set(duty); err != nil {
		c.logger.Warn("pwm write failed", zap.Error(err))
	}

	c.report.Store(&Report{
		CurrentRPM:  rpm,
		SmoothedRPM: c.loop.smoothed,
		TargetRPM:   c.TargetRPM(),
		Duty:        duty,
		Enabled:     enabled,
		Reverse:     c.reverse.Load(),
		Faults:      c.Faults(),
		Ticks:       c.loop.ticks,
	})
	return duty
}

// control computes the duty for an enabled tick. It returns false when the
// loop shut itself down.
func (c *Controller) control(rpm float64, delta int64) (float64, bool) {
	cfg := &c.cfg
	freq := float64(cfg.UpdateFreq)

	if delta == 0 {
		c.loop.lostSignal++
		if c.loop.lostSignal > cfg.UpdateFreq {
			c.fault(rpm)
			return 0, false
		}
	} else {
		c.loop.lostSignal = 0
		c.loop.lastMovingRPM = rpm
	}

	g := c.gains.Load()
	err := clamp((c.TargetRPM()-rpm)*cfg.ErrorAttenuation, -cfg.MaxError, cfg.MaxError)
	c.loop.integral = clamp(c.loop.integral+g.I*err/freq, -1, 1)

	feedForward := clamp(cfg.DefaultRPM/cfg.MaxRPM, 0, cfg.MaxPWM)
	duty := feedForward + g.P*err + c.loop.integral + g.D*freq*(err-c.loop.prevError)
	duty = clamp(duty, 0, cfg.MaxPWM)
	c.loop.prevError = err

	// Open loop until the spindle is turning and has had time to settle
	if rpm < cfg.WarmupRPM || float64(c.loop.warmup) < freq*cfg.WarmupFraction {
		duty = feedForward
		c.loop.integral = 0
		c.loop.prevError = 0
		c.loop.warmup++
	}
	return duty, true
}

// fault latches a stall or lost-signal fault and switches the drive off
func (c *Controller) fault(rpm float64) {
	f := FaultStall
	if c.loop.lastMovingRPM >= c.cfg.WarmupRPM {
		f = FaultLostSignal
	}
	c.faults.Store(uint32(f))
	c.TurnOff()
	c.loop.resetPID()
	c.loop.lastMovingRPM = 0

	c.logger.Error("spindle shut down",
		zap.Stringer("fault", f),
		zap.Float64("target_rpm", c.TargetRPM()),
		zap.Float64("rpm", rpm))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
