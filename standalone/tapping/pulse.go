package tapping

import (
	"math"
	"sync/atomic"

	"spindlesync/core"
)

// pulseScheduler issues Z pulses at a rate retuned from the encoder.
//
// total is written only by the step timer. The recompute timer owns
// lastSample and publishes interval. Both run from the scheduler.
type pulseScheduler struct {
	total      atomic.Int64
	reverse    atomic.Bool   // retracting: pulses count down
	interval   atomic.Uint32 // ticks per pulse, 0 pauses stepping
	recomputes atomic.Uint32
	running    atomic.Bool
	stepping   atomic.Bool

	stepTimer core.Timer
	recompute *core.Periodic

	// Fixed for the duration of a hole
	lastSample    int64
	updatesPerSec float64
	ratio         float64 // steps per mm over counts per revolution
	feed          float64 // mm per revolution
}

// startSync zeroes the pulse counters and starts the recompute timer with
// the axis set to advance
func (c *Controller) startSync() {
	p := &c.pulses
	p.total.Store(0)
	p.reverse.Store(false)
	p.interval.Store(0)
	p.recomputes.Store(0)
	p.stepping.Store(false)

	p.lastSample = c.decoder.Position()
	p.updatesPerSec = 1000 / float64(c.cfg.UpdateMS)
	p.ratio = c.cfg.StepsPerMM / float64(c.decoder.CountsPerRev())
	p.feed = c.sticky.F

	c.reconciled = 0
	c.lastReconcile = c.sched.Now()

	// Toward -Z, into the hole
	c.axis.SetDirection(true)
	p.running.Store(true)
	p.recompute = c.sched.Every(core.TimerFromMS(c.cfg.UpdateMS), c.recomputeRate)
}

// stopSync stops the recompute and step timers
func (c *Controller) stopSync() {
	p := &c.pulses
	p.running.Store(false)
	if p.recompute != nil {
		p.recompute.Stop()
		p.recompute = nil
	}
	c.sched.Cancel(&p.stepTimer)
	p.interval.Store(0)
	p.stepping.Store(false)
}

// reverseSync flips the axis to retract. Pulses from here on count down.
func (c *Controller) reverseSync() {
	// Toward +Z, back out to the R plane
	c.axis.SetDirection(false)
	c.pulses.reverse.Store(true)
}

// recomputeRate samples the encoder and derives the pulse interval from the
// counts seen since the previous sample. Runs from the scheduler.
func (c *Controller) recomputeRate() {
	p := &c.pulses
	pos := c.decoder.Position()
	delta := pos - p.lastSample
	p.lastSample = pos
	if delta < 0 {
		delta = -delta
	}

	iv := p.stepInterval(delta)
	p.interval.Store(iv)
	p.recomputes.Add(1)

	if iv == 0 || !p.running.Load() {
		return
	}
	now := c.sched.Now()
	if !p.stepping.Load() {
		p.stepping.Store(true)
		p.stepTimer.WakeTime = now + iv
		c.sched.Schedule(&p.stepTimer)
		return
	}
	// A pulse armed at a slower rate would otherwise hold the axis back
	// for a whole old interval
	if remaining := p.stepTimer.WakeTime - now; int32(remaining) > 0 && iv < remaining {
		p.stepTimer.WakeTime = now + iv
		c.sched.Schedule(&p.stepTimer)
	}
}

// stepInterval converts encoder counts per update period to timer ticks
// per axis pulse
func (p *pulseScheduler) stepInterval(delta int64) uint32 {
	if delta == 0 || p.feed <= 0 {
		return 0
	}
	pulsesPerSec := float64(delta) * p.updatesPerSec * p.ratio * p.feed
	ticks := float64(core.TimerFreq) / pulsesPerSec
	switch {
	case ticks < 1:
		return 1
	case ticks > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(ticks)
}

// stepEvent issues one pulse and rearms at the current interval
func (c *Controller) stepEvent(t *core.Timer) uint8 {
	p := &c.pulses
	iv := p.interval.Load()
	if iv == 0 || !p.running.Load() {
		p.stepping.Store(false)
		return core.SF_DONE
	}

	c.axis.Step()
	if p.reverse.Load() {
		p.total.Add(-1)
	} else {
		p.total.Add(1)
	}

	t.WakeTime += iv
	return core.SF_RESCHEDULE
}
