package tapping

import (
	"math"

	"go.uber.org/zap"

	"spindlesync/core"
)

// Poll advances the hole state machine. Called from the polling loop. It
// never blocks: waiting for the axes is a phase that polls Motion.Idle.
func (c *Controller) Poll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.Phase() {
	case Idle:
		c.pollIdle()
	case RapidToXY:
		if c.motion.Idle() {
			c.rapidToR()
		}
	case RapidToR:
		if c.motion.Idle() {
			c.beginFeed()
		}
	case SyncFeedToDepth:
		c.maybeReconcile()
		c.pollFeed()
	case Reverse:
		c.maybeReconcile()
		if c.motion.Idle() {
			c.send("%s S%d", c.hand.outCode(), c.sticky.S)
			c.setPhase(SyncRetract)
		}
	case SyncRetract:
		c.maybeReconcile()
		c.pollRetract()
	case RetractToInitialZ:
		if c.motion.Idle() {
			c.finishHole()
		}
	}
}

func (c *Controller) pollIdle() {
	if c.pending == nil || !c.motion.Idle() {
		return
	}
	req := c.pending
	c.pending = nil

	pos := c.motion.Position()
	if c.needInitialZ {
		c.initialZ = pos.Z
		c.needInitialZ = false
	}

	c.reachedBottom = false
	c.pulses.total.Store(0)
	c.targetPulses = c.depthPulses()
	if c.targetPulses <= 0 {
		c.rejected++
		c.trace.Record(traceReject, c.sched.Now(), int64(c.holes), c.targetPulses)
		c.logger.Error("hole rejected",
			zap.Error(ErrNoDepth),
			zap.Float64("z", c.sticky.Z), zap.Float64("r", c.rPlane()))
		return
	}

	c.send("M5")
	if x, ok := req.words['X']; ok {
		pos.X = x
	}
	if y, ok := req.words['Y']; ok {
		pos.Y = y
	}
	if err := c.motion.Rapid(pos); err != nil {
		c.logger.Error("rapid to hole", zap.Error(err))
		return
	}

	c.logger.Info("tapping hole",
		zap.Float64("x", pos.X), zap.Float64("y", pos.Y),
		zap.Float64("z", c.sticky.Z), zap.Float64("r", c.rPlane()),
		zap.Float64("f", c.sticky.F), zap.Int("s", c.sticky.S))
	if c.cfg.Debug {
		c.logger.Debug("target pulses",
			zap.Int64("target_pulses", c.targetPulses),
			zap.Float64("steps_per_mm", c.cfg.StepsPerMM))
	}
	c.setPhase(RapidToXY)
}

func (c *Controller) rapidToR() {
	pos := c.motion.Position()
	pos.Z = c.rPlane()
	if err := c.motion.Rapid(pos); err != nil {
		c.logger.Error("rapid to R plane", zap.Error(err))
		c.setPhase(Idle)
		return
	}
	c.setPhase(RapidToR)
}

func (c *Controller) beginFeed() {
	c.startSync()
	c.send("%s S%d", c.hand.inCode(), c.sticky.S)
	c.setPhase(SyncFeedToDepth)
}

func (c *Controller) pollFeed() {
	p := &c.pulses
	total := p.total.Load()

	if !c.reachedBottom && total >= c.targetPulses {
		c.send("M5")
		c.reachedBottom = true
		c.bottomAt = p.recomputes.Load()
		c.trace.Record(traceBottom, c.sched.Now(), total, c.targetPulses)
		c.logger.Info("reached bottom",
			zap.Int64("total_pulses", total),
			zap.Int64("target_pulses", c.targetPulses))
	}

	// Keep following the decelerating spindle before backing out
	if c.reachedBottom && p.recomputes.Load()-c.bottomAt >= c.cfg.ReverseDelay {
		c.reverseSync()
		c.reconcile()
		c.setPhase(Reverse)
	}
}

func (c *Controller) pollRetract() {
	total := c.pulses.total.Load()
	if total > c.cfg.RetractTolerance {
		return
	}

	c.send("M5")
	c.stopSync()
	c.reconcile()
	if c.cfg.Debug {
		c.logger.Debug("retract complete", zap.Int64("total_pulses", c.pulses.total.Load()))
	}

	pos := c.motion.Position()
	pos.Z = c.retractZ()
	if err := c.motion.Rapid(pos); err != nil {
		c.logger.Error("final retract", zap.Error(err))
	}
	c.setPhase(RetractToInitialZ)
}

func (c *Controller) finishHole() {
	c.holes++
	c.logger.Info("tap completed",
		zap.Uint64("holes", c.holes),
		zap.Int64("residual_pulses", c.pulses.total.Load()))
	c.setPhase(Idle)
}

// rPlane is where synchronized feed starts: R when given, else initial Z
// depthPulses is the pulse count from the R plane to the hole bottom
func (c *Controller) depthPulses() int64 {
	return int64(math.Round((c.rPlane() - c.sticky.Z) * c.cfg.StepsPerMM))
}

func (c *Controller) rPlane() float64 {
	if c.sticky.RSet {
		return c.sticky.R
	}
	return c.initialZ
}

func (c *Controller) retractZ() float64 {
	if c.retract == RetractToR {
		return c.rPlane()
	}
	return c.initialZ
}

func (c *Controller) maybeReconcile() {
	now := c.sched.Now()
	if now-c.lastReconcile < core.TimerFromMS(c.cfg.ReconcileMS) {
		return
	}
	c.lastReconcile = now
	c.reconcile()
}

// reconcile moves the executor's Z by the pulses issued since the last
// reconcile. Advancing pulses lower Z.
func (c *Controller) reconcile() {
	total := c.pulses.total.Load()
	change := total - c.reconciled
	c.reconciled = total
	if change == 0 {
		return
	}
	pos := c.motion.Position()
	pos.Z -= float64(change) / c.cfg.StepsPerMM
	c.motion.ResetPosition(pos)
	if c.cfg.Debug {
		c.logger.Debug("reconcile", zap.Int64("change", change), zap.Float64("z", pos.Z))
	}
}
