package standalone

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"spindlesync/core"
	"spindlesync/standalone/config"
	"spindlesync/standalone/encoder"
	"spindlesync/standalone/motion"
	"spindlesync/standalone/spindle"
	"spindlesync/standalone/tapping"
)

// minStepInterval bounds queued step rates on every axis
var minStepInterval = core.TimerFromUS(2)

func (m *Manager) buildEncoder(cfg config.Encoder, hw Hardware) error {
	kind, err := encoder.ParseKind(cfg.Kind)
	if err != nil {
		return err
	}

	var dec encoder.Decoder
	switch kind {
	case encoder.KindPeripheral:
		counter, ok := hw.Counters[cfg.Name]
		if !ok {
			return fmt.Errorf("encoder %s: no quadrature counter", cfg.Name)
		}
		p, err := encoder.NewPeripheral(encoder.PeripheralConfig{
			Name:         cfg.Name,
			CountsPerRev: cfg.CPR,
			Filter:       cfg.Filter,
			Invert:       cfg.Invert,
		}, counter, m.logger)
		if err != nil {
			return err
		}
		if zc, ok := counter.(ZeroCrossNotifier); ok {
			zc.OnZeroCross(p.DirectionChanged)
		}
		dec = p

	case encoder.KindSoftware:
		if hw.GPIO == nil {
			return fmt.Errorf("encoder %s: no gpio driver", cfg.Name)
		}
		a, err := core.ParsePin(cfg.ChanA)
		if err != nil {
			return fmt.Errorf("encoder %s chan_a: %w", cfg.Name, err)
		}
		b, err := core.ParsePin(cfg.ChanB)
		if err != nil {
			return fmt.Errorf("encoder %s chan_b: %w", cfg.Name, err)
		}
		swCfg := encoder.SoftwareConfig{
			Name:         cfg.Name,
			CountsPerRev: cfg.CPR,
			Decoding:     cfg.Decoding,
			ChanA:        a.Pin,
			ChanB:        b.Pin,
			Invert:       cfg.Invert,
		}
		if idx, err := core.ParsePin(cfg.ChanI); err == nil {
			swCfg.ChanI = idx.Pin
			swCfg.HasIndex = true
		} else if !errors.Is(err, core.ErrPinNotConnected) {
			return fmt.Errorf("encoder %s chan_i: %w", cfg.Name, err)
		}
		for _, pin := range []core.GPIOPin{a.Pin, b.Pin} {
			if err := hw.GPIO.ConfigureInputPullUp(pin); err != nil {
				return fmt.Errorf("encoder %s: %w", cfg.Name, err)
			}
		}
		sw := encoder.NewSoftware(swCfg, hw.GPIO, m.logger)
		if err := sw.Attach(m.sched); err != nil {
			return err
		}
		dec = sw
	}

	if err := m.modules.Register(cfg.Name, dec); err != nil {
		return err
	}
	encoder.RegisterCommands(m.console, cfg.Name, dec, m.encoderGuard)
	if cfg.Debug {
		m.debugTimers = append(m.debugTimers, encoder.StartDebug(m.sched, cfg.Name, dec, m.logger))
	}
	return nil
}

// encoderGuard keeps the console off the encoder counts while the spindle
// loop or a tapping hole is reading them. Runs under m.mu.
func (m *Manager) encoderGuard() error {
	if m.spindle != nil && m.spindle.Enabled() {
		return fmt.Errorf("%w: spindle running", encoder.ErrInUse)
	}
	if m.tap != nil && m.tap.Active() {
		return fmt.Errorf("%w: tapping hole active", encoder.ErrInUse)
	}
	return nil
}

func (m *Manager) buildMotion(hw Hardware) error {
	exec := motion.NewExecutor(m.sched, m.logger)

	names := make([]string, 0, len(m.cfg.Axes))
	for name := range m.cfg.Axes {
		names = append(names, name)
	}
	sort.Strings(names)

	added := 0
	for _, name := range names {
		if err := m.buildAxis(exec, name, m.cfg.Axes[name], hw); err != nil {
			m.failed["axis "+name] = err
			m.logger.Error("axis disabled", zap.String("axis", name), zap.Error(err))
			continue
		}
		added++
	}
	if added == 0 {
		return errors.New("no usable axes")
	}

	m.executor = exec
	return m.modules.Register(ModuleMotion, exec)
}

func (m *Manager) buildAxis(exec *motion.Executor, name string, cfg config.Axis, hw Hardware) error {
	a, err := motion.ParseAxis(name)
	if err != nil {
		return err
	}

	backend, ok := hw.Steppers[name]
	if !ok {
		if hw.GPIO == nil {
			return errors.New("no gpio driver for step pins")
		}
		backend = core.NewDriverStepperBackend(hw.GPIO)
	}

	step, err := core.ParsePin(cfg.StepPin)
	if err != nil {
		return fmt.Errorf("step_pin: %w", err)
	}
	dir, err := core.ParsePin(cfg.DirPin)
	if err != nil {
		return fmt.Errorf("dir_pin: %w", err)
	}
	err = backend.Init(step.Pin, dir.Pin, cfg.InvertStep != step.Invert, cfg.InvertDir != dir.Invert)
	if err != nil {
		return err
	}

	stepper := core.NewStepper(name, m.sched, backend, minStepInterval)
	return exec.AddAxis(a, motion.AxisConfig{
		StepsPerMM:  cfg.StepsPerMM,
		MaxVelocity: cfg.MaxVelocity,
		Limits:      motion.Limits{Min: cfg.MinPosition, Max: cfg.MaxPosition},
	}, stepper)
}

func (m *Manager) buildSpindle(hw Hardware) error {
	sc := m.cfg.Spindle

	dec, err := m.Decoder(sc.Encoder)
	if err != nil {
		return fmt.Errorf("encoder %q: %w", sc.Encoder, err)
	}

	spec, err := core.ParsePin(sc.PWMPin)
	if err != nil {
		return fmt.Errorf("pwm_pin: %w", err)
	}
	pwm, err := core.NewPWMOut(hw.PWM, core.PWMPin(spec.Pin), sc.PWMPeriodUS, sc.PWMInverted != spec.Invert)
	if err != nil {
		return fmt.Errorf("%w: %v", spindle.ErrNoPWM, err)
	}

	out := spindle.Outputs{PWM: pwm}
	if sw, err := m.optionalOutput(hw, sc.SwitchOnPin); err != nil {
		return fmt.Errorf("switch_on_pin: %w", err)
	} else if sw != nil {
		out.SwitchOn = sw
	}
	if rev, err := m.optionalOutput(hw, sc.ReverseDirPin); err != nil {
		return fmt.Errorf("reverse_dir_pin: %w", err)
	} else if rev != nil {
		out.Reverse = rev
	}

	ctrl, err := spindle.NewController(spindle.Config{
		MaxRPM:           sc.MaxRPM,
		DefaultRPM:       sc.DefaultRPM,
		P:                sc.ControlP,
		I:                sc.ControlI,
		D:                sc.ControlD,
		MaxError:         sc.MaxError * sc.ErrorAttenuation,
		UpdateFreq:       sc.UpdateFreq,
		Smoothing:        sc.Smoothing,
		MaxPWM:           sc.MaxPWM,
		ErrorAttenuation: sc.ErrorAttenuation,
		WarmupRPM:        sc.WarmupRPM,
		WarmupFraction:   sc.WarmupFraction,
	}, dec, out, m.logger)
	if err != nil {
		return err
	}
	ctrl.Start(m.sched)
	ctrl.RegisterCommands(m.console)

	if sc.Debug {
		logger := m.logger.Named("spindle")
		m.debugTimers = append(m.debugTimers, m.sched.Every(core.TimerFreq, func() {
			r := ctrl.Report()
			logger.Debug("speed",
				zap.Float64("rpm", r.CurrentRPM),
				zap.Float64("smoothed_rpm", r.SmoothedRPM),
				zap.Float64("target_rpm", r.TargetRPM),
				zap.Float64("duty", r.Duty))
		}))
	}

	m.spindle = ctrl
	return m.modules.Register(ModuleSpindle, ctrl)
}

// optionalOutput configures a digital output, or returns nil when the pin
// is not connected
func (m *Manager) optionalOutput(hw Hardware, name string) (*core.DigitalOut, error) {
	spec, err := core.ParsePin(name)
	if errors.Is(err, core.ErrPinNotConnected) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return core.NewDigitalOut(hw.GPIO, spec)
}

func (m *Manager) buildTapping() error {
	tc := m.cfg.Tapping

	dec, err := m.Decoder(tc.Encoder)
	if err != nil {
		return fmt.Errorf("encoder %q: %w", tc.Encoder, err)
	}
	if m.executor == nil {
		return fmt.Errorf("%w: motion not configured", tapping.ErrNoAxis)
	}
	z, err := m.executor.Stepper(motion.AxisZ)
	if err != nil {
		return fmt.Errorf("%w: %v", tapping.ErrNoAxis, err)
	}

	ctrl, err := tapping.NewController(tapping.Config{
		StepsPerMM:       m.executor.StepsPerMM(motion.AxisZ),
		UpdateMS:         tc.MSUpdate,
		ReconcileMS:      tc.ReconcileMS,
		ReverseDelay:     tc.ReverseDelay,
		RetractTolerance: tc.RetractTolerance,
		Debug:            tc.Debug,
	}, dec, m.executor, z, cycleDispatcher{m}, m.sched, m.logger)
	if err != nil {
		return err
	}
	ctrl.RegisterCommands(m.console)

	m.tap = ctrl
	return m.modules.Register(ModuleTapping, ctrl)
}
