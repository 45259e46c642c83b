package sim

import (
	"errors"
	"fmt"
	"time"

	"spindlesync/core"
	"spindlesync/standalone/config"
	"spindlesync/standalone/encoder"
)

// Machine is a simulated controller board with a spindle motor wired to
// the encoder the spindle configuration names
type Machine struct {
	Sched    *core.Scheduler
	GPIO     *GPIO
	PWM      *PWM
	Counters map[string]encoder.Counter
	Plant    *Plant
}

// NewMachine builds simulated hardware matching cfg. Every peripheral
// encoder gets a counter; the spindle encoder is driven by the motor.
func NewMachine(cfg *config.Config) (*Machine, error) {
	m := &Machine{
		Sched:    core.NewScheduler(),
		GPIO:     NewGPIO(),
		PWM:      NewPWM(),
		Counters: make(map[string]encoder.Counter),
	}

	for _, enc := range cfg.Encoders {
		kind, err := encoder.ParseKind(enc.Kind)
		if err != nil {
			return nil, err
		}
		if kind == encoder.KindPeripheral {
			m.Counters[enc.Name] = NewCounter(enc.CPR)
		}
	}

	name := cfg.Spindle.Encoder
	if name == "" {
		name = cfg.Tapping.Encoder
	}
	enc, ok := cfg.Encoder(name)
	if !ok {
		return m, nil
	}

	sink, err := m.sink(enc)
	if err != nil {
		return nil, err
	}

	pwm, err := core.ParsePin(cfg.Spindle.PWMPin)
	if err != nil {
		return nil, fmt.Errorf("spindle pwm_pin: %w", err)
	}
	pcfg := PlantConfig{
		MaxRPM:       cfg.Spindle.MaxRPM,
		CountsPerRev: enc.CPR,
		PWMPin:       core.PWMPin(pwm.Pin),
		InvertPWM:    cfg.Spindle.PWMInverted != pwm.Invert,
	}
	if pin, ok := optionalPin(cfg.Spindle.SwitchOnPin); ok {
		pcfg.SwitchPin = &pin
	}
	if pin, ok := optionalPin(cfg.Spindle.ReverseDirPin); ok {
		pcfg.ReversePin = &pin
	}

	m.Plant = NewPlant(pcfg, m.PWM, m.GPIO, sink)
	m.Plant.Start(m.Sched)
	return m, nil
}

func (m *Machine) sink(enc config.Encoder) (Sink, error) {
	if c, ok := m.Counters[enc.Name]; ok {
		return c.(*Counter).Advance, nil
	}

	a, errA := core.ParsePin(enc.ChanA)
	b, errB := core.ParsePin(enc.ChanB)
	if err := errors.Join(errA, errB); err != nil {
		return nil, fmt.Errorf("encoder %s channels: %w", enc.Name, err)
	}
	return NewQuadrature(m.GPIO, a.Pin, b.Pin).Advance, nil
}

func optionalPin(name string) (core.GPIOPin, bool) {
	spec, err := core.ParsePin(name)
	if err != nil {
		return 0, false
	}
	return spec.Pin, true
}

// Advance runs the scheduler forward by d in bounded slices so that the
// tick counter never jumps by more than half its range
func (m *Machine) Advance(d time.Duration) {
	const slice = 100 * time.Millisecond
	for d > 0 {
		step := min(d, slice)
		m.Sched.Advance(core.TimerFromDuration(step))
		d -= step
	}
}
