package sim

import (
	"math"
	"sync"

	"spindlesync/core"
)

// PlantConfig describes the simulated motor
type PlantConfig struct {
	MaxRPM       float64      // speed at full duty
	CountsPerRev uint32       // encoder counts per revolution
	TimeConstant float64      // first order lag, seconds
	PeriodUS     uint32       // model update period
	PWMPin       core.PWMPin  // duty input
	InvertPWM    bool         // duty is active low
	SwitchPin    *core.GPIOPin // optional enable input, active high
	ReversePin   *core.GPIOPin // optional direction input, high turns backwards
}

// Sink receives encoder counts produced by the plant
type Sink func(counts int64)

// Plant is a first order spindle motor driving an encoder sink
type Plant struct {
	cfg  PlantConfig
	pwm  *PWM
	gpio *GPIO
	sink Sink

	mu       sync.Mutex
	rpm      float64
	frac     float64
	load     float64 // fraction of speed lost, 0..1
	stalled  bool
	position int64
	ticker   *core.Periodic
}

// NewPlant creates a motor reading its duty from pwm and its switches from
// gpio. gpio may be nil when no switch inputs are used.
func NewPlant(cfg PlantConfig, pwm *PWM, gpio *GPIO, sink Sink) *Plant {
	if cfg.TimeConstant <= 0 {
		cfg.TimeConstant = 0.2
	}
	if cfg.PeriodUS == 0 {
		cfg.PeriodUS = 1000
	}
	if cfg.CountsPerRev == 0 {
		cfg.CountsPerRev = 360
	}
	return &Plant{cfg: cfg, pwm: pwm, gpio: gpio, sink: sink}
}

// Start updates the model every period from sched
func (p *Plant) Start(sched *core.Scheduler) {
	p.ticker = sched.Every(core.TimerFromUS(p.cfg.PeriodUS), p.Step)
}

// Stop halts the model updates
func (p *Plant) Stop() {
	if p.ticker != nil {
		p.ticker.Stop()
	}
}

// SetLoad slows the spindle by the given fraction of its driven speed
func (p *Plant) SetLoad(fraction float64) {
	p.mu.Lock()
	p.load = math.Max(0, math.Min(1, fraction))
	p.mu.Unlock()
}

// Stall holds the spindle still regardless of drive, as a jammed motor or a
// disconnected encoder would look
func (p *Plant) Stall(stalled bool) {
	p.mu.Lock()
	p.stalled = stalled
	p.mu.Unlock()
}

// RPM returns the signed model speed
func (p *Plant) RPM() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rpm
}

// Position returns the signed count emitted so far
func (p *Plant) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// Step advances the model by one period
func (p *Plant) Step() {
	duty := p.pwm.Duty(p.cfg.PWMPin)
	if p.cfg.InvertPWM {
		duty = 1 - duty
	}
	on, reverse := true, false
	if p.gpio != nil {
		if p.cfg.SwitchPin != nil {
			on = p.gpio.ReadPin(*p.cfg.SwitchPin)
		}
		if p.cfg.ReversePin != nil {
			reverse = p.gpio.ReadPin(*p.cfg.ReversePin)
		}
	}

	dt := float64(p.cfg.PeriodUS) / 1e6

	p.mu.Lock()
	target := 0.0
	if on {
		target = duty * p.cfg.MaxRPM * (1 - p.load)
		if reverse {
			target = -target
		}
	}
	if p.stalled {
		p.rpm = 0
	} else {
		p.rpm += (target - p.rpm) * math.Min(1, dt/p.cfg.TimeConstant)
	}
	p.frac += p.rpm / 60 * float64(p.cfg.CountsPerRev) * dt
	n := int64(p.frac)
	p.frac -= float64(n)
	p.position += n
	p.mu.Unlock()

	if n != 0 && p.sink != nil {
		p.sink(n)
	}
}
