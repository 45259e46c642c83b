package sim

import (
	"fmt"
	"sync"

	"spindlesync/core"
)

// PWMMax is the full scale duty value of PWM
const PWMMax = 10000

// PWM records duty writes per pin and implements core.PWMDriver
type PWM struct {
	mu     sync.Mutex
	cycles map[core.PWMPin]uint32
	values map[core.PWMPin]core.PWMValue
	writes map[core.PWMPin]uint64
}

// NewPWM creates a PWM driver with no pins configured
func NewPWM() *PWM {
	return &PWM{
		cycles: make(map[core.PWMPin]uint32),
		values: make(map[core.PWMPin]core.PWMValue),
		writes: make(map[core.PWMPin]uint64),
	}
}

func (p *PWM) ConfigureHardwarePWM(pin core.PWMPin, cycleTicks uint32) (uint32, error) {
	if cycleTicks == 0 {
		return 0, fmt.Errorf("pwm %d: zero period", pin)
	}
	p.mu.Lock()
	p.cycles[pin] = cycleTicks
	p.mu.Unlock()
	return cycleTicks, nil
}

func (p *PWM) SetDutyCycle(pin core.PWMPin, value core.PWMValue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cycles[pin]; !ok {
		return fmt.Errorf("pwm %d not configured", pin)
	}
	if value > PWMMax {
		value = PWMMax
	}
	p.values[pin] = value
	p.writes[pin]++
	return nil
}

func (p *PWM) GetMaxValue() uint32 { return PWMMax }

func (p *PWM) DisablePWM(pin core.PWMPin) error {
	p.mu.Lock()
	delete(p.cycles, pin)
	p.values[pin] = 0
	p.mu.Unlock()
	return nil
}

// Duty returns the hardware duty on pin as a fraction of full scale
func (p *PWM) Duty(pin core.PWMPin) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.values[pin]) / PWMMax
}

// Writes returns the number of duty writes to pin
func (p *PWM) Writes(pin core.PWMPin) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes[pin]
}
