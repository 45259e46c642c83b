// PWM (Pulse Width Modulation) output support
package core

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

// ErrNoPWMDriver is returned when a PWM output is requested without a driver
var ErrNoPWMDriver = errors.New("pwm driver not configured")

// PWMOut is a hardware PWM output driven by a normalized duty cycle
type PWMOut struct {
	driver PWMDriver
	pin    PWMPin
	invert bool
	cycle  uint32

	duty atomic.Uint64 // float64 bits of the last logical duty
}

// NewPWMOut configures pin for hardware PWM with the given period and
// drives it to zero duty
func NewPWMOut(driver PWMDriver, pin PWMPin, periodUS uint32, invert bool) (*PWMOut, error) {
	if driver == nil {
		return nil, ErrNoPWMDriver
	}

	cycle, err := driver.ConfigureHardwarePWM(pin, TimerFromUS(periodUS))
	if err != nil {
		return nil, fmt.Errorf("configure pwm on pin %d: %w", pin, err)
	}

	p := &PWMOut{
		driver: driver,
		pin:    pin,
		invert: invert,
		cycle:  cycle,
	}
	if err := p.Set(0); err != nil {
		return nil, err
	}
	return p, nil
}

// Set writes a duty cycle in [0, 1]. Out of range values are clamped.
// Inverted outputs write 1-duty to the hardware.
func (p *PWMOut) Set(duty float64) error {
	if duty < 0 || math.IsNaN(duty) {
		duty = 0
	} else if duty > 1 {
		duty = 1
	}
	p.duty.Store(math.Float64bits(duty))

	if p.invert {
		duty = 1 - duty
	}
	max := float64(p.driver.GetMaxValue())
	return p.driver.SetDutyCycle(p.pin, PWMValue(duty*max+0.5))
}

// Duty returns the last logical duty written
func (p *PWMOut) Duty() float64 {
	return math.Float64frombits(p.duty.Load())
}

// CycleTicks returns the PWM period the driver settled on
func (p *PWMOut) CycleTicks() uint32 {
	return p.cycle
}

// Disable returns the pin to GPIO mode
func (p *PWMOut) Disable() error {
	return p.driver.DisablePWM(p.pin)
}
