//go:build rp2040 || rp2350

package main

import (
	"fmt"
	"machine"

	"spindlesync/core"
)

// PWMMax is the duty resolution handed to core.PWMOut
const PWMMax = 10000

// pwmPeripheral abstracts over TinyGo's unexported *pwmGroup type
type pwmPeripheral interface {
	Configure(config machine.PWMConfig) error
	Channel(pin machine.Pin) (uint8, error)
	Top() uint32
	Set(channel uint8, value uint32)
}

// RPPWMDriver implements core.PWMDriver on the 8 hardware PWM slices.
// GPIO N drives slice (N>>1)&7, channel A for even pins and B for odd.
type RPPWMDriver struct {
	// Configured period in nanoseconds per slice
	slices map[uint8]uint64

	// Pin to PWM channel
	channels map[uint32]uint8

	peripherals map[uint8]pwmPeripheral
}

// NewRPPWMDriver creates a new PWM driver
func NewRPPWMDriver() *RPPWMDriver {
	return &RPPWMDriver{
		slices:      make(map[uint8]uint64),
		channels:    make(map[uint32]uint8),
		peripherals: make(map[uint8]pwmPeripheral),
	}
}

func (d *RPPWMDriver) GetMaxValue() uint32 {
	return PWMMax
}

// ConfigureHardwarePWM configures a pin for hardware PWM output. Both pins
// of a slice share its period, so a second pin asking for a different
// period is rejected.
func (d *RPPWMDriver) ConfigureHardwarePWM(pin core.PWMPin, cycleTicks uint32) (uint32, error) {
	pinNum := uint32(pin)
	if pinNum >= numGPIO {
		return 0, fmt.Errorf("gpio%d: no such pin", pinNum)
	}
	sliceNum := uint8((pinNum >> 1) & 0x7)

	pwm, exists := d.peripherals[sliceNum]
	if !exists {
		pwm = getPWMPeripheral(sliceNum)
		d.peripherals[sliceNum] = pwm
	}

	period := uint64(cycleTicks) * 1000000000 / core.TimerFreq
	if existing, ok := d.slices[sliceNum]; ok && existing != period {
		return 0, fmt.Errorf("gpio%d: slice %d already runs at %dns", pinNum, sliceNum, existing)
	}

	if err := pwm.Configure(machine.PWMConfig{Period: period}); err != nil {
		return 0, err
	}
	channel, err := pwm.Channel(machine.Pin(pinNum))
	if err != nil {
		return 0, err
	}

	d.slices[sliceNum] = period
	d.channels[pinNum] = channel
	return cycleTicks, nil
}

// SetDutyCycle sets the duty from 0 to PWMMax
func (d *RPPWMDriver) SetDutyCycle(pin core.PWMPin, value core.PWMValue) error {
	pinNum := uint32(pin)
	channel, exists := d.channels[pinNum]
	if !exists {
		return fmt.Errorf("gpio%d: pwm not configured", pinNum)
	}
	pwm := d.peripherals[uint8((pinNum>>1)&0x7)]

	if value > PWMMax {
		value = PWMMax
	}
	// 64-bit math, Top() can reach 65535
	pwm.Set(channel, uint32(uint64(value)*uint64(pwm.Top())/PWMMax))
	return nil
}

// DisablePWM drives the channel low and forgets the pin. TinyGo has no way
// to hand the pin back to SIO, so it stays muxed to the PWM slice.
func (d *RPPWMDriver) DisablePWM(pin core.PWMPin) error {
	pinNum := uint32(pin)
	if channel, ok := d.channels[pinNum]; ok {
		d.peripherals[uint8((pinNum>>1)&0x7)].Set(channel, 0)
	}
	delete(d.channels, pinNum)
	return nil
}

// getPWMPeripheral returns TinyGo's PWM0-PWM7 through pwmPeripheral
func getPWMPeripheral(sliceNum uint8) pwmPeripheral {
	switch sliceNum {
	case 1:
		return machine.PWM1
	case 2:
		return machine.PWM2
	case 3:
		return machine.PWM3
	case 4:
		return machine.PWM4
	case 5:
		return machine.PWM5
	case 6:
		return machine.PWM6
	case 7:
		return machine.PWM7
	default:
		return machine.PWM0
	}
}
