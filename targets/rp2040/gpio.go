//go:build rp2040 || rp2350

package main

import (
	"fmt"
	"machine"

	"spindlesync/core"
)

// numGPIO is the count of bank 0 user pins
const numGPIO = 30

// RPGPIODriver implements core.GPIODriver and core.EdgeDriver on the
// RP2040 and RP2350 bank 0 pins
type RPGPIODriver struct {
	// Track configured pins to prevent conflicts
	configuredPins map[core.GPIOPin]machine.Pin
}

// NewRPGPIODriver creates a new GPIO driver
func NewRPGPIODriver() *RPGPIODriver {
	return &RPGPIODriver{
		configuredPins: make(map[core.GPIOPin]machine.Pin),
	}
}

func (d *RPGPIODriver) configure(pin core.GPIOPin, mode machine.PinMode) error {
	if pin >= numGPIO {
		return fmt.Errorf("gpio%d: no such pin", pin)
	}
	if _, exists := d.configuredPins[pin]; exists {
		return nil
	}
	machinePin := machine.Pin(pin)
	machinePin.Configure(machine.PinConfig{Mode: mode})
	d.configuredPins[pin] = machinePin
	return nil
}

// ConfigureOutput configures a pin as a digital output
func (d *RPGPIODriver) ConfigureOutput(pin core.GPIOPin) error {
	return d.configure(pin, machine.PinOutput)
}

func (d *RPGPIODriver) ConfigureInputPullUp(pin core.GPIOPin) error {
	return d.configure(pin, machine.PinInputPullup)
}

func (d *RPGPIODriver) ConfigureInputPullDown(pin core.GPIOPin) error {
	return d.configure(pin, machine.PinInputPulldown)
}

// SetPin sets the pin to high (true) or low (false)
func (d *RPGPIODriver) SetPin(pin core.GPIOPin, value bool) error {
	machinePin, exists := d.configuredPins[pin]
	if !exists {
		if err := d.ConfigureOutput(pin); err != nil {
			return err
		}
		machinePin = d.configuredPins[pin]
	}
	machinePin.Set(value)
	return nil
}

// GetPin reads the current pin state
func (d *RPGPIODriver) GetPin(pin core.GPIOPin) (bool, error) {
	machinePin, exists := d.configuredPins[pin]
	if !exists {
		return false, fmt.Errorf("gpio%d: not configured", pin)
	}
	return machinePin.Get(), nil
}

func (d *RPGPIODriver) ReadPin(pin core.GPIOPin) bool {
	value, _ := d.GetPin(pin)
	return value
}

// WatchEdges routes both edges of pin to handler. The handler runs in the
// GPIO interrupt.
func (d *RPGPIODriver) WatchEdges(pin core.GPIOPin, handler func()) error {
	if pin >= numGPIO {
		return fmt.Errorf("gpio%d: %w", pin, core.ErrNotInterruptCapable)
	}
	if err := d.ConfigureInputPullUp(pin); err != nil {
		return err
	}
	return d.configuredPins[pin].SetInterrupt(machine.PinRising|machine.PinFalling, func(machine.Pin) {
		handler()
	})
}
