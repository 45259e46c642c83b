// Digital output and pin name support
package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// ErrPinNotConnected is returned by ParsePin for the "nc" placeholder
var ErrPinNotConnected = errors.New("pin not connected")

// PinSpec is a parsed pin name
type PinSpec struct {
	Pin    GPIOPin
	Invert bool // name carried a trailing '!'
}

// ParsePin parses pin names of the form "gpio12", "GPIO12" or "12".
// A trailing '!' inverts the pin. "nc" and the empty string yield
// ErrPinNotConnected.
func ParsePin(name string) (PinSpec, error) {
	s := strings.TrimSpace(name)
	if s == "" || strings.EqualFold(s, "nc") {
		return PinSpec{}, ErrPinNotConnected
	}

	var spec PinSpec
	if strings.HasSuffix(s, "!") {
		spec.Invert = true
		s = strings.TrimSuffix(s, "!")
	}
	if len(s) > 4 && strings.EqualFold(s[:4], "gpio") {
		s = s[4:]
	}

	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return PinSpec{}, fmt.Errorf("invalid pin name %q: %w", name, err)
	}
	spec.Pin = GPIOPin(n)
	return spec, nil
}

// String formats the pin the way ParsePin accepts it
func (p PinSpec) String() string {
	s := "gpio" + strconv.FormatUint(uint64(p.Pin), 10)
	if p.Invert {
		s += "!"
	}
	return s
}

// DigitalOut represents a configured GPIO output pin
type DigitalOut struct {
	driver GPIODriver
	pin    GPIOPin
	invert bool
	on     atomic.Bool
}

// NewDigitalOut configures pin as an output and drives it to the off level
func NewDigitalOut(driver GPIODriver, spec PinSpec) (*DigitalOut, error) {
	if driver == nil {
		return nil, errors.New("gpio driver not configured")
	}
	if err := driver.ConfigureOutput(spec.Pin); err != nil {
		return nil, fmt.Errorf("configure output %s: %w", spec, err)
	}

	d := &DigitalOut{
		driver: driver,
		pin:    spec.Pin,
		invert: spec.Invert,
	}
	if err := d.Set(false); err != nil {
		return nil, err
	}
	return d, nil
}

// Set drives the logical state of the pin, applying inversion
func (d *DigitalOut) Set(on bool) error {
	d.on.Store(on)
	return d.driver.SetPin(d.pin, on != d.invert)
}

// IsOn returns the last logical state written
func (d *DigitalOut) IsOn() bool {
	return d.on.Load()
}

// Pin returns the hardware pin
func (d *DigitalOut) Pin() GPIOPin {
	return d.pin
}
