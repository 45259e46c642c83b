package core

import "errors"

// GPIOPin identifies a hardware GPIO pin number
type GPIOPin uint32

// ErrNotInterruptCapable is returned by an EdgeDriver for pins that cannot
// raise edge events.
var ErrNotInterruptCapable = errors.New("pin is not interrupt capable")

// GPIODriver is the abstract GPIO interface that core code uses.
// Platform-specific implementations handle actual hardware control.
type GPIODriver interface {
	// ConfigureOutput configures a pin as a digital output
	// Returns error if pin is invalid or already in use
	ConfigureOutput(pin GPIOPin) error

	// ConfigureInputPullUp configures a pin as a digital input with pull-up resistor
	ConfigureInputPullUp(pin GPIOPin) error

	// ConfigureInputPullDown configures a pin as a digital input with pull-down resistor
	ConfigureInputPullDown(pin GPIOPin) error

	// SetPin sets the pin to high (true) or low (false)
	SetPin(pin GPIOPin, value bool) error

	// GetPin reads the current pin state
	GetPin(pin GPIOPin) (bool, error)

	// ReadPin reads the current pin state, reporting low on error.
	// Safe to call from an edge handler.
	ReadPin(pin GPIOPin) bool
}

// EdgeDriver delivers input transitions to a handler.
//
// Handlers run in interrupt context on a microcontroller and on a dedicated
// goroutine on a host. They must not block.
type EdgeDriver interface {
	// WatchEdges configures pin as a pulled-up input and calls handler on
	// both rising and falling edges. Returns ErrNotInterruptCapable (possibly
	// wrapped) when the pin cannot raise edge events.
	WatchEdges(pin GPIOPin, handler func()) error
}
