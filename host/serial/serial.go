// Package serial carries the line console between a controller and an
// operator over a serial port
package serial

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNoDevice is returned when a Config names no device
var ErrNoDevice = errors.New("no serial device")

// Port is the console byte stream to a controller. Tests and the simulator
// use pipes; hardware uses Open.
type Port interface {
	io.ReadWriteCloser

	// Flush drops input the controller sent before the console attached
	Flush() error
}

// Config selects the controller's console port
type Config struct {
	Device      string        // e.g. /dev/ttyACM0 or COM3
	Baud        int           // ignored by USB CDC controllers
	ReadTimeout time.Duration // bounds each Read so Serve sees cancellation
}

// DefaultConfig returns the console defaults for device
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        115200,
		ReadTimeout: 100 * time.Millisecond,
	}
}

// Validate reports settings no port can be opened with
func (c *Config) Validate() error {
	switch {
	case c == nil || c.Device == "":
		return ErrNoDevice
	case c.Baud <= 0:
		return fmt.Errorf("%s: baud %d", c.Device, c.Baud)
	case c.ReadTimeout < 0:
		return fmt.Errorf("%s: negative read timeout", c.Device)
	}
	return nil
}
