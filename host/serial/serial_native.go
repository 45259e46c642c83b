package serial

import (
	"fmt"

	"github.com/tarm/serial"
)

// tty is a console on an operating system serial device
type tty struct {
	*serial.Port
	device string
}

// Open opens the controller console described by cfg
func Open(cfg *Config) (Port, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	return &tty{Port: p, device: cfg.Device}, nil
}

func (t *tty) String() string {
	return t.device
}
