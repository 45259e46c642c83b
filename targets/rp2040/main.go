//go:build rp2040 || rp2350

package main

import (
	"errors"
	"machine"
	"time"

	"spindlesync/core"
	"spindlesync/standalone"
	"spindlesync/standalone/config"
	piostepper "spindlesync/targets/pio"
)

var errUSBStalled = errors.New("usb write stalled")

// ledBlink blinks the LED count times for diagnostics
func ledBlink(count int) {
	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	for i := 0; i < count; i++ {
		led.High()
		time.Sleep(150 * time.Millisecond)
		led.Low()
		time.Sleep(150 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond)
}

// halt blinks forever; used when the controller cannot start at all
func halt(count int) {
	for {
		ledBlink(count)
	}
}

func main() {
	// Clear any watchdog left running across a reset
	if err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0}); err != nil {
		return
	}
	if err := InitUSB(); err != nil {
		halt(2)
	}

	sched := core.NewScheduler()
	UpdateSystemTime(sched)

	cfg := config.DefaultConfig()
	gpio := NewRPGPIODriver()
	steppers, err := piostepper.NewBackends("x", "y", "z")
	if err != nil {
		// Out of state machines; remaining axes fall back to GPIO stepping
		ledBlink(1)
	}

	mgr, err := standalone.NewManager(cfg, standalone.Hardware{
		GPIO:     gpio,
		PWM:      NewRPPWMDriver(),
		Edges:    gpio,
		Steppers: steppers,
	}, sched, nil)
	if err != nil {
		halt(4)
	}
	if len(mgr.Failures()) > 0 {
		// Running with some modules down; "modules" on the console says which
		ledBlink(3)
	}

	for {
		UpdateSystemTime(sched)
		sched.Dispatch()

		for USBAvailable() > 0 {
			b, err := USBRead()
			if err != nil {
				break
			}
			mgr.ProcessByte(b)
		}
		if out := mgr.GetOutput(); len(out) > 0 {
			// A host that stopped reading loses its replies
			_ = USBWriteBytes(out)
		}

		mgr.Poll()
		time.Sleep(10 * time.Microsecond)
	}
}
