// Package periphhal implements the core hardware interfaces on top of
// periph.io, for running the controller on a Linux single board computer.
package periphhal

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"spindlesync/core"
)

// edgePoll bounds how long a watcher blocks before checking for shutdown
const edgePoll = 100 * time.Millisecond

// Driver implements core.GPIODriver, core.PWMDriver and core.EdgeDriver.
// Pins are resolved by number through the lookup function.
type Driver struct {
	lookup func(name string) gpio.PinIO
	logger *zap.Logger

	mu      sync.Mutex
	pins    map[core.GPIOPin]gpio.PinIO
	freqs   map[core.PWMPin]physic.Frequency
	watched []gpio.PinIO

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a driver that resolves pins with lookup
func New(lookup func(name string) gpio.PinIO, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		lookup: lookup,
		logger: logger.Named("periph"),
		pins:   make(map[core.GPIOPin]gpio.PinIO),
		freqs:  make(map[core.PWMPin]physic.Frequency),
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewHost loads the periph host drivers and resolves pins from gpioreg
func NewHost(logger *zap.Logger) (*Driver, error) {
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	d := New(gpioreg.ByName, logger)
	for _, loaded := range state.Loaded {
		d.logger.Debug("driver loaded", zap.String("driver", loaded.String()))
	}
	return d, nil
}

func (d *Driver) pin(pin core.GPIOPin) (gpio.PinIO, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pins[pin]; ok {
		return p, nil
	}
	p := d.lookup(strconv.FormatUint(uint64(pin), 10))
	if p == nil {
		return nil, fmt.Errorf("gpio %d not found", pin)
	}
	d.pins[pin] = p
	return p, nil
}

// ConfigureOutput configures a pin as a digital output, initially low
func (d *Driver) ConfigureOutput(pin core.GPIOPin) error {
	p, err := d.pin(pin)
	if err != nil {
		return err
	}
	return p.Out(gpio.Low)
}

// ConfigureInputPullUp configures a pin as an input with pull-up
func (d *Driver) ConfigureInputPullUp(pin core.GPIOPin) error {
	p, err := d.pin(pin)
	if err != nil {
		return err
	}
	return p.In(gpio.PullUp, gpio.NoEdge)
}

// ConfigureInputPullDown configures a pin as an input with pull-down
func (d *Driver) ConfigureInputPullDown(pin core.GPIOPin) error {
	p, err := d.pin(pin)
	if err != nil {
		return err
	}
	return p.In(gpio.PullDown, gpio.NoEdge)
}

// SetPin drives an output
func (d *Driver) SetPin(pin core.GPIOPin, value bool) error {
	p, err := d.pin(pin)
	if err != nil {
		return err
	}
	return p.Out(gpio.Level(value))
}

// GetPin reads a pin
func (d *Driver) GetPin(pin core.GPIOPin) (bool, error) {
	p, err := d.pin(pin)
	if err != nil {
		return false, err
	}
	return bool(p.Read()), nil
}

// ReadPin reads a pin, reporting low for unknown pins
func (d *Driver) ReadPin(pin core.GPIOPin) bool {
	v, _ := d.GetPin(pin)
	return v
}

// WatchEdges calls handler from a dedicated goroutine on every transition
func (d *Driver) WatchEdges(pin core.GPIOPin, handler func()) error {
	p, err := d.pin(pin)
	if err != nil {
		return err
	}
	if err := p.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrNotInterruptCapable, p.Name(), err)
	}

	d.mu.Lock()
	d.watched = append(d.watched, p)
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for d.ctx.Err() == nil {
			if p.WaitForEdge(edgePoll) {
				handler()
			}
		}
	}()
	d.logger.Debug("watching edges", zap.String("pin", p.Name()))
	return nil
}

// ConfigureHardwarePWM records the PWM frequency for pin
func (d *Driver) ConfigureHardwarePWM(pin core.PWMPin, cycleTicks uint32) (uint32, error) {
	if cycleTicks == 0 {
		return 0, fmt.Errorf("pwm %d: zero period", pin)
	}
	if _, err := d.pin(core.GPIOPin(pin)); err != nil {
		return 0, err
	}

	d.mu.Lock()
	d.freqs[pin] = physic.Frequency(core.TimerFreq/cycleTicks) * physic.Hertz
	d.mu.Unlock()
	return cycleTicks, nil
}

// SetDutyCycle writes a duty in [0, GetMaxValue()]
func (d *Driver) SetDutyCycle(pin core.PWMPin, value core.PWMValue) error {
	p, err := d.pin(core.GPIOPin(pin))
	if err != nil {
		return err
	}

	d.mu.Lock()
	freq, ok := d.freqs[pin]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("pwm %d not configured", pin)
	}

	if value > core.PWMValue(gpio.DutyMax) {
		value = core.PWMValue(gpio.DutyMax)
	}
	return p.PWM(gpio.Duty(value), freq)
}

// GetMaxValue returns the periph full scale duty
func (d *Driver) GetMaxValue() uint32 {
	return uint32(gpio.DutyMax)
}

// DisablePWM stops PWM and drives the pin low
func (d *Driver) DisablePWM(pin core.PWMPin) error {
	p, err := d.pin(core.GPIOPin(pin))
	if err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.freqs, pin)
	d.mu.Unlock()
	return p.Out(gpio.Low)
}

// Close stops all edge watchers and halts their pins
func (d *Driver) Close() error {
	d.cancel()

	d.mu.Lock()
	watched := d.watched
	d.watched = nil
	d.mu.Unlock()

	for _, p := range watched {
		if err := p.Halt(); err != nil {
			d.logger.Warn("halt failed", zap.String("pin", p.Name()), zap.Error(err))
		}
	}
	d.wg.Wait()
	return nil
}
