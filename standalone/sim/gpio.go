// Package sim provides simulated spindle hardware: pins, a PWM output, a
// quadrature counter and a motor model that turns duty into encoder counts.
// Everything runs from a core.Scheduler so that tests can step time by hand.
package sim

import (
	"fmt"
	"sync"

	"spindlesync/core"
)

// GPIO is an in-memory pin bank implementing core.GPIODriver and
// core.EdgeDriver. Edge handlers run synchronously from SetPin.
type GPIO struct {
	mu       sync.Mutex
	levels   map[core.GPIOPin]bool
	outputs  map[core.GPIOPin]bool
	watchers map[core.GPIOPin][]func()
	rises    map[core.GPIOPin]uint64
	noEdges  map[core.GPIOPin]bool
}

// NewGPIO creates a pin bank with every pin low
func NewGPIO() *GPIO {
	return &GPIO{
		levels:   make(map[core.GPIOPin]bool),
		outputs:  make(map[core.GPIOPin]bool),
		watchers: make(map[core.GPIOPin][]func()),
		rises:    make(map[core.GPIOPin]uint64),
		noEdges:  make(map[core.GPIOPin]bool),
	}
}

func (g *GPIO) ConfigureOutput(pin core.GPIOPin) error {
	g.mu.Lock()
	g.outputs[pin] = true
	g.mu.Unlock()
	return nil
}

func (g *GPIO) ConfigureInputPullUp(pin core.GPIOPin) error {
	g.mu.Lock()
	g.outputs[pin] = false
	g.mu.Unlock()
	return nil
}

func (g *GPIO) ConfigureInputPullDown(pin core.GPIOPin) error {
	return g.ConfigureInputPullUp(pin)
}

// SetPin drives pin and runs its edge handlers when the level changes
func (g *GPIO) SetPin(pin core.GPIOPin, value bool) error {
	g.mu.Lock()
	changed := g.levels[pin] != value
	g.levels[pin] = value
	if changed && value {
		g.rises[pin]++
	}
	handlers := g.watchers[pin]
	g.mu.Unlock()

	if changed {
		for _, fn := range handlers {
			fn()
		}
	}
	return nil
}

func (g *GPIO) GetPin(pin core.GPIOPin) (bool, error) {
	return g.ReadPin(pin), nil
}

func (g *GPIO) ReadPin(pin core.GPIOPin) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.levels[pin]
}

// WatchEdges registers handler for both edges of pin
func (g *GPIO) WatchEdges(pin core.GPIOPin, handler func()) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.noEdges[pin] {
		return fmt.Errorf("%w: gpio%d", core.ErrNotInterruptCapable, pin)
	}
	g.watchers[pin] = append(g.watchers[pin], handler)
	return nil
}

// DenyEdges marks pin as unable to raise edge events
func (g *GPIO) DenyEdges(pin core.GPIOPin) {
	g.mu.Lock()
	g.noEdges[pin] = true
	g.mu.Unlock()
}

// Rises returns the number of low to high transitions seen on pin
func (g *GPIO) Rises(pin core.GPIOPin) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rises[pin]
}

// IsOutput reports whether pin was configured as an output
func (g *GPIO) IsOutput(pin core.GPIOPin) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outputs[pin]
}

// forward is the A/B state sequence of a forward turning encoder
var forward = [4][2]bool{
	{false, false},
	{true, false},
	{true, true},
	{false, true},
}

// Quadrature drives two GPIO pins with a Gray-code sequence
type Quadrature struct {
	gpio  *GPIO
	a, b  core.GPIOPin
	phase int
}

// NewQuadrature drives channels a and b of gpio, starting with both low
func NewQuadrature(gpio *GPIO, a, b core.GPIOPin) *Quadrature {
	_ = gpio.SetPin(a, false)
	_ = gpio.SetPin(b, false)
	return &Quadrature{gpio: gpio, a: a, b: b}
}

// Advance emits |n| transitions, forward for positive n
func (q *Quadrature) Advance(n int64) {
	step := 1
	if n < 0 {
		step, n = -1, -n
	}
	for ; n > 0; n-- {
		q.phase = (q.phase + step + 4) % 4
		s := forward[q.phase]
		if q.gpio.ReadPin(q.a) != s[0] {
			_ = q.gpio.SetPin(q.a, s[0])
		} else {
			_ = q.gpio.SetPin(q.b, s[1])
		}
	}
}
