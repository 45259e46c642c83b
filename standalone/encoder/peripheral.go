package encoder

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// MaxPosition is the counter's maximum position. The raw count wraps to
// MaxPosition when it decrements past zero.
const MaxPosition = 0xFFFFFFFE

// CounterConfig is the setup applied to a quadrature counter peripheral
type CounterConfig struct {
	Filter          uint32 // digital filter sample clocks
	DirectionInvert bool
	MaxPosition     uint32
}

// Counter is a hardware quadrature counter running in 4x capture mode with a
// position-compare interrupt at zero
type Counter interface {
	// Configure applies the counter setup and arms the zero compare interrupt
	Configure(cfg CounterConfig) error

	// Position returns the raw position register
	Position() uint32

	// Index returns the index pulse register
	Index() uint32

	// Reverse returns the direction status bit
	Reverse() bool

	// Reset clears the position and index registers
	Reset() error
}

// PeripheralConfig configures a counter-backed decoder
type PeripheralConfig struct {
	Name         string
	CountsPerRev uint32
	Filter       uint32
	Invert       bool
}

// Peripheral reads a hardware quadrature counter on demand
type Peripheral struct {
	name    string
	cpr     uint32
	counter Counter

	// inverse is set while the counter runs below zero. Written only from
	// the compare interrupt.
	inverse atomic.Bool
	active  atomic.Bool

	logger *zap.Logger
}

// NewPeripheral configures counter and returns a decoder reading it
func NewPeripheral(cfg PeripheralConfig, counter Counter, logger *zap.Logger) (*Peripheral, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CountsPerRev == 0 {
		cfg.CountsPerRev = 360
	}
	if cfg.Filter == 0 {
		cfg.Filter = 200
	}

	err := counter.Configure(CounterConfig{
		Filter:          cfg.Filter,
		DirectionInvert: cfg.Invert,
		MaxPosition:     MaxPosition,
	})
	if err != nil {
		return nil, fmt.Errorf("encoder %s: configure counter: %w", cfg.Name, err)
	}

	p := &Peripheral{
		name:    cfg.Name,
		cpr:     cfg.CountsPerRev,
		counter: counter,
		logger:  logger.Named("encoder").With(zap.String("encoder", cfg.Name)),
	}
	p.active.Store(true)
	p.logger.Info("peripheral encoder configured",
		zap.Uint32("cpr", cfg.CountsPerRev),
		zap.Uint32("filter", cfg.Filter),
		zap.Bool("invert", cfg.Invert))
	return p, nil
}

// DirectionChanged latches the counter direction. Called from the
// position-compare interrupt when the count crosses zero.
func (p *Peripheral) DirectionChanged() {
	p.inverse.Store(p.counter.Reverse())
}

// Position returns the signed count, undoing the counter's wrap below zero
func (p *Peripheral) Position() int64 {
	c := int64(p.counter.Position())
	if p.inverse.Load() {
		c -= MaxPosition
	}
	return c
}

// Revolutions returns the index pulse count
func (p *Peripheral) Revolutions() int64 {
	return int64(p.counter.Index())
}

// CountsPerRev returns the configured pulses per revolution
func (p *Peripheral) CountsPerRev() uint32 {
	return p.cpr
}

// Direction returns the side of zero the counter is running on
func (p *Peripheral) Direction() Direction {
	if p.inverse.Load() {
		return Reverse
	}
	return Forward
}

// Name returns the configured name
func (p *Peripheral) Name() string {
	return p.name
}

// Enable marks the counter as running
func (p *Peripheral) Enable() {
	p.active.Store(true)
}

// Disable marks the counter as quiesced so it may be reset
func (p *Peripheral) Disable() {
	p.active.Store(false)
}

// Reset clears the counter registers. Returns ErrActive while counting.
func (p *Peripheral) Reset() error {
	if p.active.Load() {
		return ErrActive
	}
	if err := p.counter.Reset(); err != nil {
		return fmt.Errorf("encoder %s: reset: %w", p.name, err)
	}
	p.inverse.Store(false)
	return nil
}
