package encoder

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"spindlesync/core"
)

// invalidTransition marks both channels changing between two samples
const invalidTransition = 0b11

// SoftwareConfig configures an edge-driven decoder
type SoftwareConfig struct {
	Name         string
	CountsPerRev uint32
	Decoding     int // 4 (every edge) or 2 (both-channel states only)
	ChanA        core.GPIOPin
	ChanB        core.GPIOPin
	ChanI        core.GPIOPin
	HasIndex     bool
	Invert       bool // swaps the A and B channels
}

// Software decodes quadrature from channel edge interrupts
type Software struct {
	name     string
	cpr      uint32
	decoding int

	gpio     core.GPIODriver
	chanA    core.GPIOPin
	chanB    core.GPIOPin
	chanI    core.GPIOPin
	hasIndex bool

	prev    atomic.Uint32
	pulses  atomic.Int64
	revs    atomic.Int64
	dir     atomic.Int32
	invalid atomic.Uint64
	enabled atomic.Bool

	logger *zap.Logger
}

// NewSoftware creates a software decoder reading channels through gpio.
// It does not count until Attach or Enable is called.
func NewSoftware(cfg SoftwareConfig, gpio core.GPIODriver, logger *zap.Logger) *Software {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CountsPerRev == 0 {
		cfg.CountsPerRev = 360
	}
	if cfg.Decoding != 2 {
		cfg.Decoding = 4
	}

	s := &Software{
		name:     cfg.Name,
		cpr:      cfg.CountsPerRev,
		decoding: cfg.Decoding,
		gpio:     gpio,
		chanA:    cfg.ChanA,
		chanB:    cfg.ChanB,
		chanI:    cfg.ChanI,
		hasIndex: cfg.HasIndex,
		logger:   logger.Named("encoder").With(zap.String("encoder", cfg.Name)),
	}
	if cfg.Invert {
		s.chanA, s.chanB = s.chanB, s.chanA
	}
	return s
}

// Attach registers the channel edge handlers and starts counting.
// Returns ErrNotInterruptCapable (wrapped) if a channel cannot interrupt.
func (s *Software) Attach(sched *core.Scheduler) error {
	if err := sched.OnEdge(s.chanA, s.Edge); err != nil {
		return fmt.Errorf("encoder %s channel A: %w", s.name, err)
	}
	if err := sched.OnEdge(s.chanB, s.Edge); err != nil {
		return fmt.Errorf("encoder %s channel B: %w", s.name, err)
	}
	if s.hasIndex {
		if err := sched.OnEdge(s.chanI, s.indexEdge); err != nil {
			s.logger.Warn("index channel unavailable", zap.Error(err))
			s.hasIndex = false
		}
	}

	s.Enable()
	s.logger.Info("software encoder attached",
		zap.Uint32("cpr", s.cpr),
		zap.Int("decoding", s.decoding),
		zap.Bool("index", s.hasIndex))
	return nil
}

// Enable samples the current channel state and starts counting
func (s *Software) Enable() {
	s.prev.Store(state(s.gpio.ReadPin(s.chanA), s.gpio.ReadPin(s.chanB)))
	s.enabled.Store(true)
}

// Disable stops counting. Edges arriving afterwards are ignored.
func (s *Software) Disable() {
	s.enabled.Store(false)
}

// Edge samples both channels and decodes the transition. Called from the
// edge interrupt of either channel.
func (s *Software) Edge() {
	if !s.enabled.Load() {
		return
	}
	s.Update(s.gpio.ReadPin(s.chanA), s.gpio.ReadPin(s.chanB))
}

// Update decodes a sampled channel state. Must only be called from the
// decoder's edge context.
func (s *Software) Update(a, b bool) {
	curr := state(a, b)
	prev := s.prev.Load()

	var step int64
	if s.decoding == 2 {
		step = decode2x(prev, curr)
	} else {
		step = decode4x(prev, curr)
		if curr != prev && step == 0 {
			s.invalid.Add(1)
		}
	}

	if step != 0 {
		s.pulses.Add(step)
		s.dir.Store(int32(step))
	}
	s.prev.Store(curr)
}

func (s *Software) indexEdge() {
	if !s.enabled.Load() || !s.gpio.ReadPin(s.chanI) {
		return
	}
	s.revs.Add(1)
}

func state(a, b bool) uint32 {
	var st uint32
	if a {
		st |= 0b10
	}
	if b {
		st |= 0b01
	}
	return st
}

// decode4x counts every valid Gray-code transition. The step sign is the low
// bit of the previous state XOR the high bit of the current one.
func decode4x(prev, curr uint32) int64 {
	if curr == prev || curr^prev == invalidTransition {
		return 0
	}
	if (prev&0b01)^((curr&0b10)>>1) == 0 {
		return -1
	}
	return 1
}

// decode2x counts only transitions between the two-channel-equal states
func decode2x(prev, curr uint32) int64 {
	switch {
	case (prev == 3 && curr == 0) || (prev == 0 && curr == 3):
		return 1
	case (prev == 2 && curr == 1) || (prev == 1 && curr == 2):
		return -1
	}
	return 0
}

// Position returns the signed pulse count
func (s *Software) Position() int64 {
	return s.pulses.Load()
}

// Revolutions returns the index pulse count
func (s *Software) Revolutions() int64 {
	return s.revs.Load()
}

// CountsPerRev returns the configured pulses per revolution
func (s *Software) CountsPerRev() uint32 {
	return s.cpr
}

// Direction returns the sign of the last counted transition
func (s *Software) Direction() Direction {
	return Direction(s.dir.Load())
}

// InvalidTransitions returns how many double-channel changes were dropped
func (s *Software) InvalidTransitions() uint64 {
	return s.invalid.Load()
}

// Name returns the configured name
func (s *Software) Name() string {
	return s.name
}

// Reset zeroes the counters. Returns ErrActive while counting.
func (s *Software) Reset() error {
	if s.enabled.Load() {
		return ErrActive
	}
	s.pulses.Store(0)
	s.revs.Store(0)
	s.dir.Store(int32(DirectionUnknown))
	s.invalid.Store(0)
	return nil
}
