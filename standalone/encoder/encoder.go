// Package encoder decodes quadrature spindle encoders into a signed pulse
// count. Two sources are supported: a software decoder fed by edge
// interrupts on the A/B channels, and a hardware quadrature counter
// peripheral read on demand.
//
// Counts are written only from the source's own interrupt context and are
// safe to read from any goroutine.
package encoder

import (
	"errors"
	"fmt"
	"strings"

	"spindlesync/core"
)

var (
	// ErrNotInterruptCapable is returned when a channel pin cannot raise edge events
	ErrNotInterruptCapable = core.ErrNotInterruptCapable

	// ErrActive is returned by Reset while the decoder is counting
	ErrActive = errors.New("encoder is active")

	// ErrInUse is returned by console commands while a consumer depends on
	// the count
	ErrInUse = errors.New("encoder in use")
)

// Decoder is a source of spindle position
type Decoder interface {
	// Position returns the signed pulse count since the last reset
	Position() int64

	// Revolutions returns the index pulse count
	Revolutions() int64

	// CountsPerRev returns the configured pulses per revolution
	CountsPerRev() uint32

	// Reset zeroes the counters. Only valid while the decoder is quiesced.
	Reset() error
}

// Kind selects a decoder implementation
type Kind int

const (
	KindPeripheral Kind = iota
	KindSoftware
)

// String returns the configuration name of the kind
func (k Kind) String() string {
	switch k {
	case KindPeripheral:
		return "peripheral"
	case KindSoftware:
		return "software"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind parses a configuration kind name
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "peripheral", "hardware", "hw", "qei":
		return KindPeripheral, nil
	case "software", "sw", "":
		return KindSoftware, nil
	}
	return 0, fmt.Errorf("unknown encoder kind %q", s)
}

// Direction is the sign of the most recent count change
type Direction int32

const (
	DirectionUnknown Direction = 0
	Forward          Direction = 1
	Reverse          Direction = -1
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	}
	return "unknown"
}

// Revs returns the number of whole revolutions represented by pos
func Revs(d Decoder, pos int64) float64 {
	cpr := d.CountsPerRev()
	if cpr == 0 {
		return 0
	}
	return float64(pos) / float64(cpr)
}
