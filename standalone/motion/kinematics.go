package motion

import (
	"fmt"
	"math"
	"strings"
)

// Position is a machine position in millimeters
type Position struct {
	X float64
	Y float64
	Z float64
}

// Axis indexes into the executor's axis table
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
	numAxes
)

var axisNames = [numAxes]string{"x", "y", "z"}

func (a Axis) String() string {
	if a < 0 || a >= numAxes {
		return fmt.Sprintf("axis(%d)", int(a))
	}
	return axisNames[a]
}

// ParseAxis maps an axis name ("x", "Y", ...) to its index
func ParseAxis(name string) (Axis, error) {
	for i, n := range axisNames {
		if strings.EqualFold(name, n) {
			return Axis(i), nil
		}
	}
	return 0, fmt.Errorf("unknown axis %q", name)
}

func (p Position) get(a Axis) float64 {
	switch a {
	case AxisX:
		return p.X
	case AxisY:
		return p.Y
	default:
		return p.Z
	}
}

func (p *Position) set(a Axis, v float64) {
	switch a {
	case AxisX:
		p.X = v
	case AxisY:
		p.Y = v
	default:
		p.Z = v
	}
}

// Distance returns the straight line distance between two positions
func (p Position) Distance(to Position) float64 {
	dx, dy, dz := to.X-p.X, to.Y-p.Y, to.Z-p.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Limits bounds an axis. A zero value means unbounded.
type Limits struct {
	Min float64
	Max float64
}

func (l Limits) contains(v float64) bool {
	if l.Min == 0 && l.Max == 0 {
		return true
	}
	return v >= l.Min && v <= l.Max
}

// checkLimits validates that every configured axis of pos is within limits
func (e *Executor) checkLimits(pos Position) error {
	for i, ax := range e.axes {
		if ax == nil {
			continue
		}
		v := pos.get(Axis(i))
		if !ax.cfg.Limits.contains(v) {
			return fmt.Errorf("%w: %s=%.4f outside [%.4f, %.4f]",
				ErrOutOfLimits, Axis(i), v, ax.cfg.Limits.Min, ax.cfg.Limits.Max)
		}
	}
	return nil
}

// toSteps converts a position on axis a to a step count, rounding to nearest
func (ax *axis) toSteps(mm float64) int64 {
	return int64(math.Round(mm * ax.cfg.StepsPerMM))
}

func (ax *axis) toMM(steps int64) float64 {
	return float64(steps) / ax.cfg.StepsPerMM
}
