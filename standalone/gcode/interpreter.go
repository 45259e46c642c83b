package gcode

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"spindlesync/standalone/motion"
	"spindlesync/standalone/spindle"
	"spindlesync/standalone/tapping"
)

// ErrNotConfigured is returned for a command whose module is not loaded
var ErrNotConfigured = errors.New("module not configured")

// Motion is the axis executor
type Motion interface {
	Rapid(pos motion.Position) error
	Linear(pos motion.Position, feed float64) error
	Planned() motion.Position
	Position() motion.Position
	ResetPosition(pos motion.Position)
}

// Spindle is the spindle speed controller
type Spindle interface {
	TurnOn()
	TurnOnReverse() error
	TurnOff()
	SetTargetRPM(rpm float64)
	Gains() spindle.Gains
	SetGains(g spindle.Gains)
	ReportSpeed() string
	ReportSettings() string
}

// Cycles runs canned tapping cycles
type Cycles interface {
	Begin(hand tapping.Hand, w tapping.Words) error
	Repeat(w tapping.Words) error
	Cancel()
	SetRetractMode(m tapping.RetractMode)
}

// State is the modal state of the interpreter
type State struct {
	AbsoluteMode bool    // G90 vs G91
	FeedRate     float64 // mm/s
}

// Interpreter executes G-code commands. Any of the modules may be nil when
// not configured.
type Interpreter struct {
	state   State
	motion  Motion
	spindle Spindle
	cycles  Cycles
	logger  *zap.Logger
}

// NewInterpreter creates an interpreter over the given modules
func NewInterpreter(mot Motion, sp Spindle, cycles Cycles, defaultFeed float64, logger *zap.Logger) *Interpreter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interpreter{
		state: State{
			AbsoluteMode: true,
			FeedRate:     defaultFeed,
		},
		motion:  mot,
		spindle: sp,
		cycles:  cycles,
		logger:  logger.Named("gcode"),
	}
}

// Execute executes a parsed command and returns any report text
func (interp *Interpreter) Execute(cmd *Command) (string, error) {
	if cmd == nil {
		return "", nil
	}

	switch cmd.Type {
	case 'G':
		return "", interp.executeG(cmd)
	case 'M':
		return interp.executeM(cmd)
	}
	interp.logger.Debug("ignored", zap.Stringer("cmd", cmd))
	return "", nil
}

// executeG handles G-codes
func (interp *Interpreter) executeG(cmd *Command) error {
	switch cmd.Number {
	case 0, 1: // G0/G1 - Linear move
		return interp.doMove(cmd)
	case 74: // G74 - Left hand tapping
		return interp.beginCycle(tapping.LeftHand, cmd)
	case 79: // G79 - Tap another hole
		if interp.cycles == nil {
			return fmt.Errorf("%s: tapping %w", cmd, ErrNotConfigured)
		}
		return interp.cycles.Repeat(words(cmd))
	case 80: // G80 - Cancel canned cycle
		if interp.cycles != nil {
			interp.cycles.Cancel()
		}
	case 84: // G84 - Right hand tapping
		return interp.beginCycle(tapping.RightHand, cmd)
	case 90: // G90 - Absolute positioning
		interp.state.AbsoluteMode = true
	case 91: // G91 - Relative positioning
		interp.state.AbsoluteMode = false
	case 92: // G92 - Set position
		return interp.doSetPosition(cmd)
	case 98: // G98 - Retract to initial Z
		if interp.cycles != nil {
			interp.cycles.SetRetractMode(tapping.RetractToInitial)
		}
	case 99: // G99 - Retract to R plane
		if interp.cycles != nil {
			interp.cycles.SetRetractMode(tapping.RetractToR)
		}
	default:
		interp.logger.Debug("ignored", zap.Stringer("cmd", cmd))
	}

	return nil
}

// executeM handles M-codes
func (interp *Interpreter) executeM(cmd *Command) (string, error) {
	switch cmd.Number {
	case 3, 4, 5, 957, 958:
		if interp.spindle == nil {
			return "", fmt.Errorf("%s: spindle %w", cmd, ErrNotConfigured)
		}
	}

	switch cmd.Number {
	case 3: // M3 - Spindle on, clockwise
		if cmd.HasParameter('S') {
			interp.spindle.SetTargetRPM(cmd.GetParameter('S', 0))
		}
		interp.spindle.TurnOn()
	case 4: // M4 - Spindle on, counter-clockwise
		if cmd.HasParameter('S') {
			interp.spindle.SetTargetRPM(cmd.GetParameter('S', 0))
		}
		if err := interp.spindle.TurnOnReverse(); err != nil {
			return "", err
		}
	case 5: // M5 - Spindle off
		interp.spindle.TurnOff()
	case 114: // M114 - Get current position
		if interp.motion == nil {
			return "", fmt.Errorf("%s: motion %w", cmd, ErrNotConfigured)
		}
		pos := interp.motion.Position()
		return fmt.Sprintf("X:%.4f Y:%.4f Z:%.4f", pos.X, pos.Y, pos.Z), nil
	case 957: // M957 - Report spindle speed
		return interp.spindle.ReportSpeed(), nil
	case 958: // M958 - Report or set spindle PID gains
		if cmd.HasParameter('P') || cmd.HasParameter('I') || cmd.HasParameter('D') {
			g := interp.spindle.Gains()
			g.P = cmd.GetParameter('P', g.P)
			g.I = cmd.GetParameter('I', g.I)
			g.D = cmd.GetParameter('D', g.D)
			interp.spindle.SetGains(g)
		}
		return interp.spindle.ReportSettings(), nil
	default:
		interp.logger.Debug("ignored", zap.Stringer("cmd", cmd))
	}

	return "", nil
}

func (interp *Interpreter) beginCycle(hand tapping.Hand, cmd *Command) error {
	if interp.cycles == nil {
		return fmt.Errorf("%s: tapping %w", cmd, ErrNotConfigured)
	}
	return interp.cycles.Begin(hand, words(cmd))
}

// words copies the parameters of cmd for a tapping cycle
func words(cmd *Command) tapping.Words {
	w := make(tapping.Words, len(cmd.Params))
	for k, v := range cmd.Params {
		w[k] = v
	}
	return w
}

// doMove executes a linear move (G0/G1)
func (interp *Interpreter) doMove(cmd *Command) error {
	if interp.motion == nil {
		return fmt.Errorf("%s: motion %w", cmd, ErrNotConfigured)
	}

	// Update feedrate if specified
	if cmd.HasParameter('F') {
		interp.state.FeedRate = cmd.GetParameter('F', 0) / 60.0 // Convert mm/min to mm/s
	}

	current := interp.motion.Planned()
	target := current

	if interp.state.AbsoluteMode {
		target.X = cmd.GetParameter('X', current.X)
		target.Y = cmd.GetParameter('Y', current.Y)
		target.Z = cmd.GetParameter('Z', current.Z)
	} else {
		target.X += cmd.GetParameter('X', 0)
		target.Y += cmd.GetParameter('Y', 0)
		target.Z += cmd.GetParameter('Z', 0)
	}

	if cmd.Number == 0 {
		return interp.motion.Rapid(target)
	}
	return interp.motion.Linear(target, interp.state.FeedRate)
}

// doSetPosition sets the current position (G92)
func (interp *Interpreter) doSetPosition(cmd *Command) error {
	if interp.motion == nil {
		return fmt.Errorf("%s: motion %w", cmd, ErrNotConfigured)
	}
	current := interp.motion.Position()
	current.X = cmd.GetParameter('X', current.X)
	current.Y = cmd.GetParameter('Y', current.Y)
	current.Z = cmd.GetParameter('Z', current.Z)
	interp.motion.ResetPosition(current)
	return nil
}

// GetState returns the modal state
func (interp *Interpreter) GetState() State {
	return interp.state
}
