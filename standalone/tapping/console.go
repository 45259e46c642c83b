package tapping

import (
	"fmt"
	"strings"

	"spindlesync/core"
)

// Trace event codes
const (
	traceRequest uint8 = iota + 1
	tracePhase
	traceBottom
	traceAbort
	traceReject
)

var traceNames = map[uint8]string{
	traceRequest: "REQUEST",
	tracePhase:   "PHASE",
	traceBottom:  "BOTTOM",
	traceAbort:   "ABORT",
	traceReject:  "REJECT",
}

// Trace returns the recent cycle events, oldest first
func (c *Controller) Trace() []core.TimingEvent {
	return c.trace.Events()
}

// RegisterCommands adds tap_status, tap_trace and tap_abort to the console
func (c *Controller) RegisterCommands(reg *core.CommandRegistry) {
	reg.Register("tap_status", "print the tapping cycle state", func([]string) (string, error) {
		s := c.Status()
		return fmt.Sprintf("Tap %s hole=%d rejected=%d pulses=%d/%d Z=%.4f R=%.4f F=%.4f S=%d",
			s.Phase, s.Holes, s.Rejected, s.TotalPulses, s.TargetPulses,
			s.Sticky.Z, s.Sticky.R, s.Sticky.F, s.Sticky.S), nil
	})

	reg.Register("tap_trace", "dump recent tapping events", func([]string) (string, error) {
		var b strings.Builder
		c.trace.Dump(func(line string) {
			b.WriteString(line)
			b.WriteByte('\n')
		})
		return strings.TrimSuffix(b.String(), "\n"), nil
	})

	reg.Register("tap_abort", "stop the running hole", func([]string) (string, error) {
		c.Abort()
		return "Tap aborted", nil
	})
}
