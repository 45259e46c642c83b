package encoder

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"spindlesync/core"
)

// quiescer is implemented by decoders that can be stopped for a reset
type quiescer interface {
	Enable()
	Disable()
}

// Guard reports whether the count may be disturbed. It returns an error
// wrapping ErrInUse while something depends on the count. A nil Guard
// always allows.
type Guard func() error

// RegisterCommands adds get_count_<name>, get_revs_<name>, disable_<name>,
// enable_<name> and reset_<name> to the console. Reset only succeeds on a
// decoder that was disabled first.
func RegisterCommands(reg *core.CommandRegistry, name string, d Decoder, guard Guard) {
	label := strings.ToUpper(name)
	allowed := func() error {
		if guard == nil {
			return nil
		}
		return guard()
	}

	reg.Register("get_count_"+name, "print the "+name+" pulse count", func([]string) (string, error) {
		return fmt.Sprintf("%s Count = %d", label, d.Position()), nil
	})

	reg.Register("get_revs_"+name, "print the "+name+" index count", func([]string) (string, error) {
		return fmt.Sprintf("%s Revs = %d", label, d.Revolutions()), nil
	})

	reg.Register("disable_"+name, "stop "+name+" counting", func([]string) (string, error) {
		q, ok := d.(quiescer)
		if !ok {
			return "", fmt.Errorf("%s cannot be disabled", name)
		}
		if err := allowed(); err != nil {
			return "", err
		}
		q.Disable()
		return label + " disabled", nil
	})

	reg.Register("enable_"+name, "resume "+name+" counting", func([]string) (string, error) {
		q, ok := d.(quiescer)
		if !ok {
			return "", fmt.Errorf("%s cannot be enabled", name)
		}
		q.Enable()
		return label + " enabled", nil
	})

	reg.Register("reset_"+name, "zero the "+name+" counters", func([]string) (string, error) {
		if err := allowed(); err != nil {
			return "", err
		}
		if err := d.Reset(); err != nil {
			return "", err
		}
		return label + " reset", nil
	})
}

// StartDebug logs the count of d once per second until the returned timer is stopped
func StartDebug(sched *core.Scheduler, name string, d Decoder, logger *zap.Logger) *core.Periodic {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("encoder").With(zap.String("encoder", name))
	return sched.Every(core.TimerFreq, func() {
		logger.Debug("count",
			zap.Int64("pulses", d.Position()),
			zap.Int64("revs", d.Revolutions()))
	})
}
