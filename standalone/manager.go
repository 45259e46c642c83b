// Package standalone wires the spindle synchronisation modules together
// from a machine configuration and feeds them G-code and console lines.
package standalone

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"spindlesync/core"
	"spindlesync/standalone/config"
	"spindlesync/standalone/encoder"
	"spindlesync/standalone/gcode"
	"spindlesync/standalone/motion"
	"spindlesync/standalone/spindle"
	"spindlesync/standalone/tapping"
)

// Module names used in the instance registry
const (
	ModuleMotion  = "motion"
	ModuleSpindle = "spindle"
	ModuleTapping = "tapping"
)

// Hardware is the set of drivers the modules are built on. Any field may be
// nil; modules that need a missing driver fail to configure and are skipped.
type Hardware struct {
	GPIO  core.GPIODriver
	PWM   core.PWMDriver
	Edges core.EdgeDriver

	// Counters are quadrature counter peripherals keyed by encoder name
	Counters map[string]encoder.Counter

	// Steppers are step backends keyed by axis name. Axes without one step
	// through GPIO.
	Steppers map[string]core.StepperBackend
}

// ZeroCrossNotifier is implemented by counters that raise an interrupt when
// the count passes through zero
type ZeroCrossNotifier interface {
	OnZeroCross(fn func())
}

// Manager coordinates all standalone mode components
type Manager struct {
	cfg    *config.Config
	sched  *core.Scheduler
	logger *zap.Logger

	modules *core.Registry
	console *core.CommandRegistry
	failed  map[string]error

	parser      *gcode.Parser
	interpreter *gcode.Interpreter
	executor    *motion.Executor
	spindle     *spindle.Controller
	tap         *tapping.Controller
	debugTimers []*core.Periodic

	// mu serialises line execution and polling
	mu sync.Mutex

	// Serial interface
	inputBuffer  []byte
	outMu        sync.Mutex
	outputBuffer []byte
}

// NewManager builds every enabled module in cfg on top of hw. A module
// whose configuration or hardware is unusable is logged and left out; the
// rest of the machine still runs. Errors are returned only for a missing
// configuration or scheduler.
func NewManager(cfg *config.Config, hw Hardware, sched *core.Scheduler, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("no configuration")
	}
	if sched == nil {
		return nil, errors.New("no scheduler")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		cfg:          cfg,
		sched:        sched,
		logger:       logger,
		modules:      core.NewRegistry(),
		console:      core.NewCommandRegistry(),
		failed:       make(map[string]error),
		parser:       gcode.NewParser(),
		inputBuffer:  make([]byte, 0, 256),
		outputBuffer: make([]byte, 0, 256),
	}
	if hw.Edges != nil {
		sched.SetEdgeDriver(hw.Edges)
	}

	for _, enc := range cfg.Encoders {
		if !enc.Enable {
			continue
		}
		m.build(enc.Name, func() error { return m.buildEncoder(enc, hw) })
	}
	if len(cfg.Axes) > 0 {
		m.build(ModuleMotion, func() error { return m.buildMotion(hw) })
	}
	if cfg.Spindle.Enable {
		m.build(ModuleSpindle, func() error { return m.buildSpindle(hw) })
	}
	if cfg.Tapping.Enable {
		m.build(ModuleTapping, func() error { return m.buildTapping() })
	}

	// Untyped nils keep the interpreter's not-configured checks working
	var (
		mot    gcode.Motion
		sp     gcode.Spindle
		cycles gcode.Cycles
	)
	if m.executor != nil {
		mot = m.executor
	}
	if m.spindle != nil {
		sp = m.spindle
	}
	if m.tap != nil {
		cycles = m.tap
	}
	m.interpreter = gcode.NewInterpreter(mot, sp, cycles, cfg.DefaultFeed, logger)

	m.registerCommands()

	logger.Info("standalone manager ready",
		zap.Strings("modules", m.modules.Names()),
		zap.Int("failed", len(m.failed)))
	return m, nil
}

// build runs fn and records its failure against name
func (m *Manager) build(name string, fn func() error) {
	if err := fn(); err != nil {
		m.failed[name] = err
		m.logger.Error("module disabled", zap.String("module", name), zap.Error(err))
	}
}

// Failures returns the modules that failed to configure, keyed by name
func (m *Manager) Failures() map[string]error {
	out := make(map[string]error, len(m.failed))
	for k, v := range m.failed {
		out[k] = v
	}
	return out
}

// Modules returns the named instance registry
func (m *Manager) Modules() *core.Registry { return m.modules }

// Console returns the console command registry
func (m *Manager) Console() *core.CommandRegistry { return m.console }

// Scheduler returns the scheduler the modules run on
func (m *Manager) Scheduler() *core.Scheduler { return m.sched }

// Spindle returns the spindle controller, or nil if not configured
func (m *Manager) Spindle() *spindle.Controller { return m.spindle }

// Tapping returns the tapping controller, or nil if not configured
func (m *Manager) Tapping() *tapping.Controller { return m.tap }

// Executor returns the axis executor, or nil if not configured
func (m *Manager) Executor() *motion.Executor { return m.executor }

// Decoder returns the encoder registered as name
func (m *Manager) Decoder(name string) (encoder.Decoder, error) {
	return core.Resolve[encoder.Decoder](m.modules, name)
}

// Encoders returns the names of the running encoders
func (m *Manager) Encoders() []string {
	var names []string
	for _, enc := range m.cfg.Encoders {
		if _, err := m.Decoder(enc.Name); err == nil {
			names = append(names, enc.Name)
		}
	}
	return names
}

// ProcessLine executes one line of input and returns its reply text.
// Lines naming a console command go to the console; everything else is
// G-code.
func (m *Manager) ProcessLine(line string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executeLine(line)
}

// executeLine runs a line with mu held
func (m *Manager) executeLine(line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}

	fields := strings.Fields(line)
	if _, ok := m.console.Lookup(strings.ToLower(fields[0])); ok {
		return m.console.Execute(line)
	}

	cmd, err := m.parser.ParseLine(line)
	if err != nil {
		return "", err
	}
	return m.interpreter.Execute(cmd)
}

// Dispatch executes a G-code line for a caller outside the polling loop
func (m *Manager) Dispatch(line string) error {
	_, err := m.ProcessLine(line)
	return err
}

// cycleDispatcher lets the tapping controller issue spindle commands from
// inside Poll, where mu is already held
type cycleDispatcher struct {
	m *Manager
}

func (d cycleDispatcher) Dispatch(line string) error {
	_, err := d.m.executeLine(line)
	return err
}

// ProcessByte processes a single byte of input (for serial streaming)
func (m *Manager) ProcessByte(b byte) {
	if b != '\n' && b != '\r' {
		m.inputBuffer = append(m.inputBuffer, b)
		return
	}

	line := strings.TrimSpace(string(m.inputBuffer))
	m.inputBuffer = m.inputBuffer[:0]
	if line == "" {
		return
	}

	reply, err := m.ProcessLine(line)
	if reply != "" {
		m.SendResponse(reply + "\n")
	}
	if err != nil {
		m.SendResponse("!! " + err.Error() + "\n")
		return
	}
	m.SendResponse("ok\n")
}

// SendResponse queues a response to be sent to the host
func (m *Manager) SendResponse(response string) {
	m.outMu.Lock()
	m.outputBuffer = append(m.outputBuffer, response...)
	m.outMu.Unlock()
}

// GetOutput returns any pending output and clears the buffer
func (m *Manager) GetOutput() []byte {
	m.outMu.Lock()
	defer m.outMu.Unlock()

	if len(m.outputBuffer) == 0 {
		return nil
	}

	output := make([]byte, len(m.outputBuffer))
	copy(output, m.outputBuffer)
	m.outputBuffer = m.outputBuffer[:0]
	return output
}

// Poll advances the queued moves and the tapping state machine. Call it
// regularly from the main loop, never from timer context.
func (m *Manager) Poll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.executor != nil {
		m.executor.Poll()
	}
	if m.tap != nil {
		m.tap.Poll()
	}
}

// Run drives the scheduler from the wall clock and polls every resolution
// until ctx is canceled. The machine is stopped on return.
func (m *Manager) Run(ctx context.Context, resolution time.Duration) error {
	if resolution <= 0 {
		resolution = time.Duration(m.cfg.TickUS) * time.Microsecond
	}

	errc := make(chan error, 1)
	go func() { errc <- m.sched.Run(ctx, resolution) }()

	ticker := time.NewTicker(resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			<-errc
			return ctx.Err()
		case <-ticker.C:
			m.Poll()
		}
	}
}

// Stop aborts any cycle, flushes queued moves and turns the spindle off
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tap != nil {
		m.tap.Abort()
	}
	if m.executor != nil {
		m.executor.Stop()
	}
	if m.spindle != nil {
		m.spindle.TurnOff()
	}
	for _, p := range m.debugTimers {
		p.Stop()
	}
	m.debugTimers = nil
}

// registerCommands adds the manager's own console commands
func (m *Manager) registerCommands() {
	m.console.Register("help", "list console commands", func([]string) (string, error) {
		return strings.TrimRight(m.console.GetDictionary(), "\n"), nil
	})

	m.console.Register("modules", "list configured and failed modules", func([]string) (string, error) {
		var b strings.Builder
		b.WriteString("running: " + strings.Join(m.modules.Names(), " "))
		if len(m.failed) > 0 {
			names := make([]string, 0, len(m.failed))
			for name := range m.failed {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(&b, "\nfailed: %s: %v", name, m.failed[name])
			}
		}
		return b.String(), nil
	})
}
