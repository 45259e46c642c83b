package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spindlesync/core"
	"spindlesync/core/periphhal"
	"spindlesync/host/metrics"
	"spindlesync/host/serial"
	"spindlesync/standalone"
	"spindlesync/standalone/config"
)

// runCmd drives real pins through periph.io
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the controller on this host's GPIO",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		drv, err := periphhal.NewHost(logger)
		if err != nil {
			return err
		}
		defer drv.Close()

		hw := standalone.Hardware{GPIO: drv, PWM: drv, Edges: drv}
		return runMachine(cmd.Context(), cfg, hw, core.NewScheduler(), logger)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&metricsAt, "metrics", "", "serve Prometheus metrics on this address")
}

// stdio joins stdin and stdout into a console stream
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// runMachine builds the manager and runs it until interrupted. The console
// ending does not stop the machine.
func runMachine(parent context.Context, cfg *config.Config, hw standalone.Hardware,
	sched *core.Scheduler, logger *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := standalone.NewManager(cfg, hw, sched, logger)
	if err != nil {
		return err
	}
	for name, ferr := range mgr.Failures() {
		logger.Warn("running without module", zap.String("module", name), zap.Error(ferr))
	}

	if metricsAt != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(mgr, logger))
		go func() {
			if err := metrics.Serve(ctx, metricsAt, reg, logger); err != nil {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	var console io.ReadWriter = stdio{}
	if device != "" {
		pcfg := serial.DefaultConfig(device)
		pcfg.Baud = baud
		port, err := serial.Open(pcfg)
		if err != nil {
			return err
		}
		defer port.Close()
		console = port
	}
	go func() {
		if err := serial.Serve(ctx, console, mgr, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("console", zap.Error(err))
		}
	}()

	err = mgr.Run(ctx, time.Duration(cfg.TickUS)*time.Microsecond)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
