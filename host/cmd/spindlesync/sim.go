package main

import (
	"github.com/spf13/cobra"

	"spindlesync/standalone"
	"spindlesync/standalone/sim"
)

// simCmd runs the controller against a simulated spindle motor
var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "run the controller against a simulated spindle",
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

		machine, err := sim.NewMachine(cfg)
		if err != nil {
			return err
		}
		hw := standalone.Hardware{
			GPIO:     machine.GPIO,
			PWM:      machine.PWM,
			Edges:    machine.GPIO,
			Counters: machine.Counters,
		}
		return runMachine(cmd.Context(), cfg, hw, machine.Sched, logger)
	},
}

func init() {
	rootCmd.AddCommand(simCmd)
	simCmd.Flags().StringVar(&metricsAt, "metrics", "", "serve Prometheus metrics on this address")
}
