package main

import (
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spindlesync/standalone/config"
)

var (
	configPath string
	device     string
	baud       int
	metricsAt  string
	debug      bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "spindlesync",
	Short: "spindlesync keeps a tapping axis locked to a spindle encoder",
	Long: `spindlesync runs a spindle speed loop and rigid tapping cycles.

Settings default from the environment (or a .env file):
  SPINDLESYNC_CONFIG  machine configuration JSON
  SPINDLESYNC_DEVICE  serial console device
  SPINDLESYNC_BAUD    serial console baud rate`,
	SilenceUsage: true,
}

func init() {
	loadEnv()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SPINDLESYNC_CONFIG"),
		"machine configuration file (default built in)")
	rootCmd.PersistentFlags().StringVarP(&device, "device", "d", os.Getenv("SPINDLESYNC_DEVICE"),
		"serial console device")
	rootCmd.PersistentFlags().IntVarP(&baud, "baud", "b", envInt("SPINDLESYNC_BAUD", 115200),
		"serial console baud rate")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEnv reads .env when present
func loadEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Stderr.WriteString("spindlesync: .env: " + err.Error() + "\n")
	}
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadFile(configPath)
}
