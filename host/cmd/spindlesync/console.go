package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"spindlesync/host/mcu"
	"spindlesync/host/serial"
)

// consoleCmd is an interactive console to a controller on a serial port
var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "send G-code and console commands to a controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		if device == "" {
			return errors.New("no device: set --device or SPINDLESYNC_DEVICE")
		}
		cfg := serial.DefaultConfig(device)
		cfg.Baud = baud
		conn, err := mcu.ConnectWithConfig(cfg)
		if err != nil {
			return err
		}
		defer conn.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Connected to %s. Enter 'help' for commands, 'quit' to exit.\n", device)

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Fprint(out, "> ")
			if !scanner.Scan() {
				break
			}

			line := strings.TrimSpace(scanner.Text())
			switch line {
			case "":
				continue
			case "quit", "exit", "q":
				return nil
			}

			reply, err := conn.Command(line)
			if reply != "" {
				fmt.Fprintln(out, reply)
			}
			if err != nil {
				fmt.Fprintf(out, "Error: %v\n", err)
			}
		}
		return scanner.Err()
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}
