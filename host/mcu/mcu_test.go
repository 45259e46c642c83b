package mcu

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"spindlesync/host/serial"
	"spindlesync/standalone"
	"spindlesync/standalone/config"
	"spindlesync/standalone/sim"
)

// connect serves a simulated controller on one end of a pipe
func connect(t *testing.T) *MCU {
	t.Helper()
	cfg := config.DefaultConfig()
	machine, err := sim.NewMachine(cfg)
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := standalone.NewManager(cfg, standalone.Hardware{
		GPIO:  machine.GPIO,
		PWM:   machine.PWM,
		Edges: machine.GPIO,
	}, machine.Sched, nil)
	if err != nil {
		t.Fatal(err)
	}

	host, device := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serial.Serve(ctx, device, mgr, nil) }()

	m := NewMCU(host)
	t.Cleanup(func() {
		cancel()
		m.Close()
		device.Close()
		<-done
	})
	return m
}

func TestCommand(t *testing.T) {
	m := connect(t)

	reply, err := m.Command("M114")
	if err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	if reply != "X:0.0000 Y:0.0000 Z:0.0000" {
		t.Errorf("Unexpected reply %q", reply)
	}

	if reply, err := m.Command("G0 X1"); err != nil || reply != "" {
		t.Errorf("Expected bare ok, got %q, %v", reply, err)
	}

	if _, err := m.Command("G1 X"); !errors.Is(err, ErrReply) {
		t.Errorf("Expected ErrReply, got %v", err)
	}

	status, err := m.SpindleStatus()
	if err != nil || !strings.HasPrefix(status, "Current RPM:") {
		t.Errorf("Unexpected spindle status %q, %v", status, err)
	}
	tap, err := m.TapStatus()
	if err != nil || !strings.HasPrefix(tap, "Tap idle") {
		t.Errorf("Unexpected tap status %q, %v", tap, err)
	}
	help, err := m.Help()
	if err != nil || !strings.Contains(help, "get_count_sw0") {
		t.Errorf("Unexpected help %q, %v", help, err)
	}
}

func TestClosed(t *testing.T) {
	m := connect(t)
	m.Close()
	if _, err := m.Command("M114"); err == nil {
		t.Error("Expected error after Close")
	}
}
