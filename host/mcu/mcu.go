// Package mcu talks to a controller running the spindlesync console
package mcu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"spindlesync/host/serial"
)

// ErrReply is wrapped by Command when the controller rejects a line
var ErrReply = errors.New("controller error")

// MCU represents a connection to a controller. Every line sent is answered
// with "ok" or "!! <reason>", preceded by any reply text.
type MCU struct {
	mu     sync.Mutex
	port   io.ReadWriter
	closer io.Closer
	reader *bufio.Reader

	// Connection state
	connected bool
}

// NewMCU creates an MCU over an open stream
func NewMCU(port io.ReadWriter) *MCU {
	m := &MCU{
		port:      port,
		reader:    bufio.NewReader(port),
		connected: true,
	}
	if c, ok := port.(io.Closer); ok {
		m.closer = c
	}
	return m
}

// Connect connects to an MCU via serial port
func Connect(device string) (*MCU, error) {
	return ConnectWithConfig(serial.DefaultConfig(device))
}

// ConnectWithConfig connects to an MCU with a custom serial config
func ConnectWithConfig(cfg *serial.Config) (*MCU, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}

	// Give the controller time to initialize (if it just powered on)
	time.Sleep(100 * time.Millisecond)
	if err := port.Flush(); err != nil {
		port.Close()
		return nil, err
	}

	return NewMCU(port), nil
}

// Close closes the connection to the MCU
func (m *MCU) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}

// Command sends line and returns the reply text
func (m *MCU) Command(line string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return "", errors.New("not connected to MCU")
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}
	if _, err := io.WriteString(m.port, line+"\n"); err != nil {
		return "", fmt.Errorf("send %q: %w", line, err)
	}

	var reply []string
	for {
		text, err := m.reader.ReadString('\n')
		if err != nil {
			return strings.Join(reply, "\n"), fmt.Errorf("reply to %q: %w", line, err)
		}
		text = strings.TrimRight(text, "\r\n")
		switch {
		case text == "ok":
			return strings.Join(reply, "\n"), nil
		case strings.HasPrefix(text, "!! "):
			return strings.Join(reply, "\n"), fmt.Errorf("%w: %s", ErrReply, strings.TrimPrefix(text, "!! "))
		default:
			reply = append(reply, text)
		}
	}
}

// SpindleStatus queries the speed report (M957)
func (m *MCU) SpindleStatus() (string, error) {
	return m.Command("M957")
}

// TapStatus queries the tapping cycle state
func (m *MCU) TapStatus() (string, error) {
	return m.Command("tap_status")
}

// Help returns the controller's console command list
func (m *MCU) Help() (string, error) {
	return m.Command("help")
}
