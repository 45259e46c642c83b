//go:build rp2040 || rp2350

package main

import (
	"machine"
)

// InitUSB configures machine.Serial, which is USB CDC-ACM on these chips
func InitUSB() error {
	return machine.Serial.Configure(machine.UARTConfig{})
}

// USBAvailable returns the number of bytes available to read from USB
func USBAvailable() int {
	return machine.Serial.Buffered()
}

// USBRead reads a single byte from USB
func USBRead() (byte, error) {
	return machine.Serial.ReadByte()
}

// USBWriteBytes writes all of data, giving up after repeated short writes
func USBWriteBytes(data []byte) error {
	stalls := 0
	for len(data) > 0 {
		n, err := machine.Serial.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			// Likely disconnected
			if stalls++; stalls > 10 {
				return errUSBStalled
			}
			continue
		}
		stalls = 0
		data = data[n:]
	}
	return nil
}
