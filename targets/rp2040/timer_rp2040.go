//go:build rp2040

package main

import (
	"runtime/volatile"
	"unsafe"
)

// RP2040 TIMER raw (unlatched) registers
const (
	timerBase     = 0x40054000
	timerTimeRawH = timerBase + 0x24
	timerTimeRawL = timerBase + 0x28
)

var (
	timerRawH = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTimeRawH)))
	timerRawL = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTimeRawL)))
)
