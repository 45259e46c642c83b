//go:build rp2040 || rp2350

package main

import (
	"spindlesync/core"
)

// GetHardwareTime reads the low 32 bits of the 1MHz microsecond timer
func GetHardwareTime() uint32 {
	return timerRawL.Get()
}

// GetHardwareUptime reads the full 64-bit microsecond timer
func GetHardwareUptime() uint64 {
	// Read high, low, high again to detect a rollover between the reads
	for {
		high1 := timerRawH.Get()
		low := timerRawL.Get()
		high2 := timerRawH.Get()
		if high1 == high2 {
			return (uint64(high1) << 32) | uint64(low)
		}
	}
}

// UpdateSystemTime moves the scheduler clock to the hardware timer.
// The scheduler counts at TimerFreq, so microseconds are scaled; the
// product wraps the same way the tick counter does.
func UpdateSystemTime(sched *core.Scheduler) {
	sched.SetTime(core.TimerFromUS(GetHardwareTime()))
}
