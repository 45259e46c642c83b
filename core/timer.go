package core

import "time"

// Timer frequencies for common MCUs
const (
	TimerFreq = 12000000 // 12MHz default timer frequency

	ticksPerUS = TimerFreq / 1000000
)

// TimerFromUS converts microseconds to timer ticks
func TimerFromUS(us uint32) uint32 {
	return us * ticksPerUS
}

// TimerToUS converts timer ticks to microseconds
func TimerToUS(ticks uint32) uint32 {
	return ticks / ticksPerUS
}

// TimerFromMS converts milliseconds to timer ticks
func TimerFromMS(ms uint32) uint32 {
	return ms * (TimerFreq / 1000)
}

// TimerFromDuration converts a duration to timer ticks. The result wraps
// like the tick counter does.
func TimerFromDuration(d time.Duration) uint32 {
	return uint32(uint64(d/time.Microsecond) * ticksPerUS)
}

// TimerFromHz returns the tick period of a frequency
func TimerFromHz(hz uint32) uint32 {
	if hz == 0 {
		return 0
	}
	return TimerFreq / hz
}

// timerIsBefore reports whether a precedes b on the wrapping tick counter
func timerIsBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
