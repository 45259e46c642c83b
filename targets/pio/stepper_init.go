//go:build rp2040 || rp2350

package pio

import (
	"errors"

	"spindlesync/core"
)

// ErrNoStateMachine is returned once every PIO state machine is in use
var ErrNoStateMachine = errors.New("no free PIO state machine")

var (
	// 2 PIO blocks with 4 state machines each
	pioAllocations = [2][4]bool{} // [pioNum][smNum]
	nextPIONum     = uint8(0)
	nextSMNum      = uint8(0)
)

// NewBackend allocates a state machine and returns a step backend on it
func NewBackend() (core.StepperBackend, error) {
	pioNum, smNum, ok := allocatePIO()
	if !ok {
		return nil, ErrNoStateMachine
	}
	return NewPIOStepperBackend(pioNum, smNum), nil
}

// NewBackends returns one backend per axis name
func NewBackends(axes ...string) (map[string]core.StepperBackend, error) {
	backends := make(map[string]core.StepperBackend, len(axes))
	for _, axis := range axes {
		b, err := NewBackend()
		if err != nil {
			return backends, err
		}
		backends[axis] = b
	}
	return backends, nil
}

// allocatePIO hands out state machines round-robin across the PIO blocks
func allocatePIO() (uint8, uint8, bool) {
	for i := 0; i < 8; i++ {
		pioNum := nextPIONum
		smNum := nextSMNum

		nextSMNum++
		if nextSMNum >= 4 {
			nextSMNum = 0
			nextPIONum = (nextPIONum + 1) % 2
		}

		if !pioAllocations[pioNum][smNum] {
			pioAllocations[pioNum][smNum] = true
			return pioNum, smNum, true
		}
	}
	return 0, 0, false
}
