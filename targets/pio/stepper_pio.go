//go:build rp2040 || rp2350

// Package pio generates step pulses with the RP2040/RP2350 PIO blocks
package pio

import (
	"machine"

	"spindlesync/core"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"
)

// Command word, shifted out LSB first:
//
//	Bits 0-15:  pulse count minus one
//	Bits 16-23: delay loops between pulses
//	Bit 24:     direction pin level
//
// The program pulls a command, sets the direction pin, then emits X+1
// pulses with Y+1 delay loops after each one.
func buildStepperProgram(origin uint8, invertStep bool) []uint16 {
	asm := rp2pio.AssemblerV0{SidesetBits: 0}
	active, idle := uint8(1), uint8(0)
	if invertStep {
		active, idle = 0, 1
	}
	return []uint16{
		asm.Pull(false, true).Encode(),          // pull block
		asm.Out(rp2pio.OutDestX, 16).Encode(),   // out x, 16
		asm.Out(rp2pio.OutDestY, 8).Encode(),    // out y, 8
		asm.Out(rp2pio.OutDestPins, 1).Encode(), // out pins, 1
		// step_loop:
		asm.Set(rp2pio.SetDestPins, active).Delay(7).Encode(),
		asm.Set(rp2pio.SetDestPins, idle).Encode(),
		// delay_loop:
		asm.Jmp(origin+6, rp2pio.JmpYNZeroDec).Encode(),
		asm.Jmp(origin+4, rp2pio.JmpXNZeroDec).Encode(),
	}
}

// Jumps are absolute, so each polarity is loaded at a fixed origin once
// per PIO block
var (
	programOrigin = map[bool]uint8{false: 0, true: 8}
	programLoaded [2]map[bool]bool
)

// pioClockDiv runs the state machine at 1MHz from the 125MHz system clock,
// giving an 8us step pulse
const pioClockDiv = 125

// PIOStepperBackend implements core.StepperBackend on one state machine
type PIOStepperBackend struct {
	pio       *rp2pio.PIO
	sm        rp2pio.StateMachine
	stepPin   machine.Pin
	dirPin    machine.Pin
	invertDir bool
	direction bool
	pioNum    uint8
	smNum     uint8
}

// NewPIOStepperBackend creates a backend on PIO pioNum, state machine smNum
func NewPIOStepperBackend(pioNum, smNum uint8) *PIOStepperBackend {
	pioHW := rp2pio.PIO0
	if pioNum != 0 {
		pioHW = rp2pio.PIO1
	}
	return &PIOStepperBackend{
		pio:    pioHW,
		sm:     pioHW.StateMachine(smNum),
		pioNum: pioNum,
		smNum:  smNum,
	}
}

func (b *PIOStepperBackend) Init(stepPin, dirPin core.GPIOPin, invertStep, invertDir bool) error {
	b.stepPin = machine.Pin(stepPin)
	b.dirPin = machine.Pin(dirPin)
	b.invertDir = invertDir

	// Claim the state machine before touching it
	b.sm.TryClaim()

	origin := programOrigin[invertStep]
	program := buildStepperProgram(origin, invertStep)
	if programLoaded[b.pioNum] == nil {
		programLoaded[b.pioNum] = make(map[bool]bool)
	}
	if !programLoaded[b.pioNum][invertStep] {
		if _, err := b.pio.AddProgram(program, int8(origin)); err != nil {
			return err
		}
		programLoaded[b.pioNum][invertStep] = true
	}

	b.stepPin.Configure(machine.PinConfig{Mode: b.pio.PinMode()})
	b.dirPin.Configure(machine.PinConfig{Mode: b.pio.PinMode()})

	cfg := rp2pio.DefaultStateMachineConfig()
	cfg.SetSetPins(b.stepPin, 1)
	cfg.SetOutPins(b.dirPin, 1)
	// Shift right, explicit PULL
	cfg.SetOutShift(true, false, 32)
	cfg.SetWrap(origin+uint8(len(program))-1, origin)
	cfg.SetClkDivIntFrac(pioClockDiv, 0)

	// Pin directions must be set after Init
	b.sm.Init(origin, cfg)
	b.sm.SetPindirsConsecutive(b.stepPin, 1, true)
	b.sm.SetPindirsConsecutive(b.dirPin, 1, true)
	b.sm.SetPinsConsecutive(b.stepPin, 1, invertStep)
	b.sm.SetPinsConsecutive(b.dirPin, 1, invertDir)

	b.sm.SetEnabled(true)
	return nil
}

// Step queues a single pulse
func (b *PIOStepperBackend) Step() {
	b.QueueSteps(1, 0)
}

// QueueSteps queues count pulses in the current direction
func (b *PIOStepperBackend) QueueSteps(count uint16, delayLoops uint8) {
	if count == 0 {
		return
	}
	cmd := uint32(count-1) | uint32(delayLoops)<<16
	if b.direction != b.invertDir {
		cmd |= 1 << 24
	}
	for b.sm.IsTxFIFOFull() {
	}
	b.sm.TxPut(cmd)
}

// SetDirection latches the direction for later pulses
func (b *PIOStepperBackend) SetDirection(dir bool) {
	b.direction = dir
}

// Stop drops queued pulses and restarts the program
func (b *PIOStepperBackend) Stop() {
	b.sm.SetEnabled(false)
	b.sm.ClearFIFOs()
	b.sm.Restart()
	b.sm.SetEnabled(true)
}

func (b *PIOStepperBackend) GetName() string {
	return "PIO" + string('0'+b.pioNum) + "-SM" + string('0'+b.smNum)
}
