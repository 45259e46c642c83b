package sim

import (
	"math"
	"testing"
	"time"

	"spindlesync/core"
	"spindlesync/standalone/config"
	"spindlesync/standalone/encoder"
)

func TestQuadratureDrivesSoftwareDecoder(t *testing.T) {
	gpio := NewGPIO()
	sched := core.NewScheduler()
	sched.SetEdgeDriver(gpio)

	q := NewQuadrature(gpio, 2, 3)
	enc := encoder.NewSoftware(encoder.SoftwareConfig{Name: "sw", ChanA: 2, ChanB: 3}, gpio, nil)
	if err := enc.Attach(sched); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	q.Advance(1000)
	if enc.Position() != 1000 {
		t.Errorf("Expected 1000, got %d", enc.Position())
	}
	q.Advance(-1500)
	if enc.Position() != -500 {
		t.Errorf("Expected -500, got %d", enc.Position())
	}
	if enc.InvalidTransitions() != 0 {
		t.Errorf("Expected no invalid transitions, got %d", enc.InvalidTransitions())
	}
}

func TestDeniedEdges(t *testing.T) {
	gpio := NewGPIO()
	gpio.DenyEdges(3)
	if err := gpio.WatchEdges(3, func() {}); err == nil {
		t.Error("Expected error for denied pin")
	}
}

func TestCounterWrapsThroughPeripheral(t *testing.T) {
	counter := NewCounter(100)
	enc, err := encoder.NewPeripheral(encoder.PeripheralConfig{Name: "hw", CountsPerRev: 100}, counter, nil)
	if err != nil {
		t.Fatalf("NewPeripheral failed: %v", err)
	}
	counter.OnZeroCross(enc.DirectionChanged)

	counter.Advance(250)
	if enc.Position() != 250 || enc.Revolutions() != 2 {
		t.Errorf("Expected 250 counts and 2 revs, got %d and %d", enc.Position(), enc.Revolutions())
	}

	counter.Advance(-400)
	if enc.Position() != -150 {
		t.Errorf("Expected -150, got %d", enc.Position())
	}
	if counter.Position() != encoder.MaxPosition-150 {
		t.Errorf("Expected wrapped register, got %d", counter.Position())
	}

	counter.Advance(160)
	if enc.Position() != 10 {
		t.Errorf("Expected 10, got %d", enc.Position())
	}
}

func TestPlantFollowsDuty(t *testing.T) {
	sched := core.NewScheduler()
	pwm := NewPWM()
	if _, err := pwm.ConfigureHardwarePWM(12, 1000); err != nil {
		t.Fatal(err)
	}
	if err := pwm.SetDutyCycle(12, PWMMax/2); err != nil {
		t.Fatal(err)
	}

	var counts int64
	plant := NewPlant(PlantConfig{MaxRPM: 1000, CountsPerRev: 360, PWMPin: 12}, pwm, nil, func(n int64) {
		counts += n
	})
	plant.Start(sched)

	for i := 0; i < 20; i++ {
		sched.Advance(core.TimerFromMS(100))
	}

	if math.Abs(plant.RPM()-500) > 1 {
		t.Errorf("Expected about 500 rpm, got %v", plant.RPM())
	}
	if counts != plant.Position() || counts <= 0 {
		t.Errorf("Expected sink to see every count, got %d vs %d", counts, plant.Position())
	}

	plant.Stall(true)
	sched.Advance(core.TimerFromMS(100))
	if plant.RPM() != 0 {
		t.Errorf("Expected stalled plant, got %v", plant.RPM())
	}
}

func TestPlantSwitches(t *testing.T) {
	sched := core.NewScheduler()
	gpio := NewGPIO()
	pwm := NewPWM()
	_, _ = pwm.ConfigureHardwarePWM(12, 1000)
	_ = pwm.SetDutyCycle(12, PWMMax)

	on, rev := core.GPIOPin(13), core.GPIOPin(14)
	plant := NewPlant(PlantConfig{MaxRPM: 600, PWMPin: 12, SwitchPin: &on, ReversePin: &rev}, pwm, gpio, nil)
	plant.Start(sched)

	sched.Advance(core.TimerFromMS(100))
	if plant.RPM() != 0 {
		t.Errorf("Expected no motion with the switch off, got %v", plant.RPM())
	}

	_ = gpio.SetPin(on, true)
	_ = gpio.SetPin(rev, true)
	for i := 0; i < 20; i++ {
		sched.Advance(core.TimerFromMS(100))
	}
	if plant.RPM() > -590 {
		t.Errorf("Expected reverse near -600 rpm, got %v", plant.RPM())
	}
}

func TestNewMachine(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Encoders = append(cfg.Encoders, config.Encoder{Name: "qei0", Kind: "peripheral", CPR: 360, Decoding: 4})

	m, err := NewMachine(cfg)
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	if m.Plant == nil {
		t.Fatal("Expected a plant on the spindle encoder")
	}
	if _, ok := m.Counters["qei0"]; !ok {
		t.Error("Expected a counter for the peripheral encoder")
	}

	m.Advance(250 * time.Millisecond)
	if m.Sched.Now() != core.TimerFromMS(250) {
		t.Errorf("Expected clock at 250ms, got %d", m.Sched.Now())
	}
}
