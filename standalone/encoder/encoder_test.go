package encoder

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"spindlesync/core"
)

// fakePins is a GPIO and edge driver whose inputs are set by the test
type fakePins struct {
	mu       sync.Mutex
	levels   map[core.GPIOPin]bool
	handlers map[core.GPIOPin]func()
	maxPin   core.GPIOPin
}

func newFakePins() *fakePins {
	return &fakePins{
		levels:   make(map[core.GPIOPin]bool),
		handlers: make(map[core.GPIOPin]func()),
		maxPin:   31,
	}
}

func (f *fakePins) ConfigureOutput(core.GPIOPin) error        { return nil }
func (f *fakePins) ConfigureInputPullUp(core.GPIOPin) error   { return nil }
func (f *fakePins) ConfigureInputPullDown(core.GPIOPin) error { return nil }

func (f *fakePins) SetPin(pin core.GPIOPin, v bool) error {
	f.mu.Lock()
	f.levels[pin] = v
	f.mu.Unlock()
	return nil
}

func (f *fakePins) GetPin(pin core.GPIOPin) (bool, error) {
	return f.ReadPin(pin), nil
}

func (f *fakePins) ReadPin(pin core.GPIOPin) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[pin]
}

func (f *fakePins) WatchEdges(pin core.GPIOPin, handler func()) error {
	if pin > f.maxPin {
		return core.ErrNotInterruptCapable
	}
	f.mu.Lock()
	f.handlers[pin] = handler
	f.mu.Unlock()
	return nil
}

// drive sets one pin and fires its edge handler if the level changed
func (f *fakePins) drive(pin core.GPIOPin, v bool) {
	f.mu.Lock()
	changed := f.levels[pin] != v
	f.levels[pin] = v
	h := f.handlers[pin]
	f.mu.Unlock()
	if changed && h != nil {
		h()
	}
}

// gray is the state order that counts up: A leads B
var gray = []uint32{0b00, 0b10, 0b11, 0b01}

func newAttached(t *testing.T, cfg SoftwareConfig) (*Software, *fakePins) {
	t.Helper()
	pins := newFakePins()
	sched := core.NewScheduler()
	sched.SetEdgeDriver(pins)

	enc := NewSoftware(cfg, pins, nil)
	if err := enc.Attach(sched); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	return enc, pins
}

// step moves the channels to the given state, one channel at a time
func step(pins *fakePins, a, b core.GPIOPin, st uint32) {
	pins.drive(a, st&0b10 != 0)
	pins.drive(b, st&0b01 != 0)
}

func TestSoftwareDecode4x(t *testing.T) {
	enc, pins := newAttached(t, SoftwareConfig{Name: "sw0", ChanA: 1, ChanB: 2})

	// One full cycle forward
	for _, st := range append(gray[1:], gray[0]) {
		step(pins, 1, 2, st)
	}
	if got := enc.Position(); got != 4 {
		t.Errorf("Expected 4 after a forward cycle, got %d", got)
	}
	if enc.Direction() != Forward {
		t.Errorf("Expected forward, got %s", enc.Direction())
	}

	// Two full cycles back
	for i := 0; i < 2; i++ {
		for _, st := range []uint32{0b01, 0b11, 0b10, 0b00} {
			step(pins, 1, 2, st)
		}
	}
	if got := enc.Position(); got != -4 {
		t.Errorf("Expected -4 after two reverse cycles, got %d", got)
	}
	if enc.Direction() != Reverse {
		t.Errorf("Expected reverse, got %s", enc.Direction())
	}
}

func TestSoftwareInvalidTransition(t *testing.T) {
	enc, _ := newAttached(t, SoftwareConfig{Name: "sw0", ChanA: 1, ChanB: 2})

	enc.Update(false, false)
	enc.Update(true, true) // both channels changed
	if got := enc.Position(); got != 0 {
		t.Errorf("Expected invalid transition to be dropped, got %d", got)
	}
	if enc.InvalidTransitions() != 1 {
		t.Errorf("Expected 1 invalid transition, got %d", enc.InvalidTransitions())
	}

	// Decoding resumes from the new state: 11 -> 01 counts up
	enc.Update(false, true)
	if got := enc.Position(); got != 1 {
		t.Errorf("Expected 1, got %d", got)
	}
}

func TestSoftwareRandomWalk(t *testing.T) {
	enc, _ := newAttached(t, SoftwareConfig{Name: "sw0", ChanA: 1, ChanB: 2})
	rng := rand.New(rand.NewSource(42))

	idx := 0
	var want int64
	for i := 0; i < 10000; i++ {
		d := 1
		if rng.Intn(2) == 0 {
			d = -1
		}
		idx = (idx + d + 4) % 4
		want += int64(d)
		st := gray[idx]
		enc.Update(st&0b10 != 0, st&0b01 != 0)
	}
	if got := enc.Position(); got != want {
		t.Errorf("Expected net %d, got %d", want, got)
	}
}

func TestSoftwareDecode2x(t *testing.T) {
	enc, _ := newAttached(t, SoftwareConfig{Name: "sw0", ChanA: 1, ChanB: 2, Decoding: 2})

	for _, st := range []uint32{0b11, 0b00} {
		enc.Update(st&0b10 != 0, st&0b01 != 0)
	}
	if got := enc.Position(); got != 2 {
		t.Errorf("Expected 2, got %d", got)
	}

	for _, st := range []uint32{0b10, 0b01, 0b10} {
		enc.Update(st&0b10 != 0, st&0b01 != 0)
	}
	// 00->10 does not count, 10->01 and 01->10 count down
	if got := enc.Position(); got != 0 {
		t.Errorf("Expected 0, got %d", got)
	}
}

func TestSoftwareInvert(t *testing.T) {
	enc, pins := newAttached(t, SoftwareConfig{Name: "sw0", ChanA: 1, ChanB: 2, Invert: true})

	for _, st := range append(gray[1:], gray[0]) {
		step(pins, 1, 2, st)
	}
	if got := enc.Position(); got != -4 {
		t.Errorf("Expected inverted channels to count down, got %d", got)
	}
}

func TestSoftwareIndex(t *testing.T) {
	enc, pins := newAttached(t, SoftwareConfig{Name: "sw0", ChanA: 1, ChanB: 2, ChanI: 3, HasIndex: true})

	for i := 0; i < 3; i++ {
		pins.drive(3, true)
		pins.drive(3, false)
	}
	if enc.Revolutions() != 3 {
		t.Errorf("Expected 3 index pulses, got %d", enc.Revolutions())
	}
}

func TestSoftwareNotInterruptCapable(t *testing.T) {
	pins := newFakePins()
	sched := core.NewScheduler()
	sched.SetEdgeDriver(pins)

	enc := NewSoftware(SoftwareConfig{Name: "sw0", ChanA: 1, ChanB: 40}, pins, nil)
	err := enc.Attach(sched)
	if !errors.Is(err, ErrNotInterruptCapable) {
		t.Errorf("Expected ErrNotInterruptCapable, got %v", err)
	}
}

func TestSoftwareReset(t *testing.T) {
	enc, _ := newAttached(t, SoftwareConfig{Name: "sw0", ChanA: 1, ChanB: 2})
	enc.Update(true, false)

	if err := enc.Reset(); !errors.Is(err, ErrActive) {
		t.Errorf("Expected ErrActive while counting, got %v", err)
	}

	enc.Disable()
	if err := enc.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if enc.Position() != 0 {
		t.Errorf("Expected 0 after reset, got %d", enc.Position())
	}
}

func TestSoftwareConcurrentReads(t *testing.T) {
	enc, _ := newAttached(t, SoftwareConfig{Name: "sw0", ChanA: 1, ChanB: 2})

	const steps = 20000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= steps; i++ {
			st := gray[i%4]
			enc.Update(st&0b10 != 0, st&0b01 != 0)
		}
	}()

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last int64
			for {
				select {
				case <-done:
					return
				default:
				}
				p := enc.Position()
				if p < last {
					t.Errorf("Position went backwards: %d after %d", p, last)
					return
				}
				last = p
			}
		}()
	}

	<-done
	wg.Wait()
	if enc.Position() != steps {
		t.Errorf("Expected %d, got %d", steps, enc.Position())
	}
}

type fakeCounter struct {
	mu      sync.Mutex
	cfg     CounterConfig
	raw     uint32
	index   uint32
	reverse bool
	resets  int
}

func (c *fakeCounter) Configure(cfg CounterConfig) error {
	c.cfg = cfg
	return nil
}

func (c *fakeCounter) Position() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw
}

func (c *fakeCounter) Index() uint32 { return c.index }

func (c *fakeCounter) Reverse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reverse
}

func (c *fakeCounter) Reset() error {
	c.raw = 0
	c.index = 0
	c.resets++
	return nil
}

func TestPeripheralWrap(t *testing.T) {
	counter := &fakeCounter{}
	enc, err := NewPeripheral(PeripheralConfig{Name: "hw", Invert: true}, counter, nil)
	if err != nil {
		t.Fatalf("NewPeripheral failed: %v", err)
	}
	if counter.cfg.MaxPosition != MaxPosition || !counter.cfg.DirectionInvert || counter.cfg.Filter != 200 {
		t.Errorf("Unexpected counter config %+v", counter.cfg)
	}

	counter.raw = 1500
	if enc.Position() != 1500 {
		t.Errorf("Expected 1500, got %d", enc.Position())
	}

	// Spindle reverses through zero
	counter.raw = MaxPosition - 250
	counter.reverse = true
	enc.DirectionChanged()
	if got := enc.Position(); got != -250 {
		t.Errorf("Expected -250 below zero, got %d", got)
	}
	if enc.Direction() != Reverse {
		t.Error("Expected reverse direction")
	}

	// And back up through zero
	counter.raw = 10
	counter.reverse = false
	enc.DirectionChanged()
	if got := enc.Position(); got != 10 {
		t.Errorf("Expected 10, got %d", got)
	}
}

func TestPeripheralReset(t *testing.T) {
	counter := &fakeCounter{raw: 99}
	enc, err := NewPeripheral(PeripheralConfig{Name: "hw"}, counter, nil)
	if err != nil {
		t.Fatalf("NewPeripheral failed: %v", err)
	}

	if err := enc.Reset(); !errors.Is(err, ErrActive) {
		t.Errorf("Expected ErrActive, got %v", err)
	}
	enc.Disable()
	if err := enc.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if enc.Position() != 0 || counter.resets != 1 {
		t.Errorf("Expected cleared counter, got %d", enc.Position())
	}
}

func TestConsoleCommands(t *testing.T) {
	enc, _ := newAttached(t, SoftwareConfig{Name: "sw0", ChanA: 1, ChanB: 2})
	for _, st := range gray[1:] {
		enc.Update(st&0b10 != 0, st&0b01 != 0)
	}

	reg := core.NewCommandRegistry()
	RegisterCommands(reg, "sw0", enc, nil)

	reply, err := reg.Execute("get_count_sw0")
	if err != nil {
		t.Fatalf("get_count_sw0 failed: %v", err)
	}
	if reply != "SW0 Count = 3" {
		t.Errorf("Unexpected reply %q", reply)
	}

	// A counting decoder refuses the reset
	if _, err := reg.Execute("reset_sw0"); !errors.Is(err, ErrActive) {
		t.Errorf("Expected ErrActive resetting a live decoder, got %v", err)
	}
	if enc.Position() != 3 {
		t.Errorf("Expected count kept, got %d", enc.Position())
	}

	if reply, err := reg.Execute("disable_sw0"); err != nil || reply != "SW0 disabled" {
		t.Fatalf("disable_sw0 = %q, %v", reply, err)
	}
	if _, err := reg.Execute("reset_sw0"); err != nil {
		t.Fatalf("reset_sw0 failed: %v", err)
	}
	if enc.Position() != 0 {
		t.Errorf("Expected 0 after reset, got %d", enc.Position())
	}

	if reply, err := reg.Execute("enable_sw0"); err != nil || reply != "SW0 enabled" {
		t.Fatalf("enable_sw0 = %q, %v", reply, err)
	}
	enc.Update(true, false)
	if enc.Position() != 1 {
		t.Errorf("Expected counting to resume, got %d", enc.Position())
	}
}

func TestConsoleGuard(t *testing.T) {
	enc, _ := newAttached(t, SoftwareConfig{Name: "sw0", ChanA: 1, ChanB: 2})
	enc.Update(true, false)

	busy := true
	reg := core.NewCommandRegistry()
	RegisterCommands(reg, "sw0", enc, func() error {
		if busy {
			return fmt.Errorf("%w: spindle running", ErrInUse)
		}
		return nil
	})

	for _, cmd := range []string{"disable_sw0", "reset_sw0"} {
		if _, err := reg.Execute(cmd); !errors.Is(err, ErrInUse) {
			t.Errorf("%s: expected ErrInUse, got %v", cmd, err)
		}
	}
	if enc.Position() != 1 {
		t.Errorf("Expected count untouched, got %d", enc.Position())
	}
	enc.Update(true, true)
	if enc.Position() != 2 {
		t.Errorf("Expected the decoder still counting, got %d", enc.Position())
	}

	busy = false
	if _, err := reg.Execute("disable_sw0"); err != nil {
		t.Fatalf("disable_sw0 failed: %v", err)
	}
	if _, err := reg.Execute("reset_sw0"); err != nil {
		t.Fatalf("reset_sw0 failed: %v", err)
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"software": KindSoftware, "QEI": KindPeripheral, "": KindSoftware} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseKind("optical"); err == nil {
		t.Error("Expected error for unknown kind")
	}
}
