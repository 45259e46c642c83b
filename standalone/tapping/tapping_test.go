package tapping

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"spindlesync/core"
	"spindlesync/standalone/motion"
)

type fakeDecoder struct {
	pos int64
}

func (d *fakeDecoder) Position() int64      { return d.pos }
func (d *fakeDecoder) Revolutions() int64   { return 0 }
func (d *fakeDecoder) CountsPerRev() uint32 { return 360 }
func (d *fakeDecoder) Reset() error         { d.pos = 0; return nil }

// fakeMotion completes every rapid after one busy poll
type fakeMotion struct {
	pos    motion.Position
	rapids []motion.Position
	resets int
	busy   int
}

func (m *fakeMotion) Idle() bool {
	if m.busy > 0 {
		m.busy--
		return false
	}
	return true
}

func (m *fakeMotion) Position() motion.Position { return m.pos }

func (m *fakeMotion) ResetPosition(pos motion.Position) {
	m.pos = pos
	m.resets++
}

func (m *fakeMotion) Rapid(pos motion.Position) error {
	m.rapids = append(m.rapids, pos)
	m.pos = pos
	m.busy = 1
	return nil
}

type fakeAxis struct {
	advancing bool
	steps     int
	net       int
}

func (a *fakeAxis) SetDirection(negative bool) { a.advancing = negative }

func (a *fakeAxis) Step() {
	a.steps++
	if a.advancing {
		a.net++
	} else {
		a.net--
	}
}

type fakeDispatch struct {
	lines []string
}

func (d *fakeDispatch) Dispatch(line string) error {
	d.lines = append(d.lines, line)
	return nil
}

type rig struct {
	c     *Controller
	dec   *fakeDecoder
	mot   *fakeMotion
	axis  *fakeAxis
	gc    *fakeDispatch
	sched *core.Scheduler
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		dec:   &fakeDecoder{},
		mot:   &fakeMotion{pos: motion.Position{Z: 5}},
		axis:  &fakeAxis{},
		gc:    &fakeDispatch{},
		sched: core.NewScheduler(),
	}
	cfg := DefaultConfig()
	cfg.StepsPerMM = 100
	c, err := NewController(cfg, r.dec, r.mot, r.axis, r.gc, r.sched, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	r.c = c
	return r
}

// tick turns the spindle by counts, lets one update period pass and polls
func (r *rig) tick(counts int64) {
	r.dec.pos += counts
	r.sched.Advance(core.TimerFromMS(50))
	r.c.Poll()
}

// runHole ticks at 2 rev/s until the hole completes
func (r *rig) runHole(t *testing.T) {
	t.Helper()
	holes := r.c.Status().Holes
	for i := 0; i < 2000; i++ {
		r.tick(36)
		if r.c.Status().Holes > holes {
			return
		}
	}
	t.Fatalf("hole did not complete, phase %s", r.c.Phase())
}

var firstHole = Words{'Z': -10, 'R': 0, 'F': 1, 'S': 500}

func TestTapHole(t *testing.T) {
	r := newRig(t)

	if err := r.c.Begin(RightHand, firstHole); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	var (
		sawFeed      bool
		leftFeedAt   int64 = -1
		retractStart int64 = -1
	)
	for i := 0; i < 2000 && r.c.Status().Holes == 0; i++ {
		prev := r.c.Phase()
		r.tick(36)
		s := r.c.Status()

		if s.Phase == SyncFeedToDepth {
			sawFeed = true
		}
		if prev == SyncFeedToDepth && s.Phase != SyncFeedToDepth && leftFeedAt < 0 {
			leftFeedAt = s.TotalPulses
		}
		if s.Phase == RetractToInitialZ && retractStart < 0 {
			retractStart = s.TotalPulses
		}
	}

	s := r.c.Status()
	if s.Holes != 1 || s.Phase != Idle {
		t.Fatalf("Expected one completed hole, got holes=%d phase=%s", s.Holes, s.Phase)
	}
	if s.TargetPulses != 1000 {
		t.Errorf("Expected target pulses 1000, got %d", s.TargetPulses)
	}
	if !sawFeed {
		t.Fatal("Expected synchronized feed phase")
	}
	if leftFeedAt < 1000 {
		t.Errorf("Expected reversal only after 1000 pulses, left feed at %d", leftFeedAt)
	}
	if retractStart < 0 || retractStart > 10 {
		t.Errorf("Expected retract to start within 10 pulses of the R plane, got %d", retractStart)
	}

	want := []string{"M5", "M3 S500", "M5", "M4 S500", "M5"}
	if diff := cmp.Diff(want, r.gc.lines); diff != "" {
		t.Errorf("Dispatched lines mismatch (-want +got):\n%s", diff)
	}

	// Rapids: hole XY, R plane, back to initial Z
	if len(r.mot.rapids) != 3 {
		t.Fatalf("Expected 3 rapids, got %v", r.mot.rapids)
	}
	if got := r.mot.rapids[1].Z; got != 0 {
		t.Errorf("Expected rapid to R plane 0, got %v", got)
	}
	if got := r.mot.rapids[2].Z; got != 5 {
		t.Errorf("Expected retract to initial Z 5, got %v", got)
	}
	if r.mot.resets == 0 {
		t.Error("Expected the axis position to be reconciled")
	}
	if int64(r.axis.net) != retractStart {
		t.Errorf("Expected net axis pulses %d, got %d", retractStart, r.axis.net)
	}
}

func TestNoStepsWithoutSpindleMotion(t *testing.T) {
	r := newRig(t)
	if err := r.c.Begin(RightHand, firstHole); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10 && r.c.Phase() != SyncFeedToDepth; i++ {
		r.tick(0)
	}
	if r.c.Phase() != SyncFeedToDepth {
		t.Fatalf("Expected sync feed, got %s", r.c.Phase())
	}

	for i := 0; i < 5; i++ {
		r.tick(0)
	}
	if r.axis.steps != 0 {
		t.Errorf("Expected no pulses while the spindle is stopped, got %d", r.axis.steps)
	}

	r.tick(36)
	r.tick(36)
	if r.axis.steps == 0 {
		t.Error("Expected pulses once the spindle turns")
	}

	// Pausing again stops pulses after the current period
	r.tick(0)
	steps := r.axis.steps
	r.tick(0)
	if r.axis.steps != steps {
		t.Errorf("Expected pulses to pause, got %d more", r.axis.steps-steps)
	}
}

func TestRateFollowsSpindleSpeedUp(t *testing.T) {
	r := newRig(t)
	if err := r.c.Begin(RightHand, firstHole); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10 && r.c.Phase() != SyncFeedToDepth; i++ {
		r.tick(0)
	}
	if r.c.Phase() != SyncFeedToDepth {
		t.Fatalf("Expected sync feed, got %s", r.c.Phase())
	}

	// One count arms a pulse 180ms out, then the spindle reaches 2 rev/s
	r.tick(1)
	r.tick(36)
	r.tick(36)
	if r.axis.steps < 9 {
		t.Errorf("Expected the faster rate to take over within a period, got %d pulses", r.axis.steps)
	}
	if !r.axis.advancing {
		t.Error("Expected the feed to step toward -Z")
	}
}

func TestStickyParameters(t *testing.T) {
	r := newRig(t)
	if err := r.c.Begin(RightHand, firstHole); err != nil {
		t.Fatal(err)
	}
	r.runHole(t)
	before := r.c.Status().Sticky

	if err := r.c.Repeat(Words{'X': 10, 'Y': 5}); err != nil {
		t.Fatalf("Repeat failed: %v", err)
	}
	if diff := cmp.Diff(before, r.c.Status().Sticky); diff != "" {
		t.Errorf("Sticky values changed (-before +after):\n%s", diff)
	}

	r.runHole(t)
	s := r.c.Status()
	if s.TargetPulses != 1000 {
		t.Errorf("Expected target pulses 1000 on the repeated hole, got %d", s.TargetPulses)
	}
	hole := r.mot.rapids[3]
	if hole.X != 10 || hole.Y != 5 {
		t.Errorf("Expected rapid to X10 Y5, got %+v", hole)
	}

	// A letter present on the repeat replaces its sticky value
	if err := r.c.Repeat(Words{'Z': -5}); err != nil {
		t.Fatal(err)
	}
	if got := r.c.Status().Sticky; got.Z != -5 || got.F != 1 || got.S != 500 {
		t.Errorf("Expected only Z to change, got %+v", got)
	}
}

func TestLeftHand(t *testing.T) {
	r := newRig(t)
	if err := r.c.Begin(LeftHand, firstHole); err != nil {
		t.Fatal(err)
	}
	r.runHole(t)

	want := []string{"M5", "M4 S500", "M5", "M3 S500", "M5"}
	if diff := cmp.Diff(want, r.gc.lines); diff != "" {
		t.Errorf("Dispatched lines mismatch (-want +got):\n%s", diff)
	}
}

func TestRetractToR(t *testing.T) {
	r := newRig(t)
	r.c.SetRetractMode(RetractToR)
	if err := r.c.Begin(RightHand, Words{'Z': -10, 'R': 1, 'F': 1, 'S': 500}); err != nil {
		t.Fatal(err)
	}
	r.runHole(t)

	if got := r.c.Status().TargetPulses; got != 1100 {
		t.Errorf("Expected target pulses 1100, got %d", got)
	}
	if got := r.mot.rapids[len(r.mot.rapids)-1].Z; got != 1 {
		t.Errorf("Expected retract to R plane 1, got %v", got)
	}
}

func TestDefaultRPlane(t *testing.T) {
	r := newRig(t)
	if err := r.c.Begin(RightHand, Words{'Z': -1, 'F': 1}); err != nil {
		t.Fatal(err)
	}
	r.tick(0)

	// No R: feed starts at the initial Z of 5
	if got := r.c.Status().TargetPulses; got != 600 {
		t.Errorf("Expected target pulses 600, got %d", got)
	}
}

func TestHoleNotBelowRPlane(t *testing.T) {
	r := newRig(t)
	if err := r.c.Begin(RightHand, Words{'Z': 1, 'R': 0, 'F': 1}); !errors.Is(err, ErrNoDepth) {
		t.Errorf("Expected ErrNoDepth, got %v", err)
	}
	if r.c.Active() {
		t.Error("Expected no hole requested")
	}

	// Without R the plane is only known once the axes settle
	if err := r.c.Begin(RightHand, Words{'Z': 6, 'F': 1}); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	r.tick(0)
	s := r.c.Status()
	if s.Rejected != 1 {
		t.Errorf("Expected 1 rejected hole, got %d", s.Rejected)
	}
	if s.Phase != Idle || r.c.Active() {
		t.Errorf("Expected idle after the rejection, got %s", s.Phase)
	}
	if len(r.mot.rapids) != 0 {
		t.Errorf("Expected no motion, got %v", r.mot.rapids)
	}

	if err := r.c.Repeat(Words{'X': 1}); !errors.Is(err, ErrNoDepth) {
		t.Errorf("Expected ErrNoDepth once the initial Z is known, got %v", err)
	}
}

func TestAbort(t *testing.T) {
	r := newRig(t)
	if err := r.c.Begin(RightHand, firstHole); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 30; i++ {
		r.tick(36)
	}
	if r.c.Phase() != SyncFeedToDepth {
		t.Fatalf("Expected sync feed, got %s", r.c.Phase())
	}

	r.c.Abort()
	if r.c.Phase() != Idle {
		t.Errorf("Expected idle after abort, got %s", r.c.Phase())
	}
	if got := r.gc.lines[len(r.gc.lines)-1]; got != "M5" {
		t.Errorf("Expected spindle off on abort, got %q", got)
	}

	// Pulses already issued are reflected in the position
	issued := r.c.Status().TotalPulses
	wantZ := 0 - float64(issued)/100
	if diff := r.mot.pos.Z - wantZ; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Expected Z %v after abort, got %v", wantZ, r.mot.pos.Z)
	}

	steps := r.axis.steps
	for i := 0; i < 5; i++ {
		r.tick(36)
	}
	if r.axis.steps != steps {
		t.Errorf("Expected no pulses after abort, got %d more", r.axis.steps-steps)
	}
	if len(r.c.Trace()) == 0 {
		t.Error("Expected trace events")
	}
}

func TestCycleCommands(t *testing.T) {
	r := newRig(t)

	if err := r.c.Repeat(Words{'X': 1}); !errors.Is(err, ErrNoCycle) {
		t.Errorf("Expected ErrNoCycle, got %v", err)
	}
	if err := r.c.Begin(RightHand, Words{'Z': -1}); !errors.Is(err, ErrNoFeed) {
		t.Errorf("Expected ErrNoFeed, got %v", err)
	}

	if err := r.c.Begin(RightHand, firstHole); err != nil {
		t.Fatal(err)
	}
	if err := r.c.Begin(RightHand, firstHole); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}

	r.c.Cancel()
	s := r.c.Status()
	if s.Group || s.Sticky != (Sticky{}) {
		t.Errorf("Expected cancel to end the group and reset sticky values, got %+v", s)
	}
	if r.c.Active() {
		t.Error("Expected the pending hole to be dropped")
	}
}

func TestStepInterval(t *testing.T) {
	p := pulseScheduler{updatesPerSec: 20, ratio: 100.0 / 360, feed: 1}

	tests := []struct {
		delta int64
		want  uint32
	}{
		{0, 0},
		{36, 60000},
		{72, 30000},
	}
	for _, tt := range tests {
		if got := p.stepInterval(tt.delta); got != tt.want {
			t.Errorf("stepInterval(%d) = %d, want %d", tt.delta, got, tt.want)
		}
	}
}

func TestConsole(t *testing.T) {
	r := newRig(t)
	reg := core.NewCommandRegistry()
	r.c.RegisterCommands(reg)

	if err := r.c.Begin(RightHand, firstHole); err != nil {
		t.Fatal(err)
	}
	r.tick(0)

	out, err := reg.Execute("tap_status")
	if err != nil {
		t.Fatalf("tap_status failed: %v", err)
	}
	if !strings.HasPrefix(out, "Tap rapid-xy hole=0 rejected=0 pulses=0/1000") {
		t.Errorf("Unexpected status %q", out)
	}

	out, err = reg.Execute("tap_trace")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "REQUEST") || !strings.Contains(out, "PHASE") {
		t.Errorf("Expected request and phase events, got %q", out)
	}
}
