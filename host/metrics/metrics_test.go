package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"spindlesync/standalone"
	"spindlesync/standalone/config"
	"spindlesync/standalone/sim"
)

func newSource(t *testing.T) (*standalone.Manager, *sim.Machine) {
	t.Helper()
	cfg := config.DefaultConfig()
	machine, err := sim.NewMachine(cfg)
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := standalone.NewManager(cfg, standalone.Hardware{
		GPIO:  machine.GPIO,
		PWM:   machine.PWM,
		Edges: machine.GPIO,
	}, machine.Sched, nil)
	if err != nil {
		t.Fatal(err)
	}
	return mgr, machine
}

func gauge(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if labels[l.GetName()] != l.GetValue() {
					continue metrics
				}
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("Metric %s%v not found", name, labels)
	return 0
}

func TestCollector(t *testing.T) {
	mgr, machine := newSource(t)

	if _, err := mgr.ProcessLine("M3 S600"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 200; i++ {
		machine.Advance(5 * time.Millisecond)
		mgr.Poll()
	}

	c := NewCollector(mgr, nil)
	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)
	if n := len(ch); n != 20 {
		t.Errorf("Expected 20 metrics, got %d", n)
	}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(c)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	if got := gauge(t, families, "spindlesync_spindle_target_rpm", nil); got != 600 {
		t.Errorf("Expected target 600, got %v", got)
	}
	if got := gauge(t, families, "spindlesync_spindle_enabled", nil); got != 1 {
		t.Errorf("Expected spindle enabled, got %v", got)
	}
	if got := gauge(t, families, "spindlesync_encoder_position", map[string]string{"encoder": "sw0"}); got <= 0 {
		t.Errorf("Expected encoder to have counted, got %v", got)
	}
	if got := gauge(t, families, "spindlesync_tapping_phase", map[string]string{"phase": "idle"}); got != 1 {
		t.Errorf("Expected idle phase, got %v", got)
	}
	if got := gauge(t, families, "spindlesync_spindle_fault", map[string]string{"fault": "stall"}); got != 0 {
		t.Errorf("Expected no stall, got %v", got)
	}
}
