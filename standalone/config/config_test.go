package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig([]byte(`{
		"encoders": [{"name": "QEI0", "kind": "peripheral", "enable": true}],
		"spindle": {"enable": true, "max_rpm": 6000, "pwm_pin": "gpio12"},
		"tapping": {"enable": true},
		"axes": {"Z": {"step_pin": "gpio20", "dir_pin": "gpio21"}}
	}`))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	wantEnc := Encoder{
		Name:     "qei0",
		Kind:     "peripheral",
		Enable:   true,
		CPR:      360,
		Filter:   200,
		Decoding: 4,
	}
	if diff := cmp.Diff(wantEnc, cfg.Encoders[0]); diff != "" {
		t.Errorf("Encoder mismatch (-want +got):\n%s", diff)
	}

	sp := cfg.Spindle
	if sp.Encoder != "qei0" {
		t.Errorf("Expected spindle to use the only encoder, got %q", sp.Encoder)
	}
	if sp.DefaultRPM != 600 {
		t.Errorf("Expected default rpm 600, got %v", sp.DefaultRPM)
	}
	if sp.MaxError != 1500 {
		t.Errorf("Expected max error 1500, got %v", sp.MaxError)
	}
	if sp.UpdateFreq != 20 || sp.MaxPWM != 1 || sp.PWMPeriodUS != 1000 {
		t.Errorf("Unexpected loop defaults: %+v", sp)
	}

	wantTap := Tapping{
		Enable:           true,
		Encoder:          "qei0",
		MSUpdate:         50,
		ReconcileMS:      300,
		ReverseDelay:     15,
		RetractTolerance: 10,
	}
	if diff := cmp.Diff(wantTap, cfg.Tapping); diff != "" {
		t.Errorf("Tapping mismatch (-want +got):\n%s", diff)
	}

	z, ok := cfg.Axes["z"]
	if !ok {
		t.Fatal("Expected axis names to be lower cased")
	}
	if z.StepsPerMM != 400 || z.MaxVelocity != 10 {
		t.Errorf("Unexpected axis defaults: %+v", z)
	}
	if cfg.DefaultFeed != 10 || cfg.TickUS != 100 {
		t.Errorf("Unexpected top level defaults: feed=%v tick=%v", cfg.DefaultFeed, cfg.TickUS)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{"encoders": [`},
		{"unnamed encoder", `{"encoders": [{"kind": "software"}]}`},
		{"duplicate encoder", `{"encoders": [{"name": "a"}, {"name": "A"}]}`},
		{"bad decoding", `{"encoders": [{"name": "a", "decoding": 3}]}`},
		{"bad max pwm", `{"spindle": {"max_pwm": 2}}`},
		{"unknown axis", `{"axes": {"a": {}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig([]byte(tt.json)); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestExplicitEncoderKept(t *testing.T) {
	cfg, err := LoadConfig([]byte(`{
		"encoders": [{"name": "a"}, {"name": "b"}],
		"spindle": {"encoder": "B"}
	}`))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Spindle.Encoder != "b" {
		t.Errorf("Expected spindle encoder b, got %q", cfg.Spindle.Encoder)
	}
	if cfg.Tapping.Encoder != "" {
		t.Errorf("Expected no tapping encoder with two candidates, got %q", cfg.Tapping.Encoder)
	}
	if _, ok := cfg.Encoder("b"); !ok {
		t.Error("Expected to find encoder b")
	}
	if _, ok := cfg.Encoder("c"); ok {
		t.Error("Expected encoder c to be missing")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if len(cfg.Axes) != 3 {
		t.Errorf("Expected 3 axes, got %d", len(cfg.Axes))
	}
	if cfg.Spindle.Encoder != "sw0" || cfg.Tapping.Encoder != "sw0" {
		t.Errorf("Expected modules bound to sw0, got %q/%q", cfg.Spindle.Encoder, cfg.Tapping.Encoder)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.json")
	if err := os.WriteFile(path, []byte(`{"default_feed": 25}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.DefaultFeed != 25 {
		t.Errorf("Expected feed 25, got %v", cfg.DefaultFeed)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}
}
