// Package config loads the JSON machine configuration
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Encoder configures one quadrature decoder
type Encoder struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"` // "software" or "peripheral"
	Enable   bool   `json:"enable"`
	CPR      uint32 `json:"cpr"`
	Filter   uint32 `json:"filter"`
	Invert   bool   `json:"invert"`
	Decoding int    `json:"decoding"` // 4 or 2, software only
	ChanA    string `json:"chan_a"`
	ChanB    string `json:"chan_b"`
	ChanI    string `json:"chan_i"`
	Debug    bool   `json:"debug"`
}

// Spindle configures the spindle speed loop
type Spindle struct {
	Enable           bool    `json:"enable"`
	Encoder          string  `json:"encoder"`
	MaxRPM           float64 `json:"max_rpm"`
	DefaultRPM       float64 `json:"default_rpm"`
	ControlP         float64 `json:"control_p"`
	ControlI         float64 `json:"control_i"`
	ControlD         float64 `json:"control_d"`
	Smoothing        float64 `json:"control_smoothing"` // seconds
	MaxError         float64 `json:"max_error"`         // rpm, before attenuation
	UpdateFreq       uint32  `json:"update_freq"`
	MaxPWM           float64 `json:"max_pwm"`
	PWMPin           string  `json:"pwm_pin"`
	PWMPeriodUS      uint32  `json:"pwm_period_us"`
	PWMInverted      bool    `json:"pwm_inverted"`
	ReverseDirPin    string  `json:"reverse_dir_pin"`
	SwitchOnPin      string  `json:"switch_on_pin"`
	ErrorAttenuation float64 `json:"error_attenuation"`
	WarmupRPM        float64 `json:"warmup_rpm"`
	WarmupFraction   float64 `json:"warmup_fraction"`
	Debug            bool    `json:"debug"`
}

// Tapping configures the rigid tapping cycles
type Tapping struct {
	Enable           bool   `json:"enable"`
	Encoder          string `json:"encoder"`
	MSUpdate         uint32 `json:"ms_update"`
	ReconcileMS      uint32 `json:"reconcile_ms"`
	ReverseDelay     uint32 `json:"reverse_delay"`
	RetractTolerance int64  `json:"retract_tolerance"`
	Debug            bool   `json:"debug"`
}

// Axis configures one stepper driven axis
type Axis struct {
	StepPin     string  `json:"step_pin"`
	DirPin      string  `json:"dir_pin"`
	InvertStep  bool    `json:"invert_step"`
	InvertDir   bool    `json:"invert_dir"`
	StepsPerMM  float64 `json:"steps_per_mm"`
	MaxVelocity float64 `json:"max_velocity"` // mm/s
	MinPosition float64 `json:"min_position"`
	MaxPosition float64 `json:"max_position"`
}

// Config is the complete machine configuration
type Config struct {
	Encoders    []Encoder       `json:"encoders"`
	Spindle     Spindle         `json:"spindle"`
	Tapping     Tapping         `json:"tapping"`
	Axes        map[string]Axis `json:"axes"`
	DefaultFeed float64         `json:"default_feed"` // mm/s
	TickUS      uint32          `json:"tick_us"`      // host scheduler resolution
}

// LoadConfig parses a JSON configuration and fills in defaults
func LoadConfig(jsonData []byte) (*Config, error) {
	var cfg Config

	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads and parses the configuration at path
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return LoadConfig(data)
}

// applyDefaults fills in missing configuration values
func applyDefaults(cfg *Config) {
	if cfg.DefaultFeed == 0 {
		cfg.DefaultFeed = 10.0 // 10 mm/s
	}
	if cfg.TickUS == 0 {
		cfg.TickUS = 100
	}

	for i := range cfg.Encoders {
		enc := &cfg.Encoders[i]
		enc.Name = strings.ToLower(enc.Name)
		if enc.Kind == "" {
			enc.Kind = "software"
		}
		if enc.CPR == 0 {
			enc.CPR = 360
		}
		if enc.Filter == 0 {
			enc.Filter = 200
		}
		if enc.Decoding == 0 {
			enc.Decoding = 4
		}
	}

	sp := &cfg.Spindle
	if sp.MaxRPM == 0 {
		sp.MaxRPM = 10000
	}
	if sp.DefaultRPM == 0 {
		sp.DefaultRPM = sp.MaxRPM * 0.1
	}
	if sp.ControlP == 0 {
		sp.ControlP = 0.0001
	}
	if sp.ControlI == 0 {
		sp.ControlI = 0.0001
	}
	if sp.ControlD == 0 {
		sp.ControlD = 0.0001
	}
	if sp.Smoothing == 0 {
		sp.Smoothing = 0.1
	}
	if sp.MaxError == 0 {
		sp.MaxError = sp.MaxRPM * 0.25
	}
	if sp.UpdateFreq == 0 {
		sp.UpdateFreq = 20
	}
	if sp.MaxPWM == 0 {
		sp.MaxPWM = 1.0
	}
	if sp.PWMPeriodUS == 0 {
		sp.PWMPeriodUS = 1000
	}
	if sp.ErrorAttenuation == 0 {
		sp.ErrorAttenuation = 0.1
	}
	if sp.WarmupRPM == 0 {
		sp.WarmupRPM = 30
	}
	if sp.WarmupFraction == 0 {
		sp.WarmupFraction = 0.75
	}

	tp := &cfg.Tapping
	if tp.MSUpdate == 0 {
		tp.MSUpdate = 50
	}
	if tp.ReconcileMS == 0 {
		tp.ReconcileMS = 300
	}
	if tp.ReverseDelay == 0 {
		tp.ReverseDelay = 15
	}
	if tp.RetractTolerance == 0 {
		tp.RetractTolerance = 10
	}

	// Apply defaults to each axis
	for name, axis := range cfg.Axes {
		if axis.MaxVelocity == 0 {
			axis.MaxVelocity = 10.0
		}
		if axis.StepsPerMM == 0 {
			axis.StepsPerMM = 400.0
		}
		delete(cfg.Axes, name)
		cfg.Axes[strings.ToLower(name)] = axis
	}

	// A single encoder feeds every module that does not name one
	if len(cfg.Encoders) == 1 {
		if sp.Encoder == "" {
			sp.Encoder = cfg.Encoders[0].Name
		}
		if tp.Encoder == "" {
			tp.Encoder = cfg.Encoders[0].Name
		}
	}
	sp.Encoder = strings.ToLower(sp.Encoder)
	tp.Encoder = strings.ToLower(tp.Encoder)
}

// Validate checks settings that no module can run with. Missing pins are
// left for the module that owns them to report.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Encoders))
	for _, enc := range c.Encoders {
		if enc.Name == "" {
			return fmt.Errorf("encoder without a name")
		}
		if seen[enc.Name] {
			return fmt.Errorf("duplicate encoder %q", enc.Name)
		}
		seen[enc.Name] = true
		if enc.Decoding != 2 && enc.Decoding != 4 {
			return fmt.Errorf("encoder %s: decoding must be 2 or 4, got %d", enc.Name, enc.Decoding)
		}
	}
	if c.Spindle.MaxPWM <= 0 || c.Spindle.MaxPWM > 1 {
		return fmt.Errorf("spindle: max_pwm must be in (0, 1], got %v", c.Spindle.MaxPWM)
	}
	for name := range c.Axes {
		if name != "x" && name != "y" && name != "z" {
			return fmt.Errorf("unknown axis %q", name)
		}
	}
	return nil
}

// Encoder returns the encoder configuration called name
func (c *Config) Encoder(name string) (Encoder, bool) {
	for _, enc := range c.Encoders {
		if enc.Name == name {
			return enc, true
		}
	}
	return Encoder{}, false
}

// DefaultConfig returns a configuration for a software encoder spindle
// with a tapping Z axis
func DefaultConfig() *Config {
	cfg := &Config{
		Encoders: []Encoder{
			{
				Name:   "sw0",
				Kind:   "software",
				Enable: true,
				ChanA:  "gpio2",
				ChanB:  "gpio3",
			},
		},
		Spindle: Spindle{
			Enable:      true,
			PWMPin:      "gpio12",
			SwitchOnPin: "gpio13",
		},
		Tapping: Tapping{
			Enable: true,
		},
		Axes: map[string]Axis{
			"x": {
				StepPin:     "gpio16",
				DirPin:      "gpio17",
				StepsPerMM:  80.0,
				MaxVelocity: 50.0,
			},
			"y": {
				StepPin:     "gpio18",
				DirPin:      "gpio19",
				StepsPerMM:  80.0,
				MaxVelocity: 50.0,
			},
			"z": {
				StepPin:     "gpio20",
				DirPin:      "gpio21",
				StepsPerMM:  400.0,
				MaxVelocity: 10.0,
			},
		},
	}
	applyDefaults(cfg)
	return cfg
}
