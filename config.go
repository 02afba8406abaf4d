package linear_stage

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// HomingDirection selects which end switch the reference run seeks.
type HomingDirection string

const (
	HomingMin HomingDirection = "min"
	HomingMax HomingDirection = "max"
)

const (
	DefaultBaudRate       = 115200
	DefaultAddress        = 1
	DefaultStepsPerMM     = 1280.0
	DefaultMicrosteps     = 8
	DefaultMaxTravelSteps = 50000
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultIOTimeout      = 200 * time.Millisecond
	DefaultSpeed          = 4000
	DefaultHomingSpeed    = 2000
	DefaultMinSwitchInput = 16
	DefaultMaxSwitchInput = 17
)

type Config struct {
	Port     string `json:"port,omitempty" yaml:"port,omitempty"`
	BaudRate int    `json:"baudrate,omitempty" yaml:"baudrate,omitempty"`
	Address  int    `json:"address,omitempty" yaml:"address,omitempty"`

	StepsPerMM float64 `json:"steps_per_mm,omitempty" yaml:"steps_per_mm,omitempty"`
	// Microsteps is compared against the controller on connect; 0 skips the check.
	Microsteps int `json:"microsteps,omitempty" yaml:"microsteps,omitempty"`

	HomingDirection HomingDirection `json:"homing_direction,omitempty" yaml:"homing_direction,omitempty"`
	MaxTravelSteps  int             `json:"max_travel_steps,omitempty" yaml:"max_travel_steps,omitempty"`
	// ReferenceOffset is the position, in steps, assigned to the homing switch.
	// Nil means 0 for min homing and MaxTravelSteps for max homing.
	ReferenceOffset *int `json:"reference_offset,omitempty" yaml:"reference_offset,omitempty"`

	PollInterval time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	IOTimeout    time.Duration `json:"io_timeout,omitempty" yaml:"io_timeout,omitempty"`

	// Speeds in steps per second.
	Speed       int `json:"speed,omitempty" yaml:"speed,omitempty"`
	HomingSpeed int `json:"homing_speed,omitempty" yaml:"homing_speed,omitempty"`

	RampMode        RampMode `json:"ramp_mode,omitempty" yaml:"ramp_mode,omitempty"`
	InvertDirection bool     `json:"invert_direction,omitempty" yaml:"invert_direction,omitempty"`

	MinSwitchInput int `json:"min_switch_input,omitempty" yaml:"min_switch_input,omitempty"`
	MaxSwitchInput int `json:"max_switch_input,omitempty" yaml:"max_switch_input,omitempty"`

	Signatures []DeviceSignature `json:"signatures,omitempty" yaml:"signatures,omitempty"`

	Debug bool `json:"debug,omitempty" yaml:"debug,omitempty"`
}

// DefaultConfig returns a validated configuration for a stock stage on an
// auto-detected port.
func DefaultConfig() Config {
	cfg := Config{Microsteps: DefaultMicrosteps}
	_ = cfg.Validate()
	return cfg
}

// Validate fills unset fields with defaults and rejects impossible values.
func (cfg *Config) Validate() error {
	if cfg.Port == "" {
		cfg.Port = PortAuto
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Address == 0 {
		cfg.Address = DefaultAddress
	}
	if cfg.StepsPerMM == 0 {
		cfg.StepsPerMM = DefaultStepsPerMM
	}
	if cfg.HomingDirection == "" {
		cfg.HomingDirection = HomingMin
	}
	if cfg.MaxTravelSteps == 0 {
		cfg.MaxTravelSteps = DefaultMaxTravelSteps
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.IOTimeout == 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	if cfg.Speed == 0 {
		cfg.Speed = DefaultSpeed
	}
	if cfg.HomingSpeed == 0 {
		cfg.HomingSpeed = DefaultHomingSpeed
	}
	if cfg.RampMode == "" {
		cfg.RampMode = RampSoft
	}
	if cfg.MinSwitchInput == 0 {
		cfg.MinSwitchInput = DefaultMinSwitchInput
	}
	if cfg.MaxSwitchInput == 0 {
		cfg.MaxSwitchInput = DefaultMaxSwitchInput
	}
	if len(cfg.Signatures) == 0 {
		cfg.Signatures = DefaultSignatures()
	}

	if cfg.BaudRate < 0 {
		return errors.Errorf("baudrate must be positive, got %d", cfg.BaudRate)
	}
	if cfg.Address < 1 || cfg.Address > 254 {
		return errors.Errorf("address must be in 1..254, got %d", cfg.Address)
	}
	if cfg.StepsPerMM <= 0 {
		return errors.Errorf("steps_per_mm must be positive, got %v", cfg.StepsPerMM)
	}
	if cfg.Microsteps < 0 {
		return errors.Errorf("microsteps cannot be negative, got %d", cfg.Microsteps)
	}
	cfg.HomingDirection = HomingDirection(strings.ToLower(string(cfg.HomingDirection)))
	if cfg.HomingDirection != HomingMin && cfg.HomingDirection != HomingMax {
		return errors.Errorf("homing_direction must be %q or %q, got %q", HomingMin, HomingMax, cfg.HomingDirection)
	}
	if cfg.MaxTravelSteps < 0 {
		return errors.Errorf("max_travel_steps must be positive, got %d", cfg.MaxTravelSteps)
	}
	if cfg.ReferenceOffset != nil && (*cfg.ReferenceOffset < 0 || *cfg.ReferenceOffset > cfg.MaxTravelSteps) {
		return errors.Errorf("reference_offset %d outside 0..%d", *cfg.ReferenceOffset, cfg.MaxTravelSteps)
	}
	if cfg.PollInterval < 0 || cfg.IOTimeout < 0 {
		return errors.New("poll_interval and io_timeout must be positive")
	}
	if cfg.Speed < 0 || cfg.HomingSpeed < 0 {
		return errors.New("speed and homing_speed must be positive")
	}
	if cfg.Speed > MaxSpeed || cfg.HomingSpeed > MaxSpeed {
		return errors.Errorf("speed and homing_speed are limited to %d steps/s", MaxSpeed)
	}
	mode, err := ParseRampMode(string(cfg.RampMode))
	if err != nil {
		return err
	}
	cfg.RampMode = mode
	if cfg.MinSwitchInput < 0 || cfg.MinSwitchInput > 31 || cfg.MaxSwitchInput < 0 || cfg.MaxSwitchInput > 31 {
		return errors.New("switch inputs must be bit numbers in 0..31")
	}
	if cfg.MinSwitchInput == cfg.MaxSwitchInput {
		return errors.Errorf("min and max switch cannot share input bit %d", cfg.MinSwitchInput)
	}
	return nil
}

// ReferencePosition is the step count assigned to the homing switch.
func (cfg *Config) ReferencePosition() int {
	if cfg.ReferenceOffset != nil {
		return *cfg.ReferenceOffset
	}
	if cfg.HomingDirection == HomingMax {
		return cfg.MaxTravelSteps
	}
	return 0
}

// LoadConfig reads a YAML (or JSON, which YAML accepts) file and validates it.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}
