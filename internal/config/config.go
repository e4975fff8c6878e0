package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a config file read by Load.
const MaxConfigFileBytes = 64 << 10

// SerialConfig selects the port the stage controller is attached to.
type SerialConfig struct {
	Port     string `yaml:"port"`      // e.g. "/dev/ttyUSB0", "COM3"
	BaudRate int    `yaml:"baud_rate"` // default 9600
	Backend  string `yaml:"backend"`   // "bugst" (default) or "tarm"
	Mock     bool   `yaml:"mock"`      // simulated stage, no hardware
	// MockStepPerPoll is how far the simulated axis travels per query (0 = instant).
	MockStepPerPoll int `yaml:"mock_step_per_poll"`
}

// StageConfig holds the scan axis and the motion profile written to it
// after connecting. Zero speeds are left as the controller has them.
type StageConfig struct {
	Axis         string `yaml:"axis"`
	LowSpeed     int    `yaml:"low_speed"`
	HighSpeed    int    `yaml:"high_speed"`
	Acceleration int    `yaml:"acceleration"`
	Deceleration int    `yaml:"deceleration"`
}

// ScanConfig is the default sweep and its arrival windows.
type ScanConfig struct {
	XMin int `yaml:"x_min"`
	XMax int `yaml:"x_max"`
	Step int `yaml:"step"`

	StartTolerance int `yaml:"start_tolerance"` // default 10
	StepTolerance  int `yaml:"step_tolerance"`  // default 5
	StartPollMs    int `yaml:"start_poll_ms"`   // default 10
	StepPollUs     int `yaml:"step_poll_us"`    // default 100

	RejectNonPositiveStep bool `yaml:"reject_non_positive_step"`
}

// TriggerConfig selects how each acquisition is triggered.
// Type is "none", "gpio_ttl" or "modbus_coil".
type TriggerConfig struct {
	Type string `yaml:"type"`

	// gpio_ttl: polarity and width depend on the acquisition hardware and
	// have no defaults.
	Pin          int   `yaml:"pin"`
	ActiveHigh   *bool `yaml:"active_high"`
	PulseWidthUs int   `yaml:"pulse_width_us"`

	// modbus_coil
	ModbusEndpoint  string `yaml:"modbus_endpoint"` // host:port
	ModbusUnitID    int    `yaml:"modbus_unit_id"`
	ModbusAddress   int    `yaml:"modbus_address"`
	ModbusTimeoutMs int    `yaml:"modbus_timeout_ms"` // default 1000
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Serial   SerialConfig   `yaml:"serial"`
	Stage    StageConfig    `yaml:"stage"`
	Scan     ScanConfig     `yaml:"scan"`
	Trigger  TriggerConfig  `yaml:"trigger"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath accepts only a .yaml file directly inside a configs/
// directory, with no parent references.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(clean), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain ..", path)
		}
	}
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the validated configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	// Serial
	if c.Serial.Port == "" && !c.Serial.Mock {
		return errors.New("serial.port is required (or set serial.mock)")
	}
	if c.Serial.BaudRate < 0 {
		return fmt.Errorf("serial.baud_rate must be > 0, got %d", c.Serial.BaudRate)
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 9600
	}
	switch c.Serial.Backend {
	case "":
		c.Serial.Backend = "bugst"
	case "bugst", "tarm":
	default:
		return fmt.Errorf("serial.backend must be bugst or tarm, got %q", c.Serial.Backend)
	}
	if c.Serial.Mock && c.Serial.Port == "" {
		c.Serial.Port = "sim"
	}

	// Stage
	if c.Stage.Axis == "" {
		c.Stage.Axis = "x"
	}
	if len(c.Stage.Axis) != 1 {
		return fmt.Errorf("stage.axis must be a single character, got %q", c.Stage.Axis)
	}
	for name, v := range map[string]int{
		"low_speed":    c.Stage.LowSpeed,
		"high_speed":   c.Stage.HighSpeed,
		"acceleration": c.Stage.Acceleration,
		"deceleration": c.Stage.Deceleration,
	} {
		if v < 0 {
			return fmt.Errorf("stage.%s must be >= 0, got %d", name, v)
		}
	}

	// Scan
	if c.Scan.RejectNonPositiveStep && c.Scan.Step <= 0 {
		return fmt.Errorf("scan.step must be > 0, got %d", c.Scan.Step)
	}
	if c.Scan.StartTolerance <= 0 {
		c.Scan.StartTolerance = 10
	}
	if c.Scan.StepTolerance <= 0 {
		c.Scan.StepTolerance = 5
	}
	if c.Scan.StartPollMs <= 0 {
		c.Scan.StartPollMs = 10
	}
	if c.Scan.StepPollUs <= 0 {
		c.Scan.StepPollUs = 100
	}

	// Trigger
	switch c.Trigger.Type {
	case "":
		c.Trigger.Type = "none"
	case "none":
	case "gpio_ttl":
		if c.Trigger.ActiveHigh == nil {
			return errors.New("trigger.active_high is required for gpio_ttl")
		}
		if c.Trigger.PulseWidthUs <= 0 {
			return errors.New("trigger.pulse_width_us must be > 0 for gpio_ttl")
		}
		if c.Trigger.Pin <= 0 {
			return errors.New("trigger.pin is required for gpio_ttl")
		}
	case "modbus_coil":
		if c.Trigger.ModbusEndpoint == "" {
			return errors.New("trigger.modbus_endpoint is required for modbus_coil")
		}
		if c.Trigger.ModbusUnitID < 0 || c.Trigger.ModbusUnitID > 247 {
			return fmt.Errorf("trigger.modbus_unit_id must be between 0 and 247, got %d", c.Trigger.ModbusUnitID)
		}
		if c.Trigger.ModbusAddress < 0 || c.Trigger.ModbusAddress > 0xFFFF {
			return fmt.Errorf("trigger.modbus_address must be between 0 and 65535, got %d", c.Trigger.ModbusAddress)
		}
		if c.Trigger.ModbusTimeoutMs <= 0 {
			c.Trigger.ModbusTimeoutMs = 1000
		}
	default:
		return fmt.Errorf("unsupported trigger type: %s", c.Trigger.Type)
	}

	// Defaults
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// Axis returns the scan axis identifier.
func (c *Config) Axis() byte {
	return c.Stage.Axis[0]
}

// StartPoll returns the sleep between polls while homing to the start.
func (c *Config) StartPoll() time.Duration {
	return time.Duration(c.Scan.StartPollMs) * time.Millisecond
}

// StepPoll returns the sleep between polls at each sweep target.
func (c *Config) StepPoll() time.Duration {
	return time.Duration(c.Scan.StepPollUs) * time.Microsecond
}

// PulseWidth returns the TTL pulse width.
func (c *Config) PulseWidth() time.Duration {
	return time.Duration(c.Trigger.PulseWidthUs) * time.Microsecond
}

// ModbusTimeout returns the Modbus request timeout.
func (c *Config) ModbusTimeout() time.Duration {
	return time.Duration(c.Trigger.ModbusTimeoutMs) * time.Millisecond
}
