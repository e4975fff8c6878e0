package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ---------- ValidateConfigPath ----------

func TestValidateConfigPath_Valid(t *testing.T) {
	dir := t.TempDir()
	cases := []string{
		"configs/default.yaml",
		filepath.Join(dir, "configs", "default.yaml"),
		filepath.Join(dir, "configs", "con fig.yaml"),
		filepath.Join(dir, "configs", "café.yaml"),
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err != nil {
			t.Errorf("ValidateConfigPath(%q) = %v, want nil", path, err)
		}
	}
}

func TestValidateConfigPath_Invalid(t *testing.T) {
	cases := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"traversal", "../../etc/passwd"},
		{"traversal_through_configs", "configs/../../../etc/shadow"},
		{"json", "configs/default.json"},
		{"yml", "configs/default.yml"},
		{"no_extension", "configs/default"},
		{"other_dir", "other/default.yaml"},
		{"bare_file", "default.yaml"},
		{"tmp", "/tmp/default.yaml"},
		{"nested_below_configs", "configs/lab/bench.yaml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateConfigPath(tc.path); err == nil {
				t.Errorf("expected error for %q, got nil", tc.path)
			}
		})
	}
}

func TestValidateConfigPath_VeryLongPath(t *testing.T) {
	long := "configs/" + strings.Repeat("a", 1000) + ".yaml"
	// must not panic
	_ = ValidateConfigPath(long)
}

// ---------- Load ----------

// writeConfig creates a temporary configs/ dir with the given YAML content and returns the path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgDir := filepath.Join(t.TempDir(), "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
serial:
  port: "/dev/ttyUSB0"
  baud_rate: 115200
  backend: "tarm"
stage:
  axis: "y"
  high_speed: 1500
  acceleration: 300
scan:
  x_min: -1000
  x_max: 1000
  step: 50
  start_tolerance: 20
  step_tolerance: 3
  start_poll_ms: 25
  step_poll_us: 500
trigger:
  type: "gpio_ttl"
  pin: 17
  active_high: false
  pulse_width_us: 200
defaults:
  debug_level: 2
  mock_gpio: true
`

func TestLoad_ValidFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Serial.Port != "/dev/ttyUSB0" || cfg.Serial.BaudRate != 115200 || cfg.Serial.Backend != "tarm" {
		t.Errorf("serial = %+v", cfg.Serial)
	}
	if cfg.Axis() != 'y' {
		t.Errorf("Axis() = %c, want y", cfg.Axis())
	}
	if cfg.Stage.HighSpeed != 1500 || cfg.Stage.Acceleration != 300 {
		t.Errorf("stage = %+v", cfg.Stage)
	}
	if cfg.Scan.XMin != -1000 || cfg.Scan.XMax != 1000 || cfg.Scan.Step != 50 {
		t.Errorf("scan range = %+v", cfg.Scan)
	}
	if cfg.Scan.StartTolerance != 20 || cfg.Scan.StepTolerance != 3 {
		t.Errorf("tolerances = %d/%d, want 20/3", cfg.Scan.StartTolerance, cfg.Scan.StepTolerance)
	}
	if cfg.StartPoll() != 25*time.Millisecond {
		t.Errorf("StartPoll() = %v", cfg.StartPoll())
	}
	if cfg.StepPoll() != 500*time.Microsecond {
		t.Errorf("StepPoll() = %v", cfg.StepPoll())
	}
	if cfg.Trigger.ActiveHigh == nil || *cfg.Trigger.ActiveHigh {
		t.Errorf("trigger.active_high = %v, want false", cfg.Trigger.ActiveHigh)
	}
	if cfg.PulseWidth() != 200*time.Microsecond {
		t.Errorf("PulseWidth() = %v", cfg.PulseWidth())
	}
	if cfg.Defaults.DebugLevel != 2 || !cfg.Defaults.MockGPIO {
		t.Errorf("defaults = %+v", cfg.Defaults)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, "serial:\n  port: COM3\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Serial.BaudRate != 9600 {
		t.Errorf("baud_rate default = %d, want 9600", cfg.Serial.BaudRate)
	}
	if cfg.Serial.Backend != "bugst" {
		t.Errorf("backend default = %q, want bugst", cfg.Serial.Backend)
	}
	if cfg.Axis() != 'x' {
		t.Errorf("axis default = %c, want x", cfg.Axis())
	}
	if cfg.Scan.StartTolerance != 10 {
		t.Errorf("start_tolerance default = %d, want 10", cfg.Scan.StartTolerance)
	}
	if cfg.Scan.StepTolerance != 5 {
		t.Errorf("step_tolerance default = %d, want 5", cfg.Scan.StepTolerance)
	}
	if cfg.StartPoll() != 10*time.Millisecond {
		t.Errorf("start poll default = %v, want 10ms", cfg.StartPoll())
	}
	if cfg.StepPoll() != 100*time.Microsecond {
		t.Errorf("step poll default = %v, want 100µs", cfg.StepPoll())
	}
	if cfg.Trigger.Type != "none" {
		t.Errorf("trigger.type default = %q, want none", cfg.Trigger.Type)
	}
	if cfg.Scan.RejectNonPositiveStep {
		t.Error("reject_non_positive_step should default to false")
	}
}

func TestLoad_MockWithoutPort(t *testing.T) {
	cfg, err := Load(writeConfig(t, "serial:\n  mock: true\n  mock_step_per_poll: 3\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Serial.Port != "sim" {
		t.Errorf("mock port name = %q, want sim", cfg.Serial.Port)
	}
	if cfg.Serial.MockStepPerPoll != 3 {
		t.Errorf("mock_step_per_poll = %d, want 3", cfg.Serial.MockStepPerPoll)
	}
}

func TestLoad_ZeroStepAllowedByDefault(t *testing.T) {
	if _, err := Load(writeConfig(t, "serial:\n  port: COM1\nscan:\n  step: 0\n")); err != nil {
		t.Errorf("step 0 should load when not rejected, got %v", err)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"missing_port", "serial:\n  baud_rate: 9600\n"},
		{"negative_baud", "serial:\n  port: COM1\n  baud_rate: -1\n"},
		{"bad_backend", "serial:\n  port: COM1\n  backend: ftdi\n"},
		{"long_axis", "serial:\n  port: COM1\nstage:\n  axis: xy\n"},
		{"negative_speed", "serial:\n  port: COM1\nstage:\n  high_speed: -5\n"},
		{"strict_zero_step", "serial:\n  port: COM1\nscan:\n  step: 0\n  reject_non_positive_step: true\n"},
		{"strict_negative_step", "serial:\n  port: COM1\nscan:\n  step: -2\n  reject_non_positive_step: true\n"},
		{"unknown_trigger", "serial:\n  port: COM1\ntrigger:\n  type: laser\n"},
		{"ttl_without_polarity", "serial:\n  port: COM1\ntrigger:\n  type: gpio_ttl\n  pin: 17\n  pulse_width_us: 10\n"},
		{"ttl_without_width", "serial:\n  port: COM1\ntrigger:\n  type: gpio_ttl\n  pin: 17\n  active_high: true\n"},
		{"ttl_without_pin", "serial:\n  port: COM1\ntrigger:\n  type: gpio_ttl\n  active_high: true\n  pulse_width_us: 10\n"},
		{"modbus_without_endpoint", "serial:\n  port: COM1\ntrigger:\n  type: modbus_coil\n"},
		{"modbus_bad_unit", "serial:\n  port: COM1\ntrigger:\n  type: modbus_coil\n  modbus_endpoint: 10.0.0.2:502\n  modbus_unit_id: 300\n"},
		{"modbus_bad_address", "serial:\n  port: COM1\ntrigger:\n  type: modbus_coil\n  modbus_endpoint: 10.0.0.2:502\n  modbus_address: 70000\n"},
		{"debug_level_high", "serial:\n  port: COM1\ndefaults:\n  debug_level: 5\n"},
		{"invalid_yaml", "{{{{invalid yaml!!!!"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
				t.Errorf("expected error, got nil")
			}
		})
	}
}

func TestLoad_ModbusDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
serial:
  mock: true
trigger:
  type: modbus_coil
  modbus_endpoint: "192.168.1.50:502"
  modbus_unit_id: 1
  modbus_address: 16
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ModbusTimeout() != time.Second {
		t.Errorf("ModbusTimeout() = %v, want 1s", cfg.ModbusTimeout())
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	data := "serial:\n  port: COM1\n" + strings.Repeat("#", MaxConfigFileBytes)
	if _, err := Load(writeConfig(t, data)); err == nil {
		t.Error("expected error for oversized config file, got nil")
	}
}

func TestLoad_UnknownFields(t *testing.T) {
	yaml := `
serial:
  port: COM1
unknown_section:
  foo: bar
`
	if _, err := Load(writeConfig(t, yaml)); err != nil {
		t.Errorf("unknown fields should be ignored, got error: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "nonexistent.yaml")
	if _, err := Load(path); err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}

func TestLoad_ShippedDefault(t *testing.T) {
	path := filepath.Join("..", "..", "configs", "default.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("configs/default.yaml: %v", err)
	}
	if !cfg.Serial.Mock {
		t.Error("shipped config should run against the simulator")
	}
}
