package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/ScanGo/internal/config"
	"github.com/cjeanneret/ScanGo/internal/hw/gpio"
	"github.com/cjeanneret/ScanGo/internal/hw/trigger"
	"github.com/cjeanneret/ScanGo/internal/logic/motion"
	"github.com/cjeanneret/ScanGo/internal/logic/scan"
)

func baseConfig() *config.Config {
	yes := true
	return &config.Config{
		Serial: config.SerialConfig{Port: "/dev/ttyUSB0", BaudRate: 9600, Backend: "bugst"},
		Stage:  config.StageConfig{Axis: "x", HighSpeed: 1500},
		Scan: config.ScanConfig{
			XMin: 0, XMax: 1000, Step: 100,
			StartTolerance: 10, StepTolerance: 5,
			StartPollMs: 10, StepPollUs: 100,
			RejectNonPositiveStep: true,
		},
		Trigger:  config.TriggerConfig{Type: "none", Pin: 17, ActiveHigh: &yes, PulseWidthUs: 100},
		Defaults: config.DefaultsConfig{MockGPIO: true},
	}
}

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	w := &webPortFlag{defaultPort: 8080}
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\") error: %v", err)
	}
	if w.port() != 8080 {
		t.Errorf("port = %d, want 8080", w.port())
	}
}

func TestWebPortFlag_ValidPorts(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"1", 1},
		{"8080", 8080},
		{"8980", 8980},
		{"65535", 65535},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(tc.input); err != nil {
				t.Fatalf("Set(%q) error: %v", tc.input, err)
			}
			if w.port() != tc.want {
				t.Errorf("port = %d, want %d", w.port(), tc.want)
			}
		})
	}
}

func TestWebPortFlag_InvalidPorts(t *testing.T) {
	for _, input := range []string{"0", "-1", "65536", "abc", "80.5"} {
		t.Run(input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(input); err == nil {
				t.Errorf("Set(%q) should fail", input)
			}
		})
	}
}

func TestWebPortFlag_String(t *testing.T) {
	w := &webPortFlag{defaultPort: 8080}
	if w.String() != "0" {
		t.Errorf("String() = %q, want \"0\" when disabled", w.String())
	}
	w.Set("9000")
	if w.String() != "9000" {
		t.Errorf("String() = %q, want \"9000\"", w.String())
	}
}

// ---------- applyOverrides ----------

func TestApplyOverrides_ZeroLeavesUnchanged(t *testing.T) {
	cfg := baseConfig()
	if err := applyOverrides(cfg, overrides{}); err != nil {
		t.Fatalf("applyOverrides error: %v", err)
	}
	want := baseConfig()
	if cfg.Serial != want.Serial || cfg.Scan != want.Scan {
		t.Errorf("config changed: %+v", cfg)
	}
}

func TestApplyOverrides_NonZero(t *testing.T) {
	cfg := baseConfig()
	err := applyOverrides(cfg, overrides{Port: "COM3", Baud: 115200, Range: "-50:50:10", Mock: true})
	if err != nil {
		t.Fatalf("applyOverrides error: %v", err)
	}
	if cfg.Serial.Port != "COM3" || cfg.Serial.BaudRate != 115200 || !cfg.Serial.Mock {
		t.Errorf("serial = %+v", cfg.Serial)
	}
	if cfg.Scan.XMin != -50 || cfg.Scan.XMax != 50 || cfg.Scan.Step != 10 {
		t.Errorf("range = %d:%d:%d", cfg.Scan.XMin, cfg.Scan.XMax, cfg.Scan.Step)
	}
}

func TestApplyOverrides_Invalid(t *testing.T) {
	cases := []struct {
		name string
		o    overrides
	}{
		{"negative_baud", overrides{Baud: -1}},
		{"malformed_range", overrides{Range: "0:10"}},
		{"non_numeric_range", overrides{Range: "a:b:c"}},
		{"zero_step_strict", overrides{Range: "0:10:0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := applyOverrides(baseConfig(), tc.o); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestApplyOverrides_ZeroStepLenient(t *testing.T) {
	cfg := baseConfig()
	cfg.Scan.RejectNonPositiveStep = false
	if err := applyOverrides(cfg, overrides{Range: "0:10:0"}); err != nil {
		t.Fatalf("lenient config should accept step 0, got: %v", err)
	}
	if cfg.Scan.Step != 0 {
		t.Errorf("step = %d, want 0", cfg.Scan.Step)
	}
}

// ---------- newOpener ----------

func TestNewOpener(t *testing.T) {
	cfg := baseConfig()
	if _, err := newOpener(cfg); err != nil {
		t.Errorf("bugst: %v", err)
	}
	cfg.Serial.Backend = "tarm"
	if _, err := newOpener(cfg); err != nil {
		t.Errorf("tarm: %v", err)
	}
	cfg.Serial.Backend = "usb"
	if _, err := newOpener(cfg); err == nil {
		t.Error("unknown backend should fail")
	}
}

func TestNewOpener_MockIgnoresBackend(t *testing.T) {
	cfg := baseConfig()
	cfg.Serial.Mock = true
	cfg.Serial.Backend = "usb"
	open, err := newOpener(cfg)
	if err != nil {
		t.Fatalf("newOpener: %v", err)
	}
	p, err := open("sim", 9600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p.Close()
}

// ---------- newTriggerFromConfig ----------

func TestNewTriggerFromConfig_None(t *testing.T) {
	trig, closer, err := newTriggerFromConfig(baseConfig())
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if _, ok := trig.(trigger.None); !ok {
		t.Errorf("trigger = %T, want trigger.None", trig)
	}
	if closer != nil {
		t.Error("none trigger should have no closer")
	}
}

func TestNewTriggerFromConfig_GPIOTTL(t *testing.T) {
	cfg := baseConfig()
	cfg.Trigger.Type = "gpio_ttl"
	trig, closer, err := newTriggerFromConfig(cfg)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	defer closer.Close()

	if _, ok := trig.(*trigger.TTL); !ok {
		t.Errorf("trigger = %T, want *trigger.TTL", trig)
	}
	if _, ok := closer.(*gpio.MockDriver); !ok {
		t.Errorf("closer = %T, want mock GPIO driver", closer)
	}
	if err := trig.Fire(0, 0); err != nil {
		t.Errorf("Fire: %v", err)
	}
}

func TestNewTriggerFromConfig_Unsupported(t *testing.T) {
	cfg := baseConfig()
	cfg.Trigger.Type = "laser"
	if _, _, err := newTriggerFromConfig(cfg); err == nil {
		t.Error("expected error for unsupported trigger")
	}
}

// ---------- motionConfig ----------

func TestMotionConfig(t *testing.T) {
	cfg := baseConfig()
	mc := motionConfig(cfg, nil, trigger.None{})

	if mc.PortName != "/dev/ttyUSB0" || mc.BaudRate != 9600 {
		t.Errorf("port = %q @ %d", mc.PortName, mc.BaudRate)
	}
	if mc.AxisParams.HighSpeed != 1500 || mc.AxisParams.LowSpeed != 0 {
		t.Errorf("axis params = %+v", mc.AxisParams)
	}
	want := scan.Params{
		Axis:                  'x',
		StartTolerance:        10,
		StepTolerance:         5,
		StartPoll:             10 * time.Millisecond,
		StepPoll:              100 * time.Microsecond,
		RejectNonPositiveStep: true,
	}
	if mc.Scan != want {
		t.Errorf("scan params = %+v, want %+v", mc.Scan, want)
	}
}

// ---------- renderResults ----------

func TestRenderResults_JSON(t *testing.T) {
	var buf bytes.Buffer
	in := []scan.Result{{Target: 0, Measured: 1}, {Target: 5, Measured: 5}}
	if err := renderResults(&buf, in, "json", 5); err != nil {
		t.Fatalf("render: %v", err)
	}
	var out []scan.Result
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[0] != in[0] || out[1] != in[1] {
		t.Errorf("out = %+v", out)
	}
}

func TestRenderResults_JSONEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := renderResults(&buf, nil, "json", 5); err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("output = %q, want []", buf.String())
	}
}

func TestRenderResults_Table(t *testing.T) {
	var buf bytes.Buffer
	in := []scan.Result{{Target: 100, Measured: 98}, {Target: 200, Measured: 207}}
	if err := renderResults(&buf, in, "table", 5); err != nil {
		t.Fatalf("render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Target", "Measured", "98", "207", "-2", "2 points"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

// ---------- one-shot scan on the shipped config ----------

func TestOneShotScan_ShippedConfig(t *testing.T) {
	cfg, err := config.Load("../../configs/default.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Serial.Mock {
		t.Skip("shipped config is not in mock mode")
	}
	if err := applyOverrides(cfg, overrides{Range: "0:100:25"}); err != nil {
		t.Fatalf("override: %v", err)
	}
	opener, err := newOpener(cfg)
	if err != nil {
		t.Fatalf("opener: %v", err)
	}
	ctrl := motion.NewController(motionConfig(cfg, opener, trigger.None{}))
	defer ctrl.Close()

	if _, err := ctrl.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results, err := ctrl.StartScan(ctx, cfg.Scan.XMin, cfg.Scan.XMax, cfg.Scan.Step)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	targets := []int{0, 25, 50, 75, 100}
	if len(results) != len(targets) {
		t.Fatalf("got %d results, want %d", len(results), len(targets))
	}
	for i, r := range results {
		if r.Target != targets[i] {
			t.Errorf("result[%d].Target = %d, want %d", i, r.Target, targets[i])
		}
		if d := r.Measured - r.Target; d >= cfg.Scan.StepTolerance || d <= -cfg.Scan.StepTolerance {
			t.Errorf("result[%d] measured %d outside tolerance of %d", i, r.Measured, r.Target)
		}
	}
}
