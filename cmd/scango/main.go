package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/cjeanneret/ScanGo/internal/config"
	"github.com/cjeanneret/ScanGo/internal/debug"
	"github.com/cjeanneret/ScanGo/internal/hw/gpio"
	"github.com/cjeanneret/ScanGo/internal/hw/port"
	"github.com/cjeanneret/ScanGo/internal/hw/stage"
	"github.com/cjeanneret/ScanGo/internal/hw/trigger"
	"github.com/cjeanneret/ScanGo/internal/logic/motion"
	"github.com/cjeanneret/ScanGo/internal/logic/scan"
	"github.com/cjeanneret/ScanGo/internal/logic/sweep"
	"github.com/cjeanneret/ScanGo/internal/web"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	offStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// overrides holds CLI values that replace config entries. Zero values mean
// "use config".
type overrides struct {
	Port  string
	Baud  int
	Range string
	Mock  bool
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	portName := flag.String("port", "", "override serial port (e.g. /dev/ttyUSB0, COM3)")
	baud := flag.Int("baud", 0, "override baud rate")
	rangeSpec := flag.String("range", "", "override scan range as min:max:step")
	mock := flag.Bool("mock", false, "use the simulated stage")
	format := flag.String("format", "table", "one-shot output format: table or json")
	listPorts := flag.Bool("list-ports", false, "list serial ports and exit")
	flag.Parse()

	if *listPorts {
		names, err := port.ListPorts()
		if err != nil {
			log.Fatalf("list ports failed: %v", err)
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := applyOverrides(cfg, overrides{Port: *portName, Baud: *baud, Range: *rangeSpec, Mock: *mock}); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	if *format != "table" && *format != "json" {
		log.Fatalf("unsupported format %q (want table or json)", *format)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.PrintStruct("Serial config", cfg.Serial)

	debug.Step(1, "Selecting serial backend")
	opener, err := newOpener(cfg)
	if err != nil {
		log.Fatalf("init serial failed: %v", err)
	}

	debug.Step(2, "Initializing trigger")
	trig, closer, err := newTriggerFromConfig(cfg)
	if err != nil {
		log.Fatalf("init trigger failed: %v", err)
	}
	if closer != nil {
		defer func() {
			if err := closer.Close(); err != nil {
				log.Printf("closing trigger failed: %v", err)
			}
		}()
	}
	debug.Value("Trigger type", cfg.Trigger.Type)

	debug.Step(3, "Creating motion controller")
	ctrl := motion.NewController(motionConfig(cfg, opener, trig))
	defer ctrl.Close()
	debug.PrintStruct("Stage config", cfg.Stage)

	if p := webPort.port(); p > 0 {
		webAddr := fmt.Sprintf(":%d", p)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		formDefaults := web.FormConfig{
			Port:     cfg.Serial.Port,
			BaudRate: cfg.Serial.BaudRate,
			Axis:     cfg.Stage.Axis,
			XMin:     cfg.Scan.XMin,
			XMax:     cfg.Scan.XMax,
			Step:     cfg.Scan.Step,
		}
		srv := web.NewServer(webAddr, broadcaster, ctrl, formDefaults)
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	// One-shot: connect, scan the configured range, print the results.
	msg, err := ctrl.Connect()
	if err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	debug.Info("%s", msg)

	results, err := ctrl.StartScan(ctx, cfg.Scan.XMin, cfg.Scan.XMax, cfg.Scan.Step)
	if err != nil {
		log.Fatalf("scan failed: %v", err)
	}
	if err := renderResults(os.Stdout, results, *format, cfg.Scan.StepTolerance); err != nil {
		log.Fatalf("write results failed: %v", err)
	}
}

// applyOverrides mutates cfg with the non-zero overrides.
func applyOverrides(cfg *config.Config, o overrides) error {
	if o.Port != "" {
		cfg.Serial.Port = o.Port
	}
	if o.Baud < 0 {
		return fmt.Errorf("baud must be > 0, got %d", o.Baud)
	}
	if o.Baud > 0 {
		cfg.Serial.BaudRate = o.Baud
	}
	if o.Mock {
		cfg.Serial.Mock = true
	}
	if o.Range != "" {
		r, err := sweep.Parse(o.Range)
		if err != nil {
			return err
		}
		if err := r.Validate(cfg.Scan.RejectNonPositiveStep); err != nil {
			return err
		}
		cfg.Scan.XMin, cfg.Scan.XMax, cfg.Scan.Step = r.Min, r.Max, r.Step
	}
	return nil
}

// newOpener picks the simulator or a serial backend.
func newOpener(cfg *config.Config) (port.Opener, error) {
	if cfg.Serial.Mock {
		return port.NewSimStage(cfg.Serial.MockStepPerPoll).Opener(), nil
	}
	return port.NewOpener(port.Backend(cfg.Serial.Backend))
}

// newTriggerFromConfig selects the acquisition trigger. The returned closer,
// when non-nil, releases the trigger's hardware.
func newTriggerFromConfig(cfg *config.Config) (trigger.Trigger, io.Closer, error) {
	switch cfg.Trigger.Type {
	case "", "none":
		return trigger.None{}, nil, nil
	case "gpio_ttl":
		debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
		g, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			return nil, nil, err
		}
		t, err := trigger.NewTTL(g, cfg.Trigger.Pin, *cfg.Trigger.ActiveHigh, cfg.PulseWidth())
		if err != nil {
			g.Close()
			return nil, nil, err
		}
		return t, g, nil
	case "modbus_coil":
		c, err := trigger.NewModbusCoil(trigger.ModbusConfig{
			Endpoint: cfg.Trigger.ModbusEndpoint,
			UnitID:   uint8(cfg.Trigger.ModbusUnitID),
			Address:  uint16(cfg.Trigger.ModbusAddress),
			Timeout:  cfg.ModbusTimeout(),
		})
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	default:
		return nil, nil, fmt.Errorf("unsupported trigger type: %s", cfg.Trigger.Type)
	}
}

// motionConfig maps the loaded configuration onto the controller.
func motionConfig(cfg *config.Config, opener port.Opener, trig trigger.Trigger) motion.Config {
	return motion.Config{
		PortName: cfg.Serial.Port,
		BaudRate: cfg.Serial.BaudRate,
		Opener:   opener,
		AxisParams: stage.AxisParams{
			LowSpeed:     cfg.Stage.LowSpeed,
			HighSpeed:    cfg.Stage.HighSpeed,
			Acceleration: cfg.Stage.Acceleration,
			Deceleration: cfg.Stage.Deceleration,
		},
		Scan: scan.Params{
			Axis:                  cfg.Axis(),
			StartTolerance:        cfg.Scan.StartTolerance,
			StepTolerance:         cfg.Scan.StepTolerance,
			StartPoll:             cfg.StartPoll(),
			StepPoll:              cfg.StepPoll(),
			RejectNonPositiveStep: cfg.Scan.RejectNonPositiveStep,
		},
		Trigger: trig,
	}
}

// renderResults writes the scan points as a table or as a JSON array.
// In the table, the error column is highlighted where the stage settled
// outside tol.
func renderResults(w io.Writer, results []scan.Result, format string, tol int) error {
	if results == nil {
		results = []scan.Result{}
	}
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	rows := make([][]string, 0, len(results))
	for i, r := range results {
		rows = append(rows, []string{
			strconv.Itoa(i),
			strconv.Itoa(r.Target),
			strconv.Itoa(r.Measured),
			strconv.Itoa(r.Measured - r.Target),
		})
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("#", "Target", "Measured", "Error").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 3 && row >= 0 && row < len(results) {
				d := results[row].Measured - results[row].Target
				if d >= tol || d <= -tol {
					return offStyle
				}
			}
			return cellStyle
		})

	_, err := fmt.Fprintf(w, "%s\n%s\n", t.Render(), dimStyle.Render(fmt.Sprintf("%d points", len(results))))
	return err
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
