package motion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/ScanGo/internal/debug"
	"github.com/cjeanneret/ScanGo/internal/hw/port"
	"github.com/cjeanneret/ScanGo/internal/hw/stage"
	"github.com/cjeanneret/ScanGo/internal/hw/trigger"
	"github.com/cjeanneret/ScanGo/internal/logic/scan"
	"github.com/cjeanneret/ScanGo/internal/logic/sweep"
)

// ErrBusy is returned when an operation is issued while another one holds
// the stage.
var ErrBusy = errors.New("motion: stage busy")

// Config describes the stage the controller connects to.
type Config struct {
	PortName string
	BaudRate int
	Opener   port.Opener // nil opens through go.bug.st/serial

	// AxisParams, if non-zero, is written to Scan.Axis after every connect.
	AxisParams stage.AxisParams
	Scan       scan.Params
	Trigger    trigger.Trigger
}

// Status is a snapshot of the connection and the scan axis. Position,
// Moving and Speeds are only read when connected and idle.
type Status struct {
	Connected bool   `json:"connected"`
	Busy      bool   `json:"busy"`
	Axis      string `json:"axis"`
	Position  int    `json:"position"`
	Moving    bool   `json:"moving"`
	Speeds    []int  `json:"speeds,omitempty"`
}

// ScanOutcome is delivered once by StartScanAsync.
type ScanOutcome struct {
	Results []scan.Result
	Err     error
}

// Controller is the host-facing entry point: connect, move an axis, run a
// scan. It owns at most one stage connection and lets one operation at a
// time use it; a concurrent call fails with ErrBusy instead of waiting.
type Controller struct {
	cfg       Config
	mu        sync.Mutex
	stage     *stage.Controller
	connected atomic.Bool

	// opMu guards cancelOp and closing. cancelOp ends the running
	// context-bound operation (scan, wait) so Close never waits on it.
	opMu     sync.Mutex
	cancelOp context.CancelFunc
	closing  bool
}

func NewController(cfg Config) *Controller {
	if cfg.Opener == nil {
		cfg.Opener = port.OpenBugst
	}
	if cfg.Trigger == nil {
		cfg.Trigger = trigger.None{}
	}
	return &Controller{cfg: cfg}
}

func (c *Controller) acquire() error {
	if !c.mu.TryLock() {
		return ErrBusy
	}
	return nil
}

// Connect opens the configured port, closing any previous connection
// first. It returns a status line for display.
func (c *Controller) Connect() (string, error) {
	if err := c.acquire(); err != nil {
		return "", err
	}
	defer c.mu.Unlock()

	if err := c.disconnect(); err != nil {
		debug.Error(fmt.Errorf("close previous connection: %w", err))
	}

	st, err := stage.ConnectWith(c.cfg.Opener, c.cfg.PortName, c.cfg.BaudRate)
	if err != nil {
		return "", err
	}
	if c.cfg.AxisParams != (stage.AxisParams{}) {
		if err := st.SetAxisParams(c.cfg.Scan.Axis, c.cfg.AxisParams); err != nil {
			if cerr := st.Close(); cerr != nil {
				debug.Error(fmt.Errorf("close %s after failed setup: %w", c.cfg.PortName, cerr))
			}
			return "", fmt.Errorf("apply axis params: %w", err)
		}
	}
	c.stage = st
	c.connected.Store(true)
	return fmt.Sprintf("Connected to %s at %d", c.cfg.PortName, c.cfg.BaudRate), nil
}

// MoveAxis starts an absolute move and returns without waiting for it.
func (c *Controller) MoveAxis(axis byte, position int) (string, error) {
	if err := c.acquire(); err != nil {
		return "", err
	}
	defer c.mu.Unlock()

	if c.stage == nil {
		return "", stage.ErrNotConnected
	}
	if err := c.stage.MoveTo(axis, position); err != nil {
		return "", err
	}
	return fmt.Sprintf("Moved %c to %d", axis, position), nil
}

// StartScan sweeps the scan axis from xMin to xMax and blocks until the
// scan completes, fails, ctx ends or the controller is closed.
func (c *Controller) StartScan(ctx context.Context, xMin, xMax, step int) ([]scan.Result, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	if c.stage == nil {
		return nil, stage.ErrNotConnected
	}
	return c.runScan(ctx, sweep.Range{Min: xMin, Max: xMax, Step: step})
}

// StartScanAsync claims the stage and starts the scan in the background.
// Busy, not connected and range errors are returned at once; everything
// after that arrives on the channel, which receives exactly one outcome.
// The stage is released before the outcome is sent.
func (c *Controller) StartScanAsync(ctx context.Context, xMin, xMax, step int) (<-chan ScanOutcome, error) {
	r := sweep.Range{Min: xMin, Max: xMax, Step: step}
	if err := r.Validate(c.cfg.Scan.RejectNonPositiveStep); err != nil {
		return nil, err
	}
	if err := c.acquire(); err != nil {
		return nil, err
	}
	if c.stage == nil {
		c.mu.Unlock()
		return nil, stage.ErrNotConnected
	}

	done := make(chan ScanOutcome, 1)
	go func() {
		results, err := c.runScan(ctx, r)
		c.mu.Unlock()
		done <- ScanOutcome{Results: results, Err: err}
	}()
	return done, nil
}

// runScan runs with c.mu held.
func (c *Controller) runScan(ctx context.Context, r sweep.Range) ([]scan.Result, error) {
	ctx, done := c.track(ctx)
	defer done()

	debug.Section("Scan")
	seq := scan.NewSequence(c.stage, c.cfg.Trigger, c.cfg.Scan)
	return seq.Run(ctx, r)
}

// track derives a context that Close cancels. Call the returned func once
// the operation ends.
func (c *Controller) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	c.opMu.Lock()
	if c.closing {
		cancel()
	}
	c.cancelOp = cancel
	c.opMu.Unlock()

	return ctx, func() {
		c.opMu.Lock()
		c.cancelOp = nil
		c.opMu.Unlock()
		cancel()
	}
}

// WaitMove blocks until the stage reports no motion, timeout elapses
// (stage.ErrMoveTimeout) or ctx ends.
func (c *Controller) WaitMove(ctx context.Context, timeout time.Duration) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.mu.Unlock()

	if c.stage == nil {
		return stage.ErrNotConnected
	}
	ctx, done := c.track(ctx)
	defer done()
	return c.stage.WaitMove(ctx, timeout)
}

// IsMoving reports whether any axis is in motion.
func (c *Controller) IsMoving() (bool, error) {
	if err := c.acquire(); err != nil {
		return false, err
	}
	defer c.mu.Unlock()

	if c.stage == nil {
		return false, stage.ErrNotConnected
	}
	return c.stage.IsMoving()
}

// AxisParams reads back the motion profile of axis.
func (c *Controller) AxisParams(axis byte) (stage.AxisParams, error) {
	if err := c.acquire(); err != nil {
		return stage.AxisParams{}, err
	}
	defer c.mu.Unlock()

	if c.stage == nil {
		return stage.AxisParams{}, stage.ErrNotConnected
	}
	return c.stage.AxisParams(axis)
}

// SetHighSpeed changes the high speed of axis.
func (c *Controller) SetHighSpeed(axis byte, speed int) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.mu.Unlock()

	if c.stage == nil {
		return stage.ErrNotConnected
	}
	return c.stage.SetHighSpeed(axis, speed)
}

// Status reports the connection state and, when the stage is free, the
// position of axis, the motion flag and the axis speeds. A busy stage is
// reported, not returned as an error.
func (c *Controller) Status(axis byte) (Status, error) {
	st := Status{Connected: c.Connected(), Axis: string([]byte{axis})}
	if !st.Connected {
		return st, nil
	}
	if err := c.acquire(); err != nil {
		st.Busy = true
		return st, nil
	}
	defer c.mu.Unlock()

	if c.stage == nil {
		st.Connected = false
		return st, nil
	}
	var err error
	if st.Position, err = c.stage.GetPosition(axis); err != nil {
		return st, err
	}
	if st.Moving, err = c.stage.IsMoving(); err != nil {
		return st, err
	}
	if st.Speeds, err = c.stage.Speeds(); err != nil {
		return st, err
	}
	return st, nil
}

// Position reads the current position of axis.
func (c *Controller) Position(axis byte) (int, error) {
	if err := c.acquire(); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	if c.stage == nil {
		return 0, stage.ErrNotConnected
	}
	return c.stage.GetPosition(axis)
}

// Stop halts axis, at once when immediate is set.
func (c *Controller) Stop(axis byte, immediate bool) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.mu.Unlock()

	if c.stage == nil {
		return stage.ErrNotConnected
	}
	return c.stage.Stop(axis, immediate)
}

// Connected reports whether a connection is open.
func (c *Controller) Connected() bool { return c.connected.Load() }

// Axis returns the scan axis.
func (c *Controller) Axis() byte { return c.cfg.Scan.Axis }

// Close cancels a running scan or wait, then releases the connection once
// that operation has returned.
func (c *Controller) Close() error {
	c.opMu.Lock()
	c.closing = true
	if c.cancelOp != nil {
		c.cancelOp()
	}
	c.opMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.opMu.Lock()
	c.closing = false
	c.opMu.Unlock()
	return c.disconnect()
}

func (c *Controller) disconnect() error {
	if c.stage == nil {
		return nil
	}
	err := c.stage.Close()
	c.stage = nil
	c.connected.Store(false)
	return err
}

// IsUsageError reports failures caused by how the controller was called
// (not connected, busy, rejected range) rather than by the device.
func IsUsageError(err error) bool {
	return stage.IsUsageError(err) || errors.Is(err, ErrBusy) ||
		errors.Is(err, sweep.ErrNonPositiveStep) || errors.Is(err, sweep.ErrOutOfRange)
}
